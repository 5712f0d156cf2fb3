package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"testscope/internal/event"
)

// DefaultTracingHeader is copied onto records when present on the request or
// its response.
const DefaultTracingHeader = "x-api-requestid"

const (
	errAborted  = "net::ERR_ABORTED"
	errTimedOut = "net::ERR_TIMED_OUT"
)

// Status is an HTTP status code, or a label when no response was seen.
type Status struct {
	Code  int
	Label string
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s.Code > 0 {
		return json.Marshal(s.Code)
	}
	return json.Marshal(s.Label)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		*s = Status{Code: code}
		return nil
	}
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return fmt.Errorf("status must be a number or string: %w", err)
	}
	*s = Status{Label: label}
	return nil
}

func (s Status) String() string {
	if s.Code > 0 {
		return fmt.Sprint(s.Code)
	}
	return s.Label
}

// Record is one lifecycle entry for a request as seen by one capturer.
// Times are unix milliseconds and Duration is in milliseconds.
type Record struct {
	RequestType  string `json:"requestType"`
	RequestID    string `json:"requestId"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resourceType"`
	StartTime    int64  `json:"start_time"`

	EndTime    int64  `json:"end_time,omitempty"`
	Duration   int64  `json:"duration,omitempty"`
	Status     Status `json:"status"`
	StatusText string `json:"statusText"`
	IsOk       bool   `json:"isOk"`
	IsFailed   bool   `json:"isFailed"`
	IsRedirect bool   `json:"isRedirect"`
	IsAbort    bool   `json:"isAbort"`
	IsTimeout  bool   `json:"isTimeout"`
	Log        string `json:"log,omitempty"`

	// TracingHeader names the header TracingID was read from.
	TracingHeader string `json:"-"`
	TracingID     string `json:"-"`
}

// Terminal reports whether the record is a finished or failed entry.
func (r Record) Terminal() bool {
	return r.RequestType != event.Issued.String()
}

// Fields renders the record as the flat map written to reports and
// artifacts. Issued entries carry only the request summary.
func (r Record) Fields() map[string]any {
	m := map[string]any{
		"requestType":  r.RequestType,
		"requestId":    r.RequestID,
		"url":          r.URL,
		"method":       r.Method,
		"resourceType": r.ResourceType,
		"start_time":   r.StartTime,
	}
	if !r.Terminal() {
		return m
	}
	m["end_time"] = r.EndTime
	m["duration"] = r.Duration
	m["status"] = r.Status
	m["statusText"] = r.StatusText
	m["isOk"] = r.IsOk
	m["isFailed"] = r.IsFailed
	switch r.RequestType {
	case event.Finished.String(), "finished":
		m["isRedirect"] = r.IsRedirect
	default:
		m["isAbort"] = r.IsAbort
		m["isTimeout"] = r.IsTimeout
	}
	if r.Log != "" {
		m["log"] = r.Log
	}
	if r.TracingID != "" && r.TracingHeader != "" {
		m[r.TracingHeader] = r.TracingID
	}
	return m
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

func unixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func issuedRecord(req *event.Request, start time.Time) *Record {
	return &Record{
		RequestType:  event.Issued.String(),
		RequestID:    req.ID,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		StartTime:    unixMillis(start),
	}
}

// finishedRecord classifies a finished request: 2xx (or no response) is ok,
// 3xx is a redirect and anything else failed.
func finishedRecord(req *event.Request, start, end time.Time, tracingHeader string) *Record {
	resp := req.Response
	isOk := resp == nil || resp.OK()
	isRedirect := resp.Redirect()
	rec := &Record{
		RequestType:  event.Finished.String(),
		RequestID:    req.ID,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		StartTime:    unixMillis(start),
		EndTime:      unixMillis(end),
		Status:       Status{Label: "(finished)"},
		IsOk:         isOk,
		IsRedirect:   isRedirect,
		IsFailed:     !isOk && !isRedirect,
	}
	rec.Duration = rec.EndTime - rec.StartTime
	if resp != nil {
		rec.Status = Status{Code: resp.Status}
		rec.StatusText = resp.StatusText
	}
	applyTracing(rec, req, tracingHeader)
	return rec
}

// failedRecord classifies a failed request. Aborts are not failures.
func failedRecord(req *event.Request, start, end time.Time, tracingHeader string) *Record {
	errorText := ""
	if req.Failure != nil {
		errorText = req.Failure.ErrorText
	}
	isAbort := errorText == errAborted
	rec := &Record{
		RequestType:  event.Failed.String(),
		RequestID:    req.ID,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		StartTime:    unixMillis(start),
		EndTime:      unixMillis(end),
		Status:       Status{Label: "(failed)"},
		StatusText:   errorText,
		IsFailed:     !isAbort,
		IsAbort:      isAbort,
		IsTimeout:    errorText == errTimedOut,
	}
	rec.Duration = rec.EndTime - rec.StartTime
	applyTracing(rec, req, tracingHeader)
	return rec
}

func applyTracing(rec *Record, req *event.Request, header string) {
	if header == "" {
		return
	}
	header = strings.ToLower(header)
	v, ok := event.Header(req.Headers, header)
	if !ok && req.Response != nil {
		v, ok = event.Header(req.Response.Headers, header)
	}
	if ok && v != "" {
		rec.TracingHeader = header
		rec.TracingID = v
	}
}

// displayURL cuts data: URLs down to their media type.
func displayURL(url string) string {
	if strings.HasPrefix(url, "data:") {
		if i := strings.Index(url, ","); i >= 0 {
			return url[:i]
		}
	}
	return url
}

func summary(rec *Record) string {
	return fmt.Sprintf("[%s] %s: %s", rec.ResourceType, rec.Method, displayURL(rec.URL))
}
