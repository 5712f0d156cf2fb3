// Package event defines the typed stream a browser session produces and the
// engine consumes. Every value crossing that boundary is one of the Event
// variants below; the browser adapter owns the translation from CDP.
package event

import (
	"strings"
	"time"
)

// Event is implemented by every message on the session stream.
type Event interface {
	isEvent()
}

// RequestKind is the lifecycle stage a RequestEvent reports.
type RequestKind int

const (
	Issued RequestKind = iota
	Finished
	Failed
)

func (k RequestKind) String() string {
	switch k {
	case Issued:
		return "request"
	case Finished:
		return "requestfinished"
	case Failed:
		return "requestfailed"
	default:
		return "unknown"
	}
}

// Request is the browser's view of one network request. Response and Failure
// are set on Finished and Failed events respectively; a Failed request may
// also carry a partial Response.
type Request struct {
	ID           string
	URL          string
	Method       string
	ResourceType string // lowercased, e.g. "xhr", "document", "image"
	Headers      map[string]string
	PostData     string
	IsNavigation bool
	Response     *Response
	Failure      *Failure
}

// Response is the subset of the HTTP response kept for reports.
type Response struct {
	Status            int
	StatusText        string
	Headers           map[string]string
	MIMEType          string
	FromCache         bool
	FromServiceWorker bool
	RemoteAddress     string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Redirect reports a 3xx status.
func (r *Response) Redirect() bool {
	return r != nil && r.Status >= 300 && r.Status < 400
}

// Failure carries the network error text of a failed request.
type Failure struct {
	ErrorText string
}

// Header looks a header up case-insensitively.
func Header(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// RequestEvent reports one lifecycle transition of a request.
type RequestEvent struct {
	Kind    RequestKind
	Request *Request
	Time    time.Time
}

// FrameEvent carries one encoded screencast frame (PNG or JPEG).
type FrameEvent struct {
	Data []byte
	Time time.Time
}

// ConsoleEvent carries a console API call or an uncaught page exception.
type ConsoleEvent struct {
	Level     string // "log", "debug", "info", "warning", "error", "assert", "exception", ...
	Text      string
	Location  string
	Exception bool
}

// Range is a half-open range [Start, End) into a resource's source, in
// UTF-16 code units as the browser reports them.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CoverageResource is one script or stylesheet with its used ranges.
// Ranges are sorted and disjoint.
type CoverageResource struct {
	URL    string
	Type   string // "js" or "css"
	Text   string
	Ranges []Range
}

// CoverageEvent carries a coverage snapshot taken from the page.
type CoverageEvent struct {
	Resources []CoverageResource
}

// LoadingEvent reports the main frame starting or stopping a load.
type LoadingEvent struct {
	FrameID string
	Started bool
}

func (RequestEvent) isEvent()  {}
func (FrameEvent) isEvent()    {}
func (ConsoleEvent) isEvent()  {}
func (LoadingEvent) isEvent()  {}
func (CoverageEvent) isEvent() {}
