// Package capture tracks network requests for tests and jobs.
//
// A Registry owns the live Capturers and fans every request event out to
// them, then to a Fallback that reports failures nobody captured. Each
// Capturer keeps its own id-indexed table of matched requests and an ordered
// list of Records.
package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"testscope/internal/event"
	"testscope/internal/logging"
	"testscope/internal/match"
	"testscope/internal/report"
)

// DefaultMatch is used when a capturer is created without a match spec.
var DefaultMatch match.Spec = match.Literal("http")

// Options configures a Capturer.
type Options struct {
	// Match selects requests. Nil means DefaultMatch; use match.Any{} to
	// capture everything.
	Match match.Spec
	// Report marks a job-level capturer: it is not attached to the running
	// test, does not claim requests from the fallback, and skips callbacks.
	Report bool
	// OnRequest is called for each matched issued request.
	OnRequest func(req *event.Request)
	// OnResponse is called for each matched finished or failed request.
	// req.Response may be nil.
	OnResponse func(req *event.Request)
}

// Env is what capturers share with the registry.
type Env struct {
	Report        *report.Context
	Artifacts     *ArtifactWriter
	TracingHeader string
	Now           func() time.Time
}

func (e *Env) now(ev event.RequestEvent) time.Time {
	if !ev.Time.IsZero() {
		return ev.Time
	}
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type tracked struct {
	req      *event.Request
	start    time.Time
	terminal bool
}

// Capturer observes requests matching its spec.
type Capturer struct {
	id       string
	env      *Env
	registry *Registry

	mu        sync.Mutex
	opt       Options
	stopped   bool
	destroyed bool
	requests  map[string]*tracked
	records   []*Record
}

func newCapturer(opt Options, env *Env, registry *Registry) *Capturer {
	if opt.Match == nil {
		opt.Match = DefaultMatch
	}
	return &Capturer{
		id:       "capturer_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		env:      env,
		registry: registry,
		opt:      opt,
		requests: make(map[string]*tracked),
	}
}

// ID returns the capturer's unique id.
func (c *Capturer) ID() string { return c.id }

// IsReport reports whether this is a job-level report capturer.
func (c *Capturer) IsReport() bool { return c.opt.Report }

// Match returns the live match spec.
func (c *Capturer) Match() match.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opt.Match
}

// handle processes one event and reports whether it claimed an issued
// request.
func (c *Capturer) handle(ev event.RequestEvent) bool {
	c.mu.Lock()
	if c.stopped {
		report := c.opt.Report
		c.mu.Unlock()
		// Report records are read after the report is stopped.
		if !report {
			c.Destroy()
		}
		return false
	}
	if ev.Request == nil {
		c.mu.Unlock()
		return false
	}
	switch ev.Kind {
	case event.Issued:
		return c.onIssued(ev)
	case event.Finished, event.Failed:
		return c.onTerminal(ev)
	default:
		c.mu.Unlock()
		return false
	}
}

// onIssued is called with c.mu held and releases it.
func (c *Capturer) onIssued(ev event.RequestEvent) bool {
	req := ev.Request
	if !match.Matches(req, c.opt.Match) {
		c.mu.Unlock()
		return false
	}
	if req.ID == "" {
		c.mu.Unlock()
		logging.CaptureWarn("%s: request without id: %s", c.id, req.URL)
		return false
	}
	start := c.env.now(ev)
	c.requests[req.ID] = &tracked{req: req, start: start}
	rec := issuedRecord(req, start)
	c.records = append(c.records, rec)
	isReport := c.opt.Report
	onRequest := c.opt.OnRequest
	c.mu.Unlock()

	if isReport {
		return false
	}
	c.show(rec, summary(rec))
	if onRequest != nil {
		safeCall(c.id, "onRequest", func() { onRequest(req) })
	}
	return true
}

// onTerminal is called with c.mu held and releases it.
func (c *Capturer) onTerminal(ev event.RequestEvent) bool {
	t, ok := c.requests[ev.Request.ID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if t.terminal {
		c.mu.Unlock()
		logging.CaptureDebug("%s: dropped duplicate %s for %s", c.id, ev.Kind, ev.Request.ID)
		return false
	}
	t.terminal = true

	req := merge(t.req, ev.Request)
	start := t.start
	end := c.env.now(ev)
	if start.IsZero() {
		start = end
	}
	var rec *Record
	if ev.Kind == event.Finished {
		rec = finishedRecord(req, start, end, c.env.TracingHeader)
	} else {
		rec = failedRecord(req, start, end, c.env.TracingHeader)
	}
	c.records = append(c.records, rec)
	isReport := c.opt.Report
	onResponse := c.opt.OnResponse
	c.mu.Unlock()

	if rec.IsFailed {
		c.captureFailure(rec, req)
		if c.env.Report != nil {
			c.env.Report.AddFailedRequestID(rec.RequestID)
		}
	}
	if isReport {
		return false
	}
	c.showTerminal(rec)
	if onResponse != nil {
		safeCall(c.id, "onResponse", func() { onResponse(req) })
	}
	return false
}

func (c *Capturer) captureFailure(rec *Record, req *event.Request) {
	if c.env.Artifacts == nil || c.env.Report == nil {
		return
	}
	snapshot := *rec
	c.env.Artifacts.Capture(c.env.Report.JobID(), snapshot, req, func(logName string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.destroyed {
			return
		}
		rec.Log = logName
	})
}

func (c *Capturer) show(rec *Record, msg string) {
	line := "[" + rec.RequestType + "] " + msg
	logging.CaptureDebug("%s", line)
	if c.env.Report != nil {
		c.env.Report.AddTestLog(line)
	}
}

func (c *Capturer) showTerminal(rec *Record) {
	msg := terminalMessage(rec)
	if rec.IsFailed {
		logging.CaptureWarn("[%s] %s", rec.RequestType, msg)
		if c.env.Report != nil {
			c.env.Report.AddTestLog("[" + rec.RequestType + "] " + msg)
		}
		return
	}
	c.show(rec, msg)
}

func terminalMessage(rec *Record) string {
	msg := summary(rec)
	switch {
	case rec.RequestType == event.Finished.String():
		if rec.Status.Code > 0 {
			msg += " - status: " + rec.Status.String() + " (" + rec.StatusText + ")"
		}
	case rec.IsAbort:
		msg = "[abort] " + msg
	case rec.StatusText != "":
		msg += " - " + rec.StatusText
	}
	return msg
}

// merge overlays a terminal event's request on the issued one. The browser
// may hand over a fresh request object for the same id.
func merge(issued, latest *event.Request) *event.Request {
	out := *latest
	if out.URL == "" {
		out.URL = issued.URL
	}
	if out.Method == "" {
		out.Method = issued.Method
	}
	if out.ResourceType == "" {
		out.ResourceType = issued.ResourceType
	}
	if out.Headers == nil {
		out.Headers = issued.Headers
	}
	if out.PostData == "" {
		out.PostData = issued.PostData
	}
	if !out.IsNavigation {
		out.IsNavigation = issued.IsNavigation
	}
	return &out
}

func safeCall(id, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CaptureError("%s: %s panicked: %v", id, name, r)
		}
	}()
	fn()
}

// GetRequestList returns copies of every record in arrival order. Issued,
// finished and failed entries for one request all appear.
func (c *Capturer) GetRequestList() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = *r
	}
	return out
}

// RequestCount returns how many distinct requests matched.
func (c *Capturer) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// AddMatch ORs spec into the live match spec.
func (c *Capturer) AddMatch(spec match.Spec) *Capturer {
	if spec == nil {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opt.Match = match.Add(c.opt.Match, spec)
	return c
}

// RemoveMatch removes entries equal to spec when the live spec is a list.
func (c *Capturer) RemoveMatch(spec match.Spec) *Capturer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opt.Match = match.Remove(c.opt.Match, spec)
	return c
}

// Stop makes the capturer inert and removes it from the registry. Records
// stay readable until Destroy.
func (c *Capturer) Stop() {
	c.mu.Lock()
	already := c.stopped
	c.stopped = true
	c.mu.Unlock()
	if !already && c.registry != nil {
		c.registry.Unregister(c.id)
	}
}

// Destroy stops the capturer and releases its tables.
func (c *Capturer) Destroy() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.requests = nil
	c.records = nil
	c.opt.OnRequest = nil
	c.opt.OnResponse = nil
}

// Stopped reports whether Stop has been called.
func (c *Capturer) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
