package capture

import (
	"sync"
	"time"

	"testscope/internal/event"
	"testscope/internal/logging"
)

// FallbackID identifies the implicit capturer that reports failures no test
// capturer claimed.
const FallbackID = "capturer_common"

// Fallback logs failed requests that no capturer claimed. It keeps only
// start times, so it never grows a record list.
type Fallback struct {
	env *Env

	mu     sync.Mutex
	starts map[string]time.Time
}

func newFallback(env *Env) *Fallback {
	return &Fallback{env: env, starts: make(map[string]time.Time)}
}

func (f *Fallback) observe(ev event.RequestEvent) {
	req := ev.Request
	now := f.env.now(ev)

	f.mu.Lock()
	if ev.Kind == event.Issued {
		f.starts[req.ID] = now
		f.mu.Unlock()
		return
	}
	start, ok := f.starts[req.ID]
	delete(f.starts, req.ID)
	f.mu.Unlock()
	if !ok {
		start = now
	}

	switch ev.Kind {
	case event.Finished:
		rec := finishedRecord(req, start, now, f.env.TracingHeader)
		if rec.IsFailed {
			f.show(rec)
		}
	case event.Failed:
		f.show(failedRecord(req, start, now, f.env.TracingHeader))
	}
}

func (f *Fallback) show(rec *Record) {
	msg := terminalMessage(rec)
	if rec.IsAbort {
		logging.Get(logging.CategoryCapture).Info("[%s] %s", rec.RequestType, msg)
	} else {
		logging.CaptureWarn("[%s] %s", rec.RequestType, msg)
	}
	if f.env.Report != nil {
		f.env.Report.AddTestLog("[" + rec.RequestType + "] " + msg)
	}
}

// reset drops start times of requests that never finished.
func (f *Fallback) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = make(map[string]time.Time)
}

// Pending returns how many unclaimed requests are in flight.
func (f *Fallback) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}
