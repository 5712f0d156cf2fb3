// Package engine consumes the browser event stream and turns it into test
// telemetry: request records, failure artifacts, coverage pages, screencasts
// and test logs.
//
// Events arrive on a single channel and are handled by one goroutine (Run),
// so per-request ordering is the order the browser emitted them. Lifecycle
// hooks and the public API may be called from the test driver's goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"testscope/internal/capture"
	"testscope/internal/coverage"
	"testscope/internal/event"
	"testscope/internal/logging"
	"testscope/internal/report"
	"testscope/internal/screencast"
	"testscope/internal/store"
	"testscope/internal/ui"
)

var (
	// ErrPageLoadTimeout is wrapped by WaitForPageLoaded on expiry.
	ErrPageLoadTimeout = errors.New("engine: page load timeout")
	// ErrNoActiveJob is returned by operations that need a running job.
	ErrNoActiveJob = errors.New("engine: no active job")
)

// Page is the command side of a browser session.
type Page interface {
	capture.BodyReader
	Screenshot(ctx context.Context) ([]byte, error)
	StartScreencast(ctx context.Context) error
	StopScreencast(ctx context.Context) error
	StartCoverage(ctx context.Context) error
	// TakeCoverage stops coverage collection and returns what was used.
	TakeCoverage(ctx context.Context) ([]event.CoverageResource, error)
	SetOffline(ctx context.Context, offline bool) error
}

// Archive receives finished jobs.
type Archive interface {
	SaveJob(ctx context.Context, job store.JobRecord) error
}

// Options configures an Engine.
type Options struct {
	OutputDir       string
	TracingHeader   string
	ArtifactWorkers int
	PageLoadTimeout time.Duration
	FrameDelay      time.Duration
	LastFrameDelay  time.Duration

	// Out receives console summaries such as the coverage table.
	Out    io.Writer
	Styles ui.Styles
	Now    func() time.Time
}

func (o *Options) setDefaults() {
	if o.OutputDir == "" {
		o.OutputDir = ".testscope"
	}
	if o.PageLoadTimeout <= 0 {
		o.PageLoadTimeout = 120 * time.Second
	}
	if o.FrameDelay <= 0 {
		o.FrameDelay = screencast.DefaultFrameDelay
	}
	if o.LastFrameDelay <= 0 {
		o.LastFrameDelay = 5 * time.Second
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine owns the capture registry and the current job/test context.
type Engine struct {
	opt      Options
	page     Page
	archive  Archive
	report   *report.Context
	registry *capture.Registry

	artifacts *capture.ArtifactWriter

	// frame-loading operations in flight on the page
	loading atomic.Int64

	mu             sync.Mutex
	reportCapturer *capture.Capturer
	snapshot       *coverage.Snapshot
	coverageOn     bool
	screencastOn   bool
	jobStarted     time.Time
	testsRun       int
	testsFailed    int
}

// New creates an engine. page and archive may be nil; the operations that
// need them then fail or are skipped.
func New(ctx context.Context, page Page, archive Archive, opt Options) *Engine {
	opt.setDefaults()
	rc := report.NewContext(opt.OutputDir)

	var bodies capture.BodyReader
	if page != nil {
		bodies = page
	}
	artifacts := capture.NewArtifactWriter(ctx, opt.OutputDir, bodies, opt.ArtifactWorkers)

	e := &Engine{
		opt:       opt,
		page:      page,
		archive:   archive,
		report:    rc,
		artifacts: artifacts,
		snapshot:  coverage.NewSnapshot(),
	}
	e.registry = capture.NewRegistry(&capture.Env{
		Report:        rc,
		Artifacts:     artifacts,
		TracingHeader: opt.TracingHeader,
		Now:           opt.Now,
	})
	return e
}

// Report returns the job/test context the engine writes into.
func (e *Engine) Report() *report.Context { return e.report }

// Registry returns the capturer registry.
func (e *Engine) Registry() *capture.Registry { return e.registry }

// Run consumes events until the channel closes or ctx is done.
func (e *Engine) Run(ctx context.Context, events <-chan event.Event) error {
	logging.EngineDebug("event loop started")
	defer logging.EngineDebug("event loop stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Handle(ev)
		}
	}
}

// Handle processes one event synchronously.
func (e *Engine) Handle(ev event.Event) {
	switch ev := ev.(type) {
	case event.RequestEvent:
		e.registry.Dispatch(ev)
	case event.FrameEvent:
		e.onFrame(ev)
	case event.ConsoleEvent:
		e.onConsole(ev)
	case event.LoadingEvent:
		e.onLoading(ev)
	case event.CoverageEvent:
		e.mu.Lock()
		e.snapshot.Add(ev.Resources...)
		e.mu.Unlock()
	}
}

func (e *Engine) onFrame(ev event.FrameEvent) {
	e.mu.Lock()
	on := e.screencastOn
	e.mu.Unlock()
	if !on {
		return
	}
	if buf := e.report.Frames(); buf != nil {
		buf.Append(screencast.Frame{Buffer: ev.Data})
	}
}

func (e *Engine) onConsole(ev event.ConsoleEvent) {
	switch ev.Level {
	case "debug", "info", "warning":
		return
	}
	var line string
	if ev.Exception {
		line = fmt.Sprintf("[pageerror] %s", ev.Text)
	} else {
		line = fmt.Sprintf("[console.%s] %s", ev.Level, ev.Text)
	}
	if ev.Location != "" {
		line += " (" + ev.Location + ")"
	}
	logging.EngineWarn("%s", line)
	e.report.AddTestLog(line)
}

func (e *Engine) onLoading(ev event.LoadingEvent) {
	if ev.Started {
		e.loading.Add(1)
		return
	}
	for {
		n := e.loading.Load()
		if n <= 0 || e.loading.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Loading returns the number of frame loads in flight.
func (e *Engine) Loading() int64 { return e.loading.Load() }

// WaitForPageLoaded polls every 100ms until no frame load is in flight. A
// timeout <= 0 uses the configured page load timeout.
func (e *Engine) WaitForPageLoaded(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.opt.PageLoadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if e.loading.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%dms timeout to wait for page loading: %w", timeout.Milliseconds(), ErrPageLoadTimeout)
		case <-ticker.C:
		}
	}
}
