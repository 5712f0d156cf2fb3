package engine

import (
	"context"
	"fmt"
	"os"

	"testscope/internal/capture"
	"testscope/internal/coverage"
	"testscope/internal/logging"
	"testscope/internal/match"
	"testscope/internal/report"
	"testscope/internal/screencast"
)

// CreateRequestCapturer registers a capturer. Non-report capturers are
// torn down when the current test ends.
func (e *Engine) CreateRequestCapturer(opt capture.Options) (*capture.Capturer, error) {
	return e.registry.Create(opt)
}

// StartRequestReport starts the job-level request report, replacing any
// previous one.
func (e *Engine) StartRequestReport(spec match.Spec) (*capture.Capturer, error) {
	e.StopRequestReport()
	c, err := e.registry.Create(capture.Options{Match: spec, Report: true})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.reportCapturer = c
	e.mu.Unlock()
	return c, nil
}

// StopRequestReport stops the request report capturer. Its records stay
// readable until the next StartRequestReport.
func (e *Engine) StopRequestReport() {
	e.mu.Lock()
	c := e.reportCapturer
	e.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// AddRequestMatch widens the request report's match.
func (e *Engine) AddRequestMatch(spec match.Spec) {
	e.mu.Lock()
	c := e.reportCapturer
	e.mu.Unlock()
	if c != nil {
		c.AddMatch(spec)
	}
}

// RemoveRequestMatch removes an entry from the request report's match.
func (e *Engine) RemoveRequestMatch(spec match.Spec) {
	e.mu.Lock()
	c := e.reportCapturer
	e.mu.Unlock()
	if c != nil {
		c.RemoveMatch(spec)
	}
}

// GenerateRequestReport waits for pending failure artifacts so failed
// records carry their log name, then filters the request report's records,
// stores them under requestList and returns them. An empty list is not
// stored. It returns nil when no report was started.
func (e *Engine) GenerateRequestReport(sortField string) ([]capture.Record, error) {
	e.mu.Lock()
	c := e.reportCapturer
	e.mu.Unlock()
	if c == nil {
		return nil, nil
	}
	if err := e.artifacts.Wait(); err != nil {
		logging.EngineWarn("artifact writer: %v", err)
	}
	list, err := capture.FilterReport(c.GetRequestList(), sortField)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		logging.ReportDebug("request report: no entries")
		return list, nil
	}
	e.report.SetJobReport(report.KeyRequestList, list)
	logging.ReportDebug("request report: %d entries", len(list))
	return list, nil
}

// StartCoverage starts JS and CSS coverage collection on the page.
func (e *Engine) StartCoverage(ctx context.Context) error {
	if e.page == nil {
		return fmt.Errorf("no page to collect coverage from")
	}
	if err := e.page.StartCoverage(ctx); err != nil {
		return fmt.Errorf("failed to start coverage: %w", err)
	}
	e.mu.Lock()
	e.coverageOn = true
	e.mu.Unlock()
	return nil
}

// GenerateCodeCoverage stops collection, summarizes every target, writes
// the annotated pages, stores the entries under codeCoverage and prints a
// summary table.
func (e *Engine) GenerateCodeCoverage(ctx context.Context, targets []coverage.Target) ([]coverage.Entry, error) {
	jobID := e.report.JobID()
	if jobID == "" {
		return nil, ErrNoActiveJob
	}

	e.mu.Lock()
	on := e.coverageOn
	e.coverageOn = false
	snapshot := e.snapshot
	e.mu.Unlock()

	if on && e.page != nil {
		resources, err := e.page.TakeCoverage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to take coverage: %w", err)
		}
		snapshot.Add(resources...)
	}

	entries, err := coverage.Generate(snapshot, targets, e.opt.OutputDir, jobID)
	if err != nil {
		return nil, err
	}
	e.report.SetJobReport(report.KeyCodeCoverage, entries)
	fmt.Fprintln(e.opt.Out, coverage.Table(entries, e.opt.Styles))
	return entries, nil
}

// StartScreencast attaches a frame buffer to the current test and starts
// the page screencast.
func (e *Engine) StartScreencast(ctx context.Context, maxFrame int) error {
	if !e.report.SetFrames(screencast.NewBuffer(maxFrame)) {
		return fmt.Errorf("screencast needs a running test")
	}
	e.mu.Lock()
	e.screencastOn = true
	e.mu.Unlock()
	if e.page == nil {
		return nil
	}
	if err := e.page.StartScreencast(ctx); err != nil {
		e.mu.Lock()
		e.screencastOn = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start screencast: %w", err)
	}
	logging.ScreencastDebug("screencast started (max %d frames)", screencast.ClampMaxFrame(maxFrame))
	return nil
}

func (e *Engine) stopScreencast(ctx context.Context) {
	e.mu.Lock()
	on := e.screencastOn
	e.screencastOn = false
	e.mu.Unlock()
	if !on || e.page == nil {
		return
	}
	if err := e.page.StopScreencast(ctx); err != nil {
		logging.ScreencastError("failed to stop screencast: %v", err)
	}
}

// SaveScreencast drains the current test's frames into a GIF named after
// title and returns the file name.
func (e *Engine) SaveScreencast(title string) (string, error) {
	buf := e.report.Frames()
	if buf == nil {
		return "", screencast.ErrNoFrames
	}
	base := e.report.JobFileName(title)
	if base == "" {
		return "", ErrNoActiveJob
	}
	return e.saveGIF(base, buf.Drain())
}

func (e *Engine) saveGIF(base string, frames []screencast.Frame) (string, error) {
	if len(frames) == 0 {
		return "", screencast.ErrNoFrames
	}
	timer := logging.StartTimer(logging.CategoryScreencast, "encode gif")
	defer timer.Stop()

	if err := os.MkdirAll(e.opt.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	name := base + ".gif"
	f, err := os.Create(e.report.ArtifactPath(name))
	if err != nil {
		return "", fmt.Errorf("failed to create gif: %w", err)
	}
	if err := screencast.EncodeGIF(f, frames, e.opt.FrameDelay); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write gif: %w", err)
	}
	logging.ScreencastDebug("saved: %s (%d frames)", name, len(frames))
	return name, nil
}

// SaveScreenshot writes a PNG named after title, with caption drawn over
// the bottom of the image when set, and returns the file name.
func (e *Engine) SaveScreenshot(ctx context.Context, title, caption string) (string, error) {
	base := e.report.JobFileName(title)
	if base == "" {
		return "", ErrNoActiveJob
	}
	return e.saveScreenshot(ctx, base, caption)
}

func (e *Engine) saveScreenshot(ctx context.Context, base, caption string) (string, error) {
	if e.page == nil {
		return "", fmt.Errorf("no page to take a screenshot of")
	}
	data, err := e.page.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to take screenshot: %w", err)
	}
	if caption != "" {
		if data, err = screencast.CaptionPNG(data, caption); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(e.opt.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	name := base + ".png"
	if err := os.WriteFile(e.report.ArtifactPath(name), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	logging.ScreencastDebug("saved: %s", name)
	return name, nil
}

// SetOffline toggles network emulation on the page.
func (e *Engine) SetOffline(ctx context.Context, offline bool) error {
	if e.page == nil {
		return fmt.Errorf("no page to toggle")
	}
	return e.page.SetOffline(ctx, offline)
}
