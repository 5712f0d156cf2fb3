package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"testscope/internal/coverage"
	"testscope/internal/logging"
	"testscope/internal/report"
	"testscope/internal/screencast"
	"testscope/internal/store"
)

// Test report keys written by AfterEach.
const (
	TestKeyScreencast = "screencast"
	TestKeyScreenshot = "screenshot"
	TestKeyLog        = "log"
)

// OnJobStart makes job current and resets per-job state.
func (e *Engine) OnJobStart(job *report.Job) {
	e.report.EnterJob(job)

	e.mu.Lock()
	e.snapshot = coverage.NewSnapshot()
	e.jobStarted = e.opt.Now()
	e.testsRun = 0
	e.testsFailed = 0
	e.mu.Unlock()

	e.loading.Store(0)
	logging.Engine("job %s started: %s", job.ID, job.Title)
}

// OnJobFinish stops the request report, waits for pending artifacts,
// archives the job and exits it. The job is exited even when archiving
// fails.
func (e *Engine) OnJobFinish(ctx context.Context) error {
	job := e.report.Job()
	if job == nil {
		return ErrNoActiveJob
	}
	defer e.report.ExitJob()

	e.mu.Lock()
	rc := e.reportCapturer
	e.mu.Unlock()
	if rc != nil {
		if _, done := e.report.GetJobReport(report.KeyRequestList); !done {
			if _, err := e.GenerateRequestReport(""); err != nil {
				logging.EngineWarn("request report for job %s: %v", job.ID, err)
			}
		}
		e.StopRequestReport()
	}
	e.stopScreencast(ctx)

	if err := e.artifacts.Wait(); err != nil {
		logging.EngineWarn("artifact writer: %v", err)
	}
	e.registry.ClearClaims()

	e.mu.Lock()
	rec := store.JobRecord{
		ID:         job.ID,
		Title:      job.Title,
		StartedAt:  e.jobStarted,
		FinishedAt: e.opt.Now(),
		Tests:      e.testsRun,
		Failed:     e.testsFailed,
	}
	e.mu.Unlock()

	logging.Engine("job %s finished: %d tests, %d failed", job.ID, rec.Tests, rec.Failed)
	if e.archive == nil {
		return nil
	}

	var err error
	if rec.RequestList, err = e.jobReportJSON(report.KeyRequestList); err != nil {
		return err
	}
	if rec.Coverage, err = e.jobReportJSON(report.KeyCodeCoverage); err != nil {
		return err
	}
	if err := e.archive.SaveJob(ctx, rec); err != nil {
		return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
	}
	return nil
}

func (e *Engine) jobReportJSON(key string) (json.RawMessage, error) {
	v, ok := e.report.GetJobReport(key)
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return data, nil
}

// BeforeEach makes t the current test.
func (e *Engine) BeforeEach(t *report.Test) {
	e.report.EnterTest(t)
	logging.EngineDebug("test started: %s", t.Title)
}

// AfterEach tears the current test down. Failed tests get a screencast GIF
// (or a captioned screenshot when no frames were captured) and their log
// file; required failures mark the rest of the suite pending.
func (e *Engine) AfterEach(ctx context.Context) error {
	t := e.report.Test()
	if t == nil {
		return nil
	}
	defer e.report.ExitTest()
	if t.Pending {
		e.report.StopTestCapturers()
		return nil
	}

	e.stopScreencast(ctx)
	e.report.StopTestCapturers()

	e.mu.Lock()
	e.testsRun++
	if t.Failed {
		e.testsFailed++
	}
	e.mu.Unlock()

	if !t.Failed {
		return nil
	}

	report.CascadeRequiredFailure(t)

	var errs []error
	base := e.report.JobFileName(t.Title)
	if base == "" {
		return nil
	}

	if buf := e.report.Frames(); buf != nil && buf.Len() > 0 {
		if e.page != nil {
			if shot, err := e.page.Screenshot(ctx); err == nil {
				buf.Append(screencast.Frame{Buffer: shot, Message: t.Title, Delay: e.opt.LastFrameDelay})
			} else {
				logging.EngineWarn("last frame for %q: %v", t.Title, err)
			}
		}
		name, err := e.saveGIF(base, buf.Drain())
		if err != nil {
			errs = append(errs, err)
		} else {
			e.report.SetTestReport(TestKeyScreencast, name)
		}
	} else if e.page != nil {
		job := e.report.Job()
		caption := fmt.Sprintf("job-%s, %s: %s", job.ID, job.Title, t.Title)
		name, err := e.saveScreenshot(ctx, base, caption)
		if err != nil {
			errs = append(errs, err)
		} else {
			e.report.SetTestReport(TestKeyScreenshot, name)
		}
	}

	name, err := e.report.SaveTestLog(base)
	if err != nil {
		errs = append(errs, err)
	} else if name != "" {
		e.report.SetTestReport(TestKeyLog, name)
	}

	for _, err := range errs {
		logging.Get(logging.CategoryEngine).Error("artifact for %q: %v", t.Title, err)
	}
	return errors.Join(errs...)
}
