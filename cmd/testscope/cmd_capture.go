package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"testscope/internal/browser"
	"testscope/internal/capture"
	"testscope/internal/config"
	"testscope/internal/coverage"
	"testscope/internal/engine"
	"testscope/internal/logging"
	"testscope/internal/match"
	"testscope/internal/report"
	"testscope/internal/store"
	"testscope/internal/ui"
)

var (
	captureReportMatch []string
	captureCoverage    []string
	captureScreencast  bool
	captureWait        time.Duration
	captureSort        string
)

var captureCmd = &cobra.Command{
	Use:   "capture [url]",
	Short: "Load a page once and record its telemetry",
	Long: `Opens url in a fresh browser page as a one-test job and records:
  - every request matching --report-match into the job request report
  - a JSON diagnostic for each failed XHR
  - JS/CSS coverage for each --coverage target (type:match)
  - a GIF (with --screencast) or a screenshot when the page fails

Examples:
  testscope capture https://example.com --report-match api
  testscope capture https://example.com --coverage js:app --coverage css:main`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringSliceVar(&captureReportMatch, "report-match", nil, "URL substring for the request report (repeatable)")
	captureCmd.Flags().StringArrayVar(&captureCoverage, "coverage", nil, "Coverage target as type:match, e.g. js:app (repeatable)")
	captureCmd.Flags().BoolVar(&captureScreencast, "screencast", false, "Record a screencast of the run (default from config)")
	captureCmd.Flags().DurationVar(&captureWait, "wait", 0, "Page load timeout (default from config)")
	captureCmd.Flags().StringVar(&captureSort, "sort", "", "Sort the request report by duration, start_time, end_time or status")
}

// parseCoverageTargets turns type:match flags into targets. A bare match
// means js.
func parseCoverageTargets(flags []string) ([]coverage.Target, error) {
	targets := make([]coverage.Target, 0, len(flags))
	for _, f := range flags {
		typ, expr, ok := strings.Cut(f, ":")
		if !ok {
			typ, expr = coverage.TypeJS, f
		}
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ != coverage.TypeJS && typ != coverage.TypeCSS {
			return nil, fmt.Errorf("invalid coverage type %q in %q (valid: js, css)", typ, f)
		}
		if expr == "" {
			return nil, fmt.Errorf("empty coverage match in %q", f)
		}
		targets = append(targets, coverage.Target{Type: typ, Match: match.Literal(expr)})
	}
	return targets, nil
}

func configTargets(c *config.Config) []coverage.Target {
	if !c.Coverage.Enabled {
		return nil
	}
	targets := make([]coverage.Target, 0, len(c.Coverage.Targets))
	for _, t := range c.Coverage.Targets {
		targets = append(targets, coverage.Target{Type: t.Type, Match: t.Match.Spec})
	}
	return targets
}

// reportSpec picks the request report match: flags first, then config.
// ok is false when no report should run.
func reportSpec(flags []string, c *config.Config) (match.Spec, bool) {
	if len(flags) > 0 {
		spec := match.AnyOf{}
		for _, f := range flags {
			spec = append(spec, match.Literal(f))
		}
		return spec, true
	}
	if !c.RequestReport.Enabled {
		return nil, false
	}
	return c.RequestReport.Match.Spec, true
}

func runCapture(cmd *cobra.Command, args []string) error {
	url := args[0]
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logging.Boot("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	targets, err := parseCoverageTargets(captureCoverage)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = configTargets(cfg)
	}
	sortField := captureSort
	if sortField == "" {
		sortField = cfg.RequestReport.SortField
	}

	b, err := browser.Launch(ctx, browser.Options{
		Headless:       cfg.Browser.Headless,
		BinPath:        cfg.Browser.BinPath,
		ControlURL:     cfg.Browser.ControlURL,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	session, err := b.NewSession(ctx)
	if err != nil {
		return err
	}

	var archive engine.Archive
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.StorePath())
		if err != nil {
			return err
		}
		defer st.Close()
		archive = st
	}

	styles := ui.DefaultStyles()
	eng := engine.New(ctx, session, archive, engine.Options{
		OutputDir:       cfg.OutputDir,
		TracingHeader:   cfg.TracingHeader,
		ArtifactWorkers: cfg.ArtifactWorkers,
		PageLoadTimeout: cfg.GetPageLoadTimeout(),
		FrameDelay:      cfg.GetFrameDelay(),
		LastFrameDelay:  cfg.GetLastFrameDelay(),
		Out:             cmd.OutOrStdout(),
		Styles:          styles,
	})

	var g errgroup.Group
	g.Go(func() error { return eng.Run(ctx, session.Events()) })

	job := report.NewJob("", "capture "+url)
	screencastOn := cfg.Screencast.Enabled
	if cmd.Flags().Changed("screencast") {
		screencastOn = captureScreencast
	}
	summary, runErr := captureJob(ctx, eng, session, job, url, targets, sortField, screencastOn)

	if err := session.Close(); err != nil {
		logging.BrowserWarn("close session: %v", err)
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logging.EngineWarn("event loop: %v", err)
	}
	if runErr != nil {
		return runErr
	}

	printSummary(cmd.OutOrStdout(), styles, summary)
	return nil
}

type captureSummary struct {
	JobID     string
	OutputDir string
	Requests  int
	Failed    []string
	LoadErr   error
	Elapsed   time.Duration
}

func captureJob(ctx context.Context, eng *engine.Engine, session *browser.Session, job *report.Job, url string, targets []coverage.Target, sortField string, screencastOn bool) (captureSummary, error) {
	start := time.Now()
	summary := captureSummary{JobID: job.ID, OutputDir: cfg.OutputDir}

	eng.OnJobStart(job)
	if spec, ok := reportSpec(captureReportMatch, cfg); ok {
		if _, err := eng.StartRequestReport(spec); err != nil {
			return summary, err
		}
	}
	if len(targets) > 0 {
		if err := eng.StartCoverage(ctx); err != nil {
			return summary, err
		}
	}

	suite := report.NewSuite(url, nil)
	test := report.NewTest("load "+url, suite)
	eng.BeforeEach(test)
	if screencastOn {
		if err := eng.StartScreencast(ctx, cfg.Screencast.MaxFrame); err != nil {
			logging.ScreencastError("%v", err)
		}
	}

	tracker, err := eng.CreateRequestCapturer(capture.Options{Match: match.Any{}})
	if err != nil {
		return summary, err
	}

	summary.LoadErr = loadPage(ctx, eng, session, url)

	summary.Requests = tracker.RequestCount()
	summary.Failed = eng.Report().FailedRequestIDs()
	test.Failed = summary.LoadErr != nil || len(summary.Failed) > 0

	if len(targets) > 0 {
		if _, err := eng.GenerateCodeCoverage(ctx, targets); err != nil {
			logging.Get(logging.CategoryCoverage).Error("code coverage: %v", err)
		}
	}
	if _, err := eng.GenerateRequestReport(sortField); err != nil {
		logging.Get(logging.CategoryReport).Error("request report: %v", err)
	}

	if err := eng.AfterEach(ctx); err != nil {
		logging.EngineWarn("test teardown: %v", err)
	}
	if err := eng.OnJobFinish(ctx); err != nil {
		return summary, err
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// loadPage navigates and waits for the load event, then for any frame
// loads still in flight.
func loadPage(ctx context.Context, eng *engine.Engine, session *browser.Session, url string) error {
	if err := session.Navigate(ctx, url); err != nil {
		return err
	}
	waitCtx := ctx
	if captureWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, captureWait)
		defer cancel()
	}
	if err := session.WaitLoad(waitCtx); err != nil {
		return err
	}
	return eng.WaitForPageLoaded(ctx, captureWait)
}

func printSummary(w io.Writer, styles ui.Styles, s captureSummary) {
	status := styles.Ok.Render("PASS")
	if s.LoadErr != nil || len(s.Failed) > 0 {
		status = styles.Error.Render("FAIL")
	}
	fmt.Fprintf(w, "%s job %s in %s\n", status, styles.Bold.Render(s.JobID), s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  requests: %s, failed: %d\n", humanize.Comma(int64(s.Requests)), len(s.Failed))
	if s.LoadErr != nil {
		fmt.Fprintf(w, "  %s\n", styles.Warn.Render(s.LoadErr.Error()))
	}
	fmt.Fprintf(w, "  artifacts: %s\n", styles.Muted.Render(s.OutputDir))
}
