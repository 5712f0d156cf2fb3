package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscope/internal/capture"
	"testscope/internal/coverage"
	"testscope/internal/event"
	"testscope/internal/match"
	"testscope/internal/report"
	"testscope/internal/store"
	"testscope/internal/ui"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePage struct {
	mu          sync.Mutex
	png         []byte
	bodies      map[string]string
	resources   []event.CoverageResource
	screencasts int
	stops       int
	offline     bool
	coverageOn  bool
	bodyDelay   time.Duration
}

func newFakePage(t *testing.T) *fakePage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &fakePage{png: buf.Bytes(), bodies: map[string]string{}}
}

func (p *fakePage) ResponseBody(_ context.Context, id string) ([]byte, error) {
	p.mu.Lock()
	delay := p.bodyDelay
	p.mu.Unlock()
	time.Sleep(delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.bodies[id]
	if !ok {
		return nil, errors.New("no body")
	}
	return []byte(body), nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return p.png, nil }

func (p *fakePage) StartScreencast(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screencasts++
	return nil
}

func (p *fakePage) StopScreencast(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePage) StartCoverage(context.Context) error {
	p.coverageOn = true
	return nil
}

func (p *fakePage) TakeCoverage(context.Context) ([]event.CoverageResource, error) {
	p.coverageOn = false
	return p.resources, nil
}

func (p *fakePage) SetOffline(_ context.Context, offline bool) error {
	p.offline = offline
	return nil
}

type harness struct {
	dir    string
	page   *fakePage
	store  *store.Store
	engine *Engine
	out    *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	page := newFakePage(t)
	out := &bytes.Buffer{}
	clock := t0
	e := New(context.Background(), page, s, Options{
		OutputDir: dir,
		Out:       out,
		Styles:    ui.PlainStyles(),
		Now: func() time.Time {
			clock = clock.Add(10 * time.Millisecond)
			return clock
		},
	})
	return &harness{dir: dir, page: page, store: s, engine: e, out: out}
}

func request(kind event.RequestKind, id, url, resourceType string, at time.Time) event.RequestEvent {
	return event.RequestEvent{
		Kind: kind,
		Time: at,
		Request: &event.Request{
			ID: id, URL: url, Method: "GET", ResourceType: resourceType,
		},
	}
}

func finishedWith(id, url string, status int, at time.Time) event.RequestEvent {
	ev := request(event.Finished, id, url, "xhr", at)
	ev.Request.Response = &event.Response{
		Status:     status,
		StatusText: "Server Error",
		Headers:    map[string]string{"Content-Type": "application/json"},
		MIMEType:   "application/json",
	}
	return ev
}

func TestRequestReportIsArchived(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()
	h.page.bodies["r2"] = `{"error":"boom","_meta":{"trace":1}}`
	h.page.bodyDelay = 50 * time.Millisecond

	e.OnJobStart(report.NewJob("J1", "checkout"))
	_, err := e.StartRequestReport(match.Literal("api"))
	require.NoError(t, err)

	events := make(chan event.Event)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, events) }()

	events <- request(event.Issued, "r1", "https://x/api/cart", "xhr", t0)
	events <- finishedWith("r1", "https://x/api/cart", 200, t0.Add(120*time.Millisecond))
	events <- request(event.Issued, "r2", "https://x/api/pay", "xhr", t0.Add(10*time.Millisecond))
	events <- finishedWith("r2", "https://x/api/pay", 500, t0.Add(40*time.Millisecond))
	events <- request(event.Issued, "r3", "https://x/logo.png", "image", t0)
	close(events)
	require.NoError(t, <-done)

	list, err := e.GenerateRequestReport("duration")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].RequestID, "sorted by duration")
	assert.Equal(t, "finished", list[0].RequestType)
	assert.True(t, list[0].IsFailed)
	assert.Equal(t, "job-J1-request-r2.json", list[0].Log, "report waits for the artifact")

	require.NoError(t, e.OnJobFinish(ctx))
	assert.Nil(t, e.Report().Job())

	_, err = os.Stat(filepath.Join(h.dir, "job-J1-request-r2.json"))
	assert.NoError(t, err, "failed xhr leaves an artifact")

	raw, err := h.store.LoadRequestList(ctx, "J1")
	require.NoError(t, err)
	var archived []map[string]any
	require.NoError(t, json.Unmarshal(raw, &archived))
	require.Len(t, archived, 2)
	assert.Equal(t, "r2", archived[0]["requestId"])
	assert.Equal(t, "job-J1-request-r2.json", archived[0]["log"])

	jobs, err := h.store.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "checkout", jobs[0].Title)
}

func TestOnJobFinishGeneratesPendingReport(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J2", "search"))
	_, err := e.StartRequestReport(match.Any{})
	require.NoError(t, err)
	e.Handle(request(event.Issued, "a", "https://x/search", "fetch", t0))
	e.Handle(finishedWith("a", "https://x/search", 200, t0.Add(time.Second)))

	require.NoError(t, e.OnJobFinish(ctx))

	raw, err := h.store.LoadRequestList(ctx, "J2")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"requestId":"a"`)
}

func TestEmptyRequestReportIsNotStored(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J9", "idle"))
	_, err := e.StartRequestReport(match.Literal("api"))
	require.NoError(t, err)
	e.Handle(request(event.Issued, "a", "https://x/logo.png", "image", t0))

	list, err := e.GenerateRequestReport("")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, ok := e.Report().GetJobReport(report.KeyRequestList)
	assert.False(t, ok)

	require.NoError(t, e.OnJobFinish(ctx))
	raw, err := h.store.LoadRequestList(ctx, "J9")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestOnJobFinishWithoutJob(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.OnJobFinish(context.Background()), ErrNoActiveJob)
}

func TestFailedTestWithFramesSavesGIF(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J3", "cart"))
	test := report.NewTest("adds an item", nil)
	e.BeforeEach(test)
	require.NoError(t, e.StartScreencast(ctx, 3))

	for i := 0; i < 5; i++ {
		e.Handle(event.FrameEvent{Data: h.page.png, Time: t0})
	}
	assert.Equal(t, 3, e.Report().Frames().Len())

	e.Handle(event.ConsoleEvent{Level: "error", Text: "TypeError: x is undefined", Location: "app.js:10"})
	e.Handle(event.ConsoleEvent{Level: "info", Text: "ignored"})

	test.Failed = true
	require.NoError(t, e.AfterEach(ctx))

	assert.Equal(t, 1, h.page.stops)
	assert.Nil(t, e.Report().Test())

	_, err := os.Stat(filepath.Join(h.dir, "job-J3-1-adds-an-item.gif"))
	assert.NoError(t, err)

	logData, err := os.ReadFile(filepath.Join(h.dir, "job-J3-1-adds-an-item.log"))
	require.NoError(t, err)
	assert.Equal(t, "[console.error] TypeError: x is undefined (app.js:10)", string(logData))
}

func TestFailedTestWithoutFramesSavesScreenshot(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J4", "login"))
	test := report.NewTest("rejects bad password", nil)
	e.BeforeEach(test)
	test.Failed = true
	require.NoError(t, e.AfterEach(ctx))

	data, err := os.ReadFile(filepath.Join(h.dir, "job-J4-1-rejects-bad-password.png"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
}

func TestPassingTestLeavesNoArtifacts(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J5", "home"))
	e.BeforeEach(report.NewTest("renders", nil))
	c, err := e.CreateRequestCapturer(capture.Options{Match: match.Literal("api")})
	require.NoError(t, err)
	e.Handle(event.ConsoleEvent{Level: "error", Text: "noise"})
	require.NoError(t, e.AfterEach(ctx))

	assert.True(t, c.Stopped(), "test capturers are torn down")
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRequiredFailureCascades(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	suite := report.NewSuite("checkout", nil)
	first := report.NewTest("logs in *", suite)
	second := report.NewTest("pays", suite)
	child := report.NewSuite("refunds", suite)

	e.OnJobStart(report.NewJob("J6", "cascade"))
	e.BeforeEach(first)
	first.Failed = true
	require.NoError(t, e.AfterEach(ctx))

	assert.True(t, second.Pending)
	assert.True(t, second.Failed)
	assert.True(t, child.Pending)

	e.BeforeEach(second)
	require.NoError(t, e.AfterEach(ctx))
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the required test's screenshot")
}

func TestGenerateCodeCoverage(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	ctx := context.Background()

	e.OnJobStart(report.NewJob("J7", "coverage"))
	require.NoError(t, e.StartCoverage(ctx))
	h.page.resources = []event.CoverageResource{{
		URL: "https://cdn/app.js", Type: "js", Text: strings.Repeat("x", 100),
		Ranges: []event.Range{{Start: 0, End: 50}},
	}}
	e.Handle(event.CoverageEvent{Resources: []event.CoverageResource{{
		URL: "https://cdn/site.css", Type: "css", Text: "a{color:red}", Ranges: nil,
	}}})

	entries, err := e.GenerateCodeCoverage(ctx, []coverage.Target{
		{Type: "js", Match: match.Literal("app")},
		{Type: "css", Match: match.Literal("site")},
		{Type: "js", Match: match.Literal("vendor")},
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 49, entries[0].UsedBytes)
	assert.InDelta(t, 0.49, entries[0].Coverage, 1e-9)
	assert.Equal(t, 0, entries[1].UsedBytes)
	assert.Equal(t, "Not found match: vendor", entries[2].Name)
	assert.False(t, h.page.coverageOn)

	v, ok := e.Report().GetJobReport(report.KeyCodeCoverage)
	require.True(t, ok)
	assert.Len(t, v, 3)
	assert.Contains(t, h.out.String(), "app.js")

	_, err = os.Stat(filepath.Join(h.dir, "job-J7-coverage-1-app.js.html"))
	assert.NoError(t, err)
}

func TestGenerateCodeCoverageNeedsJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.GenerateCodeCoverage(context.Background(), []coverage.Target{{Type: "js", Match: match.Any{}}})
	assert.ErrorIs(t, err, ErrNoActiveJob)
}

func TestWaitForPageLoaded(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	require.NoError(t, e.WaitForPageLoaded(context.Background(), 50*time.Millisecond))

	e.Handle(event.LoadingEvent{FrameID: "main", Started: true})
	err := e.WaitForPageLoaded(context.Background(), 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPageLoadTimeout)
	assert.Contains(t, err.Error(), "150ms timeout to wait for page loading")

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.Handle(event.LoadingEvent{FrameID: "main", Started: false})
	}()
	require.NoError(t, e.WaitForPageLoaded(context.Background(), 2*time.Second))

	e.Handle(event.LoadingEvent{FrameID: "main", Started: false})
	assert.Equal(t, int64(0), e.Loading(), "counter never goes negative")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, make(chan event.Event)) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRequestMatchEditing(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	e.OnJobStart(report.NewJob("J8", "edit"))
	c, err := e.StartRequestReport(match.Literal("api"))
	require.NoError(t, err)

	e.AddRequestMatch(match.Literal("cdn"))
	assert.True(t, match.Equal(match.AnyOf{match.Literal("api"), match.Literal("cdn")}, c.Match()))

	e.RemoveRequestMatch(match.Literal("api"))
	assert.True(t, match.Equal(match.AnyOf{match.Literal("cdn")}, c.Match()))

	require.NoError(t, e.SetOffline(context.Background(), true))
	assert.True(t, h.page.offline)
	require.NoError(t, e.OnJobFinish(context.Background()))
}

func TestEngineWithoutPage(t *testing.T) {
	e := New(context.Background(), nil, nil, Options{OutputDir: t.TempDir(), Out: io.Discard})
	e.OnJobStart(report.NewJob("J9", "headless"))
	test := report.NewTest("no page", nil)
	e.BeforeEach(test)
	require.NoError(t, e.StartScreencast(context.Background(), 0))
	test.Failed = true
	require.NoError(t, e.AfterEach(context.Background()))
	require.NoError(t, e.OnJobFinish(context.Background()))
	assert.Error(t, e.SetOffline(context.Background(), true))
}
