// Package report holds the active job/test context and the report maps the
// engine writes into.
//
// The context is an explicit object rather than process state: the runner
// integration calls EnterJob/EnterTest before delegating to the engine and
// ExitTest/ExitJob at teardown. Every accessor is a silent no-op when no
// job or test is active.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"testscope/internal/logging"
	"testscope/internal/screencast"
)

// Report map keys.
const (
	KeyCases        = "cases"
	KeyOrderIssues  = "orderIssues"
	KeyRequestList  = "requestList"
	KeyCodeCoverage = "codeCoverage"
)

// Scoped is anything attached to a test that must be torn down at test end.
type Scoped interface {
	Destroy()
}

// Job is one browser session's worth of test execution.
type Job struct {
	ID    string
	Title string

	report    map[string]any
	fileIndex int
}

// NewJob creates a job. An empty id is replaced with a short random one.
func NewJob(id, title string) *Job {
	if id == "" {
		id = uuid.NewString()[:8]
	}
	return &Job{ID: id, Title: title}
}

// Test is one test case running under a Job. Frames, capturers and logs are
// released when the test exits.
type Test struct {
	Title   string
	Pending bool
	Failed  bool
	Parent  *Suite

	frames           *screencast.Buffer
	capturers        []Scoped
	failedRequestIDs []string
	logs             []string
	report           map[string]any
}

// NewTest creates a test and registers it with parent when non-nil.
func NewTest(title string, parent *Suite) *Test {
	t := &Test{Title: title, Parent: parent}
	if parent != nil {
		parent.Tests = append(parent.Tests, t)
	}
	return t
}

// Context tracks the current job and test.
type Context struct {
	mu        sync.RWMutex
	outputDir string
	job       *Job
	test      *Test
}

// NewContext creates a context writing artifacts under outputDir.
func NewContext(outputDir string) *Context {
	return &Context{outputDir: outputDir}
}

// OutputDir returns the artifact directory.
func (c *Context) OutputDir() string {
	return c.outputDir
}

// EnterJob makes job current and resets its report and file index.
func (c *Context) EnterJob(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.report = map[string]any{
		KeyCases:       map[string]any{},
		KeyOrderIssues: []any{},
	}
	job.fileIndex = 0
	c.job = job
	c.test = nil
	logging.ReportDebug("job %s entered: %s", job.ID, job.Title)
}

// ExitJob clears the current job and test.
func (c *Context) ExitJob() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != nil {
		logging.ReportDebug("job %s exited", c.job.ID)
	}
	c.job = nil
	c.test = nil
}

// EnterTest makes t current.
func (c *Context) EnterTest(t *Test) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.test = t
}

// ExitTest releases the current test's transient state and clears it.
func (c *Context) ExitTest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test != nil {
		c.test.frames = nil
		c.test.capturers = nil
		c.test.logs = nil
	}
	c.test = nil
}

// Job returns the current job or nil.
func (c *Context) Job() *Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job
}

// Test returns the current test or nil.
func (c *Context) Test() *Test {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.test
}

// JobID returns the current job id, or "" with no job.
func (c *Context) JobID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.job == nil {
		return ""
	}
	return c.job.ID
}

// SetJobReport stores value under key in the current job's report.
func (c *Context) SetJobReport(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return
	}
	c.job.report[key] = value
}

// GetJobReport returns the value under key in the current job's report.
func (c *Context) GetJobReport(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.job == nil {
		return nil, false
	}
	v, ok := c.job.report[key]
	return v, ok
}

// JobReport returns a shallow copy of the current job's report, or nil.
func (c *Context) JobReport() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.job == nil {
		return nil
	}
	out := make(map[string]any, len(c.job.report))
	for k, v := range c.job.report {
		out[k] = v
	}
	return out
}

// SetTestReport stores value under key in the current test's report.
func (c *Context) SetTestReport(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return
	}
	if c.test.report == nil {
		c.test.report = make(map[string]any)
	}
	c.test.report[key] = value
}

// GetTestReport returns the value under key in the current test's report.
func (c *Context) GetTestReport(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.test == nil {
		return nil, false
	}
	v, ok := c.test.report[key]
	return v, ok
}

// AddTestLog appends a line to the current test's log.
func (c *Context) AddTestLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return
	}
	c.test.logs = append(c.test.logs, line)
}

// TestLogs returns a copy of the current test's log lines.
func (c *Context) TestLogs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.test == nil {
		return nil
	}
	return append([]string(nil), c.test.logs...)
}

// SetFrames installs a frame buffer on the current test. It returns false
// when no test is running.
func (c *Context) SetFrames(b *screencast.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return false
	}
	c.test.frames = b
	return true
}

// Frames returns the current test's frame buffer, or nil.
func (c *Context) Frames() *screencast.Buffer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.test == nil {
		return nil
	}
	return c.test.frames
}

// AddFailedRequestID records a failed request id on the current test once.
func (c *Context) AddFailedRequestID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return
	}
	for _, existing := range c.test.failedRequestIDs {
		if existing == id {
			return
		}
	}
	c.test.failedRequestIDs = append(c.test.failedRequestIDs, id)
}

// FailedRequestIDs returns the current test's failed request ids.
func (c *Context) FailedRequestIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.test == nil {
		return nil
	}
	return append([]string(nil), c.test.failedRequestIDs...)
}

// AttachCapturer scopes s to the current test. It returns false when no
// test is running.
func (c *Context) AttachCapturer(s Scoped) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil {
		return false
	}
	c.test.capturers = append(c.test.capturers, s)
	return true
}

// StopTestCapturers destroys every capturer attached to the current test
// and clears its failed request list.
func (c *Context) StopTestCapturers() {
	c.mu.Lock()
	var list []Scoped
	if c.test != nil {
		list = c.test.capturers
		c.test.capturers = nil
		c.test.failedRequestIDs = nil
	}
	c.mu.Unlock()

	for _, s := range list {
		s.Destroy()
	}
}

var (
	reStripChars = regexp.MustCompile(`[\\/":|*?<>]`)
	reCJK        = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]`)
	reInvalid    = regexp.MustCompile(`[^0-9a-zA-Z-]`)
	reDashes     = regexp.MustCompile(`-+`)
	reANSI       = regexp.MustCompile("\x1b\\[[0-9;]*m")
)

const maxTitleLen = 60

// SanitizeTitle turns a title into a filename fragment.
func SanitizeTitle(title string) string {
	title = strings.ToLower(title)
	title = reStripChars.ReplaceAllString(title, "")
	title = reCJK.ReplaceAllString(title, "")
	title = strings.TrimSpace(title)
	title = reInvalid.ReplaceAllString(title, "-")
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}

// JobFileName returns job-<jobId>-<index>-<title> and advances the job's
// file index. It returns "" with no active job.
func (c *Context) JobFileName(title string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return ""
	}
	c.job.fileIndex++
	name := strings.Join([]string{"job", c.job.ID, fmt.Sprint(c.job.fileIndex), SanitizeTitle(title)}, "-")
	return reDashes.ReplaceAllString(name, "-")
}

// ArtifactPath joins name onto the output directory.
func (c *Context) ArtifactPath(name string) string {
	return filepath.Join(c.outputDir, name)
}

// SaveTestLog writes the current test's log lines to <name>.log and returns
// the file name. An empty name gets a generated job file name. It returns
// "" when there is nothing to write.
func (c *Context) SaveTestLog(name string) (string, error) {
	lines := c.TestLogs()
	if len(lines) == 0 {
		return "", nil
	}
	if name == "" {
		name = c.JobFileName(uuid.NewString()[:8])
	}
	if name == "" {
		return "", nil
	}
	name += ".log"
	text := reANSI.ReplaceAllString(strings.Join(lines, "\r\n\r\n"), "")
	if err := os.MkdirAll(c.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := os.WriteFile(c.ArtifactPath(name), []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to write test log: %w", err)
	}
	logging.ReportDebug("saved log %s", name)
	return name, nil
}
