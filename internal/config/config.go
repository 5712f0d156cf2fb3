package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "testscope.yaml"

// Config holds all testscope configuration.
type Config struct {
	// Artifacts (request logs, coverage pages, GIFs, screenshots) go here.
	OutputDir string `yaml:"output_dir"`

	// Header copied onto request records for cross-system tracing.
	TracingHeader string `yaml:"tracing_header"`

	PageLoadTimeout string `yaml:"page_load_timeout"`

	// Concurrent failure-artifact writes.
	ArtifactWorkers int `yaml:"artifact_workers"`

	Screencast    ScreencastConfig    `yaml:"screencast"`
	Browser       BrowserConfig       `yaml:"browser"`
	RequestReport RequestReportConfig `yaml:"request_report"`
	Coverage      CoverageConfig      `yaml:"coverage"`
	Store         StoreConfig         `yaml:"store"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ScreencastConfig configures frame capture for failed tests.
type ScreencastConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MaxFrame       int    `yaml:"max_frame"`
	FrameDelay     string `yaml:"frame_delay"`
	LastFrameDelay string `yaml:"last_frame_delay"`
}

// BrowserConfig configures the controlled browser.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless"`
	BinPath        string `yaml:"bin_path"`
	ControlURL     string `yaml:"control_url"` // attach to a running browser instead of launching
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// RequestReportConfig configures the job-level request report.
type RequestReportConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Match     MatchSpec `yaml:"match"`
	SortField string    `yaml:"sort_field"`
}

// CoverageConfig configures code coverage collection.
type CoverageConfig struct {
	Enabled bool             `yaml:"enabled"`
	Targets []CoverageTarget `yaml:"targets"`
}

// CoverageTarget selects resources for one coverage entry group.
type CoverageTarget struct {
	Type  string    `yaml:"type"` // js, css
	Match MatchSpec `yaml:"match"`
}

// StoreConfig configures the job archive.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to <output_dir>/testscope.db
}

// SortFields lists accepted request report sort fields.
var SortFields = []string{"duration", "start_time", "end_time", "status"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:       ".testscope",
		TracingHeader:   "x-api-requestid",
		PageLoadTimeout: "120s",
		ArtifactWorkers: 4,

		Screencast: ScreencastConfig{
			Enabled:        true,
			MaxFrame:       15,
			FrameDelay:     "500ms",
			LastFrameDelay: "5s",
		},

		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1260,
			ViewportHeight: 900,
		},

		RequestReport: RequestReportConfig{
			Enabled: true,
		},

		Store: StoreConfig{
			Enabled: true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("TESTSCOPE_OUTPUT_DIR"); dir != "" {
		c.OutputDir = dir
	}
	if h := os.Getenv("TESTSCOPE_TRACING_HEADER"); h != "" {
		c.TracingHeader = h
	}
	if u := os.Getenv("TESTSCOPE_CONTROL_URL"); u != "" {
		c.Browser.ControlURL = u
	}
	if v := os.Getenv("TESTSCOPE_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("TESTSCOPE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPageLoadTimeout returns the page load wait bound.
func (c *Config) GetPageLoadTimeout() time.Duration {
	return parseDuration(c.PageLoadTimeout, 120*time.Second)
}

// GetFrameDelay returns the default GIF frame delay.
func (c *Config) GetFrameDelay() time.Duration {
	return parseDuration(c.Screencast.FrameDelay, 500*time.Millisecond)
}

// GetLastFrameDelay returns the delay of the closing caption frame.
func (c *Config) GetLastFrameDelay() time.Duration {
	return parseDuration(c.Screencast.LastFrameDelay, 5*time.Second)
}

// StorePath returns the archive database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.OutputDir, "testscope.db")
}

// LogsDir returns where debug logs are written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.OutputDir, "logs")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must be set")
	}
	if c.TracingHeader == "" {
		return fmt.Errorf("tracing_header must be set")
	}
	if c.Screencast.MaxFrame < 0 {
		return fmt.Errorf("screencast.max_frame must not be negative: %d", c.Screencast.MaxFrame)
	}
	if f := c.RequestReport.SortField; f != "" {
		valid := false
		for _, s := range SortFields {
			if f == s {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid request_report.sort_field: %s (valid: %v)", f, SortFields)
		}
	}
	for i, t := range c.Coverage.Targets {
		if t.Type != "js" && t.Type != "css" {
			return fmt.Errorf("coverage.targets[%d]: invalid type %q (valid: js, css)", i, t.Type)
		}
		if t.Match.Spec == nil {
			return fmt.Errorf("coverage.targets[%d]: match is required", i)
		}
	}
	return nil
}
