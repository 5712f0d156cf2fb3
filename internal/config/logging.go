package config

import "testscope/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"` // adds a JSON debug log under <output_dir>/logs
	Categories map[string]bool `yaml:"categories"` // per-category toggles, all on by default
}

// IsCategoryEnabled returns whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// LoggingOptions converts the logging section for logging.Initialize.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		DebugMode:  c.Logging.DebugMode,
		Categories: c.Logging.Categories,
		LogsDir:    c.LogsDir(),
	}
}
