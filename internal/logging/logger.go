// Package logging provides categorized logging for testscope on top of zap.
// Until Initialize or SetBase is called every logger is a no-op, so library
// code can log freely without forcing output on embedders.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config resolution
	CategoryEngine     Category = "engine"     // Event loop, lifecycle hooks
	CategoryCapture    Category = "capture"    // Request capturers, registry, fallback
	CategoryCoverage   Category = "coverage"   // JS/CSS coverage analysis
	CategoryScreencast Category = "screencast" // Frames, GIF and screenshot output
	CategoryReport     Category = "report"     // Job/test report accumulation
	CategoryBrowser    Category = "browser"    // CDP session, event translation
	CategoryStore      Category = "store"      // Job archive
)

// Options mirrors config.LoggingConfig to avoid circular imports.
type Options struct {
	Level      string
	DebugMode  bool
	Categories map[string]bool
	// LogsDir receives testscope.log as JSON lines when DebugMode is set.
	LogsDir string
}

// Logger is a category-scoped sugared zap logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	opts    Options
	loggers = make(map[Category]*Logger)
	logFile *os.File
)

// Initialize builds the process logger: a console core at the configured
// level and, in debug mode, a JSON file core that records everything.
func Initialize(o Options) error {
	level := parseLevel(o.Level)
	if o.DebugMode {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	var file *os.File
	if o.DebugMode && o.LogsDir != "" {
		if err := os.MkdirAll(o.LogsDir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		path := filepath.Join(o.LogsDir, "testscope.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		))
	}

	mu.Lock()
	opts = o
	mu.Unlock()
	setBase(zap.New(zapcore.NewTee(cores...)), file)

	boot := Get(CategoryBoot)
	boot.Debug("logging initialized (level=%s debug_mode=%v)", level, o.DebugMode)
	if file != nil {
		boot.Debug("log file: %s", file.Name())
	}
	return nil
}

// SetBase replaces the underlying zap logger. Tests pass zaptest.NewLogger(t).
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	setBase(l, nil)
}

func setBase(l *zap.Logger, file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = base.Sync()
		logFile.Close()
	}
	base = l
	logFile = file
	loggers = make(map[Category]*Logger)
}

// Base returns the underlying zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled reports whether a category is enabled. Categories are on
// unless explicitly set to false.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: base.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.Desugar().With(fields...).Sugar()}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// CloseAll flushes the logger and closes the debug log file (call at shutdown)
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})          { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{})     { Get(CategoryBoot).Debug(format, args...) }
func Engine(format string, args ...interface{})        { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...interface{})   { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...interface{})    { Get(CategoryEngine).Warn(format, args...) }
func CaptureDebug(format string, args ...interface{})  { Get(CategoryCapture).Debug(format, args...) }
func CaptureWarn(format string, args ...interface{})   { Get(CategoryCapture).Warn(format, args...) }
func CaptureError(format string, args ...interface{})  { Get(CategoryCapture).Error(format, args...) }
func Coverage(format string, args ...interface{})      { Get(CategoryCoverage).Info(format, args...) }
func CoverageDebug(format string, args ...interface{}) { Get(CategoryCoverage).Debug(format, args...) }
func ScreencastDebug(format string, args ...interface{}) {
	Get(CategoryScreencast).Debug(format, args...)
}
func ScreencastError(format string, args ...interface{}) {
	Get(CategoryScreencast).Error(format, args...)
}
func ReportDebug(format string, args ...interface{})  { Get(CategoryReport).Debug(format, args...) }
func ReportError(format string, args ...interface{})  { Get(CategoryReport).Error(format, args...) }
func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }
func StoreDebug(format string, args ...interface{})   { Get(CategoryStore).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
