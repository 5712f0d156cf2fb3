package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func reset(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		CloseAll()
		mu.Lock()
		opts = Options{}
		mu.Unlock()
		SetBase(nil)
	})
}

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	reset(t)
	l := Get(CategoryCapture)
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Info("nothing %d", 1)
		CaptureWarn("still nothing")
	})
}

func TestSetBaseRoutesCategories(t *testing.T) {
	reset(t)
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))

	Get(CategoryCoverage).Info("covered %d%%", 49)
	BrowserWarn("frame %s detached", "main")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "coverage", entries[0].LoggerName)
	assert.Equal(t, "covered 49%", entries[0].Message)
	assert.Equal(t, "browser", entries[1].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestDisabledCategory(t *testing.T) {
	reset(t)
	core, logs := observer.New(zapcore.DebugLevel)
	mu.Lock()
	opts = Options{Categories: map[string]bool{"store": false}}
	mu.Unlock()
	SetBase(zap.New(core))

	assert.False(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryCapture))
	StoreDebug("hidden")
	CaptureDebug("shown")
	require.Len(t, logs.All(), 1)
	assert.Equal(t, "shown", logs.All()[0].Message)
}

func TestInitializeDebugModeWritesFile(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Level: "error", DebugMode: true, LogsDir: dir}))
	assert.True(t, IsDebugMode())

	ReportDebug("job %s entered", "j1")
	CloseAll()

	data, err := os.ReadFile(filepath.Join(dir, "testscope.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "job j1 entered"))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, parseLevel(in))
		})
	}
}

func TestTimerThreshold(t *testing.T) {
	reset(t)
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))

	timer := StartTimer(CategoryEngine, "slow op")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThreshold(time.Nanosecond)

	require.Len(t, logs.All(), 1)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}
