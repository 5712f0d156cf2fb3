// Package browser drives Chrome through go-rod and translates DevTools
// protocol events into the engine's event stream.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"testscope/internal/logging"
)

// Options configures how the browser is launched or attached.
type Options struct {
	Headless bool
	BinPath  string
	// ControlURL attaches to an already running browser instead of
	// launching one.
	ControlURL     string
	ViewportWidth  int
	ViewportHeight int
}

// GetViewportWidth returns viewport width.
func (o Options) GetViewportWidth() int {
	if o.ViewportWidth == 0 {
		return 1260
	}
	return o.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (o Options) GetViewportHeight() int {
	if o.ViewportHeight == 0 {
		return 900
	}
	return o.ViewportHeight
}

// Browser owns the Chrome connection.
type Browser struct {
	opt Options

	mu         sync.Mutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
	sessions   []*Session
}

// Launch connects to opt.ControlURL or launches a new Chrome.
func Launch(ctx context.Context, opt Options) (*Browser, error) {
	b := &Browser{opt: opt}

	controlURL := opt.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(opt.Headless)
		if opt.BinPath != "" {
			l = l.Bin(opt.BinPath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	rb := rod.New().ControlURL(controlURL).Context(ctx)
	if err := rb.Connect(); err != nil {
		if b.launcher != nil {
			b.launcher.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = rb
	b.controlURL = controlURL
	logging.Browser("connected to %s", controlURL)
	return b, nil
}

// ControlURL returns the DevTools WebSocket URL.
func (b *Browser) ControlURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.controlURL
}

// NewSession opens a blank page in a fresh incognito context and starts
// streaming its events.
func (b *Browser) NewSession(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	rb := b.browser
	b.mu.Unlock()
	if rb == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := rb.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.opt.GetViewportWidth(),
		Height:            b.opt.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}

	s, err := newSession(ctx, page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

// Close closes every session and the browser, and kills a launched
// process.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.sessions {
		_ = s.Close()
	}
	b.sessions = nil

	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
	b.controlURL = ""
	return err
}
