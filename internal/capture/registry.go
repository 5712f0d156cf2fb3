package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"testscope/internal/event"
	"testscope/internal/logging"
)

// ErrDuplicateCapturer is returned when registering an id twice.
var ErrDuplicateCapturer = errors.New("capture: duplicate capturer id")

// Registry owns the live capturers. Dispatch works on a snapshot so that
// capturers created or stopped by callbacks do not affect the event being
// delivered.
type Registry struct {
	env *Env

	mu       sync.Mutex
	order    []*Capturer
	byID     map[string]*Capturer
	claimed  map[string]struct{}
	fallback *Fallback
}

// NewRegistry creates a registry and its fallback capturer.
func NewRegistry(env *Env) *Registry {
	if env == nil {
		env = &Env{}
	}
	if env.TracingHeader == "" {
		env.TracingHeader = DefaultTracingHeader
	}
	return &Registry{
		env:      env,
		byID:     make(map[string]*Capturer),
		claimed:  make(map[string]struct{}),
		fallback: newFallback(env),
	}
}

// Env returns the shared capturer environment.
func (r *Registry) Env() *Env { return r.env }

// Create builds, registers and, unless opt.Report is set, attaches a
// capturer to the running test.
func (r *Registry) Create(opt Options) (*Capturer, error) {
	c := newCapturer(opt, r.env, r)
	if err := r.Register(c); err != nil {
		return nil, err
	}
	if !opt.Report && r.env.Report != nil {
		if !r.env.Report.AttachCapturer(c) {
			logging.CaptureDebug("%s created outside a test; stop it explicitly", c.id)
		}
	}
	logging.CaptureDebug("%s created (match=%s report=%v)", c.id, c.opt.Match, opt.Report)
	return c, nil
}

// Register adds a capturer.
func (r *Registry) Register(c *Capturer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapturer, c.id)
	}
	r.byID[c.id] = c
	r.order = append(r.order, c)
	return nil
}

// Unregister removes a capturer by id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, c := range r.order {
		if c.id == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a live capturer by id.
func (r *Registry) Get(id string) (*Capturer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// Len returns the number of live capturers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Dispatch delivers ev to every live capturer and then to the fallback
// unless a non-report capturer claimed the request. It never panics.
func (r *Registry) Dispatch(ev event.RequestEvent) {
	if ev.Request == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	r.mu.Lock()
	snapshot := append([]*Capturer(nil), r.order...)
	r.mu.Unlock()

	claimed := false
	for _, c := range snapshot {
		if r.deliver(c, ev) {
			claimed = true
		}
	}

	id := ev.Request.ID
	r.mu.Lock()
	if claimed {
		r.claimed[id] = struct{}{}
	}
	_, wasClaimed := r.claimed[id]
	r.mu.Unlock()

	if !wasClaimed {
		r.deliverFallback(ev)
	}
}

func (r *Registry) now() time.Time {
	if r.env.Now != nil {
		return r.env.Now()
	}
	return time.Now()
}

func (r *Registry) deliver(c *Capturer, ev event.RequestEvent) (claimed bool) {
	defer func() {
		if p := recover(); p != nil {
			logging.CaptureError("%s: %s handler panicked: %v", c.id, ev.Kind, p)
			claimed = false
		}
	}()
	return c.handle(ev)
}

func (r *Registry) deliverFallback(ev event.RequestEvent) {
	defer func() {
		if p := recover(); p != nil {
			logging.CaptureError("%s: %s handler panicked: %v", FallbackID, ev.Kind, p)
		}
	}()
	r.fallback.observe(ev)
}

// ClearClaims forgets which requests were claimed and which unclaimed
// requests are still in flight. Call it between jobs.
func (r *Registry) ClearClaims() {
	r.mu.Lock()
	r.claimed = make(map[string]struct{})
	r.mu.Unlock()
	r.fallback.reset()
}

// Fallback returns the implicit fallback capturer.
func (r *Registry) Fallback() *Fallback { return r.fallback }

// StopAll stops every live capturer.
func (r *Registry) StopAll() {
	r.mu.Lock()
	snapshot := append([]*Capturer(nil), r.order...)
	r.mu.Unlock()
	for _, c := range snapshot {
		c.Stop()
	}
}
