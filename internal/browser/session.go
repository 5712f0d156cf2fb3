package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"testscope/internal/event"
	"testscope/internal/logging"
)

// eventBuffer bounds how far the engine may lag behind the browser before
// the protocol reader blocks.
const eventBuffer = 1024

// Session is one page whose events are streamed to Events. It implements
// the engine's page command interface.
type Session struct {
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc
	events chan event.Event
	done   chan struct{}

	mu       sync.Mutex
	inflight map[proto.NetworkRequestID]*inflight
	// hop ids issued for redirects, mapped back to the protocol id
	hops   map[string]proto.NetworkRequestID
	sheets map[proto.CSSStyleSheetID]string
	closed bool
}

type inflight struct {
	req  *event.Request
	hops int
}

func newSession(ctx context.Context, page *rod.Page) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		page:     page,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event.Event, eventBuffer),
		done:     make(chan struct{}),
		inflight: make(map[proto.NetworkRequestID]*inflight),
		hops:     make(map[string]proto.NetworkRequestID),
		sheets:   make(map[proto.CSSStyleSheetID]string),
	}

	// Subscribe before enabling domains so initial events are not missed.
	wait := page.Context(ctx).EachEvent(
		s.onRequestWillBeSent,
		s.onResponseReceived,
		s.onLoadingFinished,
		s.onLoadingFailed,
		s.onScreencastFrame,
		s.onFrameStartedLoading,
		s.onFrameStoppedLoading,
		s.onConsoleAPICalled,
		s.onExceptionThrown,
		s.onStyleSheetAdded,
	)
	go func() {
		defer close(s.done)
		defer close(s.events)
		wait()
	}()

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("enable network: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("enable page: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	return s, nil
}

// Events returns the session's event stream. It is closed when the
// session closes.
func (s *Session) Events() <-chan event.Event { return s.events }

// Navigate loads url in the page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// WaitLoad blocks until the document's load event has fired.
func (s *Session) WaitLoad(ctx context.Context) error {
	if err := s.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}
	return nil
}

// Close stops the event stream and closes the page.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return s.page.Close()
}

func (s *Session) emit(ev event.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) onRequestWillBeSent(ev *proto.NetworkRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	now := time.Now()
	var redirected *event.Request

	s.mu.Lock()
	fl, ok := s.inflight[ev.RequestID]
	if ok && ev.RedirectResponse != nil {
		// the protocol reuses the request id for every redirect hop
		redirected = fl.req
		redirected.Response = convertResponse(ev.RedirectResponse)
		fl.hops++
	} else {
		fl = &inflight{}
		s.inflight[ev.RequestID] = fl
	}
	id := string(ev.RequestID)
	if fl.hops > 0 {
		id = fmt.Sprintf("%s-%d", ev.RequestID, fl.hops)
		s.hops[id] = ev.RequestID
	}
	req := &event.Request{
		ID:           id,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: strings.ToLower(string(ev.Type)),
		Headers:      convertHeaders(ev.Request.Headers),
		PostData:     ev.Request.PostData,
		IsNavigation: ev.Type == proto.NetworkResourceTypeDocument && string(ev.LoaderID) == string(ev.RequestID),
	}
	fl.req = req
	s.mu.Unlock()

	if redirected != nil {
		s.emit(event.RequestEvent{Kind: event.Finished, Request: redirected, Time: now})
	}
	s.emit(event.RequestEvent{Kind: event.Issued, Request: cloneRequest(req), Time: now})
}

func (s *Session) onResponseReceived(ev *proto.NetworkResponseReceived) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.inflight[ev.RequestID]; ok && ev.Response != nil {
		fl.req.Response = convertResponse(ev.Response)
	}
}

func (s *Session) onLoadingFinished(ev *proto.NetworkLoadingFinished) {
	req := s.finish(ev.RequestID)
	if req == nil {
		return
	}
	s.emit(event.RequestEvent{Kind: event.Finished, Request: req, Time: time.Now()})
}

func (s *Session) onLoadingFailed(ev *proto.NetworkLoadingFailed) {
	req := s.finish(ev.RequestID)
	if req == nil {
		return
	}
	req.Failure = &event.Failure{ErrorText: ev.ErrorText}
	s.emit(event.RequestEvent{Kind: event.Failed, Request: req, Time: time.Now()})
}

func (s *Session) finish(id proto.NetworkRequestID) *event.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.inflight[id]
	if !ok {
		return nil
	}
	delete(s.inflight, id)
	return fl.req
}

func (s *Session) onScreencastFrame(ev *proto.PageScreencastFrame) {
	go func() {
		if err := (proto.PageScreencastFrameAck{SessionID: ev.SessionID}).Call(s.page); err != nil {
			logging.ScreencastDebug("frame ack failed: %v", err)
		}
	}()
	s.emit(event.FrameEvent{Data: ev.Data, Time: time.Now()})
}

func (s *Session) onFrameStartedLoading(ev *proto.PageFrameStartedLoading) {
	if s.isMainFrame(ev.FrameID) {
		s.emit(event.LoadingEvent{FrameID: string(ev.FrameID), Started: true})
	}
}

func (s *Session) onFrameStoppedLoading(ev *proto.PageFrameStoppedLoading) {
	if s.isMainFrame(ev.FrameID) {
		s.emit(event.LoadingEvent{FrameID: string(ev.FrameID), Started: false})
	}
}

func (s *Session) isMainFrame(id proto.PageFrameID) bool {
	return s.page.FrameID == "" || id == s.page.FrameID
}

func (s *Session) onConsoleAPICalled(ev *proto.RuntimeConsoleAPICalled) {
	out := event.ConsoleEvent{
		Level: string(ev.Type),
		Text:  stringifyConsoleArgs(ev.Args),
	}
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		f := ev.StackTrace.CallFrames[0]
		out.Location = fmt.Sprintf("%s:%d:%d", f.URL, f.LineNumber, f.ColumnNumber)
	}
	s.emit(out)
}

func (s *Session) onExceptionThrown(ev *proto.RuntimeExceptionThrown) {
	d := ev.ExceptionDetails
	if d == nil {
		return
	}
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	out := event.ConsoleEvent{Level: "exception", Text: text, Exception: true}
	if d.URL != "" {
		out.Location = fmt.Sprintf("%s:%d:%d", d.URL, d.LineNumber, d.ColumnNumber)
	}
	s.emit(out)
}

func (s *Session) onStyleSheetAdded(ev *proto.CSSStyleSheetAdded) {
	if ev.Header == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheets[ev.Header.StyleSheetID] = ev.Header.SourceURL
}

// ResponseBody returns the body of a finished request by event id.
func (s *Session) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	s.mu.Lock()
	id, ok := s.hops[requestID]
	s.mu.Unlock()
	if !ok {
		id = proto.NetworkRequestID(requestID)
	}
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("response body for %s: %w", requestID, err)
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, nil)
}

// StartScreencast starts streaming frames as FrameEvents.
func (s *Session) StartScreencast(ctx context.Context) error {
	return proto.PageStartScreencast{Format: proto.PageStartScreencastFormatJpeg}.Call(s.page.Context(ctx))
}

// StopScreencast stops the frame stream.
func (s *Session) StopScreencast(ctx context.Context) error {
	return proto.PageStopScreencast{}.Call(s.page.Context(ctx))
}

// SetOffline toggles offline network emulation.
func (s *Session) SetOffline(ctx context.Context, offline bool) error {
	return proto.NetworkEmulateNetworkConditions{
		Offline:            offline,
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}.Call(s.page.Context(ctx))
}

func convertResponse(r *proto.NetworkResponse) *event.Response {
	out := &event.Response{
		Status:            r.Status,
		StatusText:        r.StatusText,
		Headers:           convertHeaders(r.Headers),
		MIMEType:          r.MIMEType,
		FromCache:         r.FromDiskCache,
		FromServiceWorker: r.FromServiceWorker,
	}
	if r.RemoteIPAddress != "" {
		out.RemoteAddress = fmt.Sprintf("%s:%d", r.RemoteIPAddress, r.RemotePort)
	}
	return out
}

func convertHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}

func cloneRequest(r *event.Request) *event.Request {
	c := *r
	return &c
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
