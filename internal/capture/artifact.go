package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"testscope/internal/event"
	"testscope/internal/logging"
)

// BodyReader fetches a response body by request id.
type BodyReader interface {
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)
}

// ArtifactWriter persists diagnostics for failed XHR requests in the
// background. Errors are logged and never returned to the event path.
type ArtifactWriter struct {
	ctx    context.Context
	dir    string
	bodies BodyReader
	limit  int

	mu sync.Mutex
	g  *errgroup.Group
}

// NewArtifactWriter writes into dir with at most limit concurrent writes.
// bodies may be nil, in which case response bodies are left empty.
func NewArtifactWriter(ctx context.Context, dir string, bodies BodyReader, limit int) *ArtifactWriter {
	if limit <= 0 {
		limit = 4
	}
	w := &ArtifactWriter{ctx: ctx, dir: dir, bodies: bodies, limit: limit}
	w.g = w.newGroup()
	return w
}

func (w *ArtifactWriter) newGroup() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(w.limit)
	return g
}

// Dir returns the output directory.
func (w *ArtifactWriter) Dir() string { return w.dir }

// Capture schedules the artifact for rec. Only xhr requests are written.
// done receives the JSON file name once it is on disk.
func (w *ArtifactWriter) Capture(jobID string, rec Record, req *event.Request, done func(logName string)) {
	if rec.ResourceType != "xhr" {
		return
	}
	if jobID == "" {
		logging.CaptureDebug("no active job, skipping artifact for %s", rec.RequestID)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.g.Go(func() error {
		name, err := w.write(jobID, rec, req)
		if err != nil {
			logging.CaptureError("failed to save request log %s: %v", rec.RequestID, err)
			return nil
		}
		logging.CaptureDebug("saved request log: %s", name)
		if done != nil {
			done(name)
		}
		return nil
	})
}

// Wait blocks until every scheduled artifact has been written.
func (w *ArtifactWriter) Wait() error {
	w.mu.Lock()
	g := w.g
	w.g = w.newGroup()
	w.mu.Unlock()
	return g.Wait()
}

func (w *ArtifactWriter) write(jobID string, rec Record, req *event.Request) (string, error) {
	base := fmt.Sprintf("job-%s-request-%s", jobID, rec.RequestID)
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	doc := rec.Fields()
	delete(doc, "log")

	reqDoc := map[string]any{
		"headers":             nonNilHeaders(req.Headers),
		"isNavigationRequest": req.IsNavigation,
	}
	if req.PostData != "" {
		reqDoc["postData"] = decodeLoose(req.PostData)
	}
	doc["request"] = reqDoc

	if resp := req.Response; resp != nil {
		respDoc := map[string]any{
			"headers":           nonNilHeaders(resp.Headers),
			"fromCache":         resp.FromCache,
			"fromServiceWorker": resp.FromServiceWorker,
			"remoteAddress":     resp.RemoteAddress,
		}
		body := w.readBody(req.ID)
		if text, ok := body.(string); ok && text != "" && isHTML(resp) {
			htmlName := base + ".html"
			if err := os.WriteFile(filepath.Join(w.dir, htmlName), []byte(text), 0644); err != nil {
				return "", fmt.Errorf("failed to write response html: %w", err)
			}
			body = htmlName
		}
		respDoc["body"] = body
		doc["response"] = respDoc
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode request log: %w", err)
	}
	name := base + ".json"
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write request log: %w", err)
	}
	return name, nil
}

func (w *ArtifactWriter) readBody(requestID string) any {
	if w.bodies == nil {
		return ""
	}
	raw, err := w.bodies.ResponseBody(w.ctx, requestID)
	if err != nil {
		logging.CaptureDebug("response body unavailable for %s: %v", requestID, err)
		return ""
	}
	body := decodeLoose(string(raw))
	if m, ok := body.(map[string]any); ok {
		delete(m, "_meta")
	}
	return body
}

// decodeLoose returns s parsed as JSON, or s itself when it is not JSON.
func decodeLoose(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func isHTML(resp *event.Response) bool {
	ct, ok := event.Header(resp.Headers, "content-type")
	if !ok {
		ct = resp.MIMEType
	}
	return strings.Contains(strings.ToLower(ct), "text/html")
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
