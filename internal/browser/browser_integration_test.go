//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscope/internal/browser"
	"testscope/internal/event"
)

func TestSessionStreamsEvents_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/fail":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"boom"}`)
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, `function used(){return 1} function unused(){return 2} used(); console.error("from page");`)
		default:
			fmt.Fprint(w, `<html><head><script src="/app.js"></script></head><body>
<script>fetch("/api/fail")</script></body></html>`)
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	b, err := browser.Launch(ctx, browser.Options{Headless: true})
	require.NoError(t, err, "Failed to start browser")
	defer func() {
		if err := b.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	}()

	s, err := b.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StartCoverage(ctx))
	require.NoError(t, s.Navigate(ctx, ts.URL))

	var sawFailure, sawConsole bool
	deadline := time.After(15 * time.Second)
	for !(sawFailure && sawConsole) {
		select {
		case ev := <-s.Events():
			switch ev := ev.(type) {
			case event.RequestEvent:
				if ev.Kind == event.Finished && ev.Request.Response != nil && ev.Request.Response.Status == 500 {
					sawFailure = true
					body, err := s.ResponseBody(ctx, ev.Request.ID)
					require.NoError(t, err)
					assert.JSONEq(t, `{"error":"boom"}`, string(body))
				}
			case event.ConsoleEvent:
				if ev.Text == "from page" {
					sawConsole = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out: failure=%v console=%v", sawFailure, sawConsole)
		}
	}

	resources, err := s.TakeCoverage(ctx)
	require.NoError(t, err)
	var found bool
	for _, r := range resources {
		if r.Type == "js" && r.URL == ts.URL+"/app.js" {
			found = true
			assert.NotEmpty(t, r.Ranges)
		}
	}
	assert.True(t, found, "app.js coverage")

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}
