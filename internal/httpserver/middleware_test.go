package httpserver

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(requestIDHeader, "trace-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "trace-42" {
		t.Fatalf("expected inbound request id to be echoed, got %q", got)
	}
}

func TestRequestIDRejectsUnprintable(t *testing.T) {
	t.Parallel()

	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id\n")
	if got := s.requestID(req); got != "1" {
		t.Fatalf("expected local id, got %q", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{withoutDist: true, withoutStore: true})
	handler := env.server.withRequestLogging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequestLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/healthz", http.StatusOK, slog.LevelDebug},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/api/system-info", http.StatusOK, slog.LevelInfo},
		{"/api/settings", http.StatusBadRequest, slog.LevelWarn},
		{"/readyz", http.StatusServiceUnavailable, slog.LevelWarn},
		{"/api/settings", http.StatusInternalServerError, slog.LevelError},
	}
	for _, tt := range tests {
		if got := requestLogLevel(tt.path, tt.status); got != tt.want {
			t.Fatalf("%s %d: got %s, want %s", tt.path, tt.status, got, tt.want)
		}
	}
}

func TestStaticCacheHeaders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{withoutDist: true, withoutStore: true})

	resp, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("index Cache-Control = %q", got)
	}

	resp, err = http.Post(env.ts.URL+"/", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST / failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /, got %d", resp.StatusCode)
	}
}
