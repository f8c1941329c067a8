package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// flakyServer answers /health with the status held in code.
func flakyServer(t *testing.T, code *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonitor_StateTransitions(t *testing.T) {
	t.Parallel()

	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := flakyServer(t, &code)
	m := NewMonitor([]Endpoint{{ID: "tts_primary", Name: "TTS (Parler)", URL: srv.URL + "/"}}, MonitorConfig{})
	ctx := context.Background()

	m.CheckAll(ctx)
	if s := m.Services()[0]; s.State != StatusHealthy || s.LastSuccess.IsZero() {
		t.Fatalf("after success: got %+v", s)
	}

	code.Store(http.StatusServiceUnavailable)
	steps := []Status{StatusHealthy, StatusDegraded, StatusFailed, StatusFailed}
	for i, want := range steps {
		m.CheckAll(ctx)
		s := m.Services()[0]
		if s.State != want {
			t.Errorf("failure %d: want %s, got %s", i+1, want, s.State)
		}
		if s.LastError != "HTTP 503" {
			t.Errorf("failure %d: last error %q", i+1, s.LastError)
		}
	}
	if err := m.Ready(ctx); err == nil {
		t.Error("Ready: want error with a failed service")
	}

	code.Store(http.StatusOK)
	m.CheckAll(ctx)
	if s := m.Services()[0]; s.State != StatusHealthy || s.FailureCount != 0 || s.LastError != "" {
		t.Errorf("after recovery: got %+v", s)
	}
	if err := m.Ready(ctx); err != nil {
		t.Errorf("Ready after recovery: %v", err)
	}
}

func TestMonitor_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	m := NewMonitor([]Endpoint{{ID: "llm", URL: srv.URL}}, MonitorConfig{Timeout: 20 * time.Millisecond, FailedAfter: 1})
	m.CheckAll(context.Background())
	s := m.Services()[0]
	if s.State != StatusFailed || s.LastError != "timeout" {
		t.Errorf("want failed with timeout, got %+v", s)
	}
}

func TestMonitor_SkipsEndpointsWithoutURL(t *testing.T) {
	t.Parallel()

	m := NewMonitor([]Endpoint{{ID: "a", URL: "http://x"}, {ID: "b"}}, MonitorConfig{})
	if n := len(m.Services()); n != 1 {
		t.Errorf("services: want 1, got %d", n)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := flakyServer(t, &code)
	m := NewMonitor([]Endpoint{{ID: "stt", URL: srv.URL}}, MonitorConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for m.Services()[0].LastCheck.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if m.Services()[0].LastCheck.IsZero() {
		t.Error("no check ran")
	}
}

func TestMonitor_HTTP(t *testing.T) {
	t.Parallel()

	var code atomic.Int32
	code.Store(http.StatusInternalServerError)
	srv := flakyServer(t, &code)
	m := NewMonitor([]Endpoint{{ID: "tts_fallback", Name: "TTS (XTTS)", URL: srv.URL}}, MonitorConfig{FailedAfter: 1})
	m.CheckAll(context.Background())

	mux := http.NewServeMux()
	m.Register(mux)
	New(m.Checker()).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health/services", nil))
	var body struct {
		Status   Status          `json:"status"`
		Services []ServiceHealth `json:"services"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusFailed || len(body.Services) != 1 {
		t.Errorf("services body: got %+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failed service: want 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/health/services/tts_fallback/reset", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("reset: want 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/health/services/nope/reset", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("reset unknown: want 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz after reset: want 200, got %d", rec.Code)
	}
}
