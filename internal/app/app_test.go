package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/sessionstats"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

const testRate = 16000

// testConfig returns a defaulted config using mock providers.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "mock"
	cfg.Providers.STT.Name = "mock"
	cfg.Providers.TTS.Name = "mock"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Pipeline.PollInterval = 20 * time.Millisecond
	cfg.Pipeline.TTS.Frame = 10 * time.Millisecond
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers answering every final with "Hi there."
func testProviders() *app.Providers {
	pcm := make([]byte, audio.SamplesFor(testRate, 20*time.Millisecond)*2)
	return &app.Providers{
		STT: &sttmock.Provider{Text: "hello"},
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi"}, {Text: " there.", FinishReason: "stop"}}},
		TTS: &ttsmock.Provider{Audio: audio.EncodeWAV(pcm, audio.Format{SampleRate: testRate, Channels: 1})},
	}
}

// memStore is an in-memory sessionstats.Store.
type memStore struct {
	saved chan sessionstats.Summary
}

func (m *memStore) SaveSession(_ context.Context, sum sessionstats.Summary, _ []sessionstats.StageRecord) error {
	m.saved <- sum
	return nil
}

func (m *memStore) RecentSessions(context.Context, int) ([]sessionstats.Summary, error) {
	return nil, nil
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithGatherer(prometheus.NewRegistry())}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func getJSON(t *testing.T, h http.Handler, path string, wantCode int, v any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != wantCode {
		t.Fatalf("GET %s: want %d, got %d (%s)", path, wantCode, rec.Code, rec.Body.String())
	}
	if v != nil {
		if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("New without STT and TTS: want error")
	}
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	h := a.Handler()

	getJSON(t, h, "/healthz", http.StatusOK, nil)
	getJSON(t, h, "/readyz", http.StatusOK, nil)

	var sessions struct {
		Sessions []pipeline.Snapshot `json:"sessions"`
	}
	getJSON(t, h, "/v1/sessions", http.StatusOK, &sessions)
	if len(sessions.Sessions) != 0 {
		t.Errorf("sessions: want none, got %d", len(sessions.Sessions))
	}
	getJSON(t, h, "/v1/sessions/nope", http.StatusNotFound, nil)

	var agg sessionstats.Aggregate
	getJSON(t, h, "/v1/stats", http.StatusOK, &agg)
	if agg.TotalSessions != 0 {
		t.Errorf("total sessions: want 0, got %d", agg.TotalSessions)
	}

	type breaker struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	var breakers map[string][]breaker
	getJSON(t, h, "/v1/breakers", http.StatusOK, &breakers)
	for _, kind := range []string{"stt", "llm", "tts"} {
		got := breakers[kind]
		if len(got) != 1 || got[0].Name != "mock" || got[0].State != "closed" {
			t.Errorf("%s breakers: want [mock closed], got %+v", kind, got)
		}
	}

	getJSON(t, h, "/v1/health/services", http.StatusOK, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics: want 200, got %d", rec.Code)
	}
}

func TestApp_MonitorsConfiguredEndpoints(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	cfg := testConfig()
	cfg.Providers.TTS.BaseURL = down.URL
	cfg.Health.FailedAfter = 1
	cfg.Health.DegradedAfter = 1
	a := newApp(t, cfg)

	services := a.Monitor().Services()
	if len(services) != 1 || services[0].ID != "tts" {
		t.Fatalf("monitored services: want [tts], got %+v", services)
	}
	a.Monitor().CheckAll(context.Background())
	getJSON(t, a.Handler(), "/readyz", http.StatusServiceUnavailable, nil)
}

func TestApp_StreamSession(t *testing.T) {
	t.Parallel()

	store := &memStore{saved: make(chan sessionstats.Summary, 1)}
	a := newApp(t, testConfig(), app.WithStatsStore(store))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?session_id=e2e"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetReadLimit(1 << 20)

	frame := make([]byte, audio.SamplesFor(testRate, 100*time.Millisecond)*2)
	for i := 0; i < 6; i++ {
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("Write frame: %v", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"end_of_speech"}`)); err != nil {
		t.Fatalf("Write end_of_speech: %v", err)
	}

	for seen := false; !seen; {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var ev pipeline.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type == pipeline.EventLLMFinal {
			if ev.Text != "Hi there." {
				t.Errorf("llm_final: want %q, got %q", "Hi there.", ev.Text)
			}
			seen = true
		}
	}

	var sessions struct {
		Sessions []pipeline.Snapshot `json:"sessions"`
	}
	getJSON(t, a.Handler(), "/v1/sessions", http.StatusOK, &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].SessionID != "e2e" {
		t.Errorf("sessions: want [e2e], got %+v", sessions.Sessions)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case sum := <-store.saved:
		if sum.SessionID != "e2e" {
			t.Errorf("persisted session: want e2e, got %q", sum.SessionID)
		}
		if sum.E2E.Count != 1 {
			t.Errorf("persisted e2e count: want 1, got %d", sum.E2E.Count)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session summary was not persisted after disconnect")
	}
	if agg := a.Stats().Aggregate(); agg.TotalSessions != 1 {
		t.Errorf("total sessions: want 1, got %d", agg.TotalSessions)
	}
}

func TestApp_RunServesUntilCancelled(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a := newApp(t, testConfig(), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz: want 200, got %d", resp.StatusCode)
	}
	if cid := resp.Header.Get("X-Correlation-ID"); cid == "" {
		t.Log("no correlation id without a tracer provider")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithLogLevel(&level))

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Pipeline.LLM.SystemPrompt = "Answer in one word."
	disabled := false
	updated.Pipeline.BargeInOnFinal = &disabled

	a.Reload(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level: want debug, got %s", level.Level())
	}
	cfg := a.Coordinator().Config()
	if cfg.LLM.SystemPrompt != "Answer in one word." {
		t.Errorf("system prompt: want updated, got %q", cfg.LLM.SystemPrompt)
	}
	if cfg.BargeInOnFinal {
		t.Error("BargeInOnFinal: want false after reload")
	}
}

func TestPipelineConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.TTS.Voice = "professional"
	pc := app.PipelineConfig(cfg)

	if pc.ASR.Window != 500*time.Millisecond || pc.ASR.Slide != 250*time.Millisecond {
		t.Errorf("asr window/slide: got %s/%s", pc.ASR.Window, pc.ASR.Slide)
	}
	if pc.ASR.Retry.MaxRetries != 2 || pc.ASR.Retry.AttemptTimeout != 10*time.Second {
		t.Errorf("asr retry: got %+v", pc.ASR.Retry)
	}
	if pc.LLM.Retry.AttemptTimeout != 30*time.Second {
		t.Errorf("llm attempt timeout: want 30s, got %s", pc.LLM.Retry.AttemptTimeout)
	}
	if pc.TTS.Voice.ID != "professional" || pc.TTS.Voice.Language != "en" {
		t.Errorf("tts voice: got %+v", pc.TTS.Voice)
	}
	if !pc.BargeInOnFinal {
		t.Error("BargeInOnFinal: want true by default")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q): want %s, got %s", tc.in, tc.want, got)
		}
	}
}
