package sessionstats_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/sessionstats"
	"github.com/MrWong99/parley/internal/stream"
)

var _ pipeline.Stats = (*sessionstats.Manager)(nil)

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	saved   []sessionstats.Summary
	records map[string][]sessionstats.StageRecord
	err     error
}

func (s *memStore) SaveSession(_ context.Context, sum sessionstats.Summary, recs []sessionstats.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, sum)
	if s.records == nil {
		s.records = make(map[string][]sessionstats.StageRecord)
	}
	s.records[sum.SessionID] = recs
	return nil
}

func (s *memStore) RecentSessions(_ context.Context, limit int) ([]sessionstats.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sessionstats.Summary, 0, limit)
	for i := len(s.saved) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.saved[i])
	}
	return out, nil
}

func TestManager_SummarizesSession(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	m := sessionstats.NewManager(sessionstats.WithStore(store))
	m.CreateSession("s1")

	m.RecordStage("s1", stream.StageASR, 100*time.Millisecond, nil)
	m.RecordStage("s1", stream.StageASR, 300*time.Millisecond, nil)
	m.RecordStage("s1", stream.StageLLM, 250*time.Millisecond, nil)
	m.RecordStage("s1", stream.StageTTS, 50*time.Millisecond, errors.New("503"))
	m.RecordE2E("s1", 800*time.Millisecond)
	m.RecordE2E("s1", 1200*time.Millisecond)
	m.RecordBargeIn("s1")
	m.RecordDroppedFrame("s1")
	m.RecordStage("unknown", stream.StageASR, time.Second, nil)

	live, ok := m.Session("s1")
	if !ok {
		t.Fatal("live session not found")
	}
	if live.ASR.Count != 2 || live.ASR.AvgMS != 200 || live.ASR.MinMS != 100 || live.ASR.MaxMS != 300 {
		t.Errorf("asr summary: got %+v", live.ASR)
	}

	if err := m.FinalizeSession(context.Background(), "s1"); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if _, ok := m.Session("s1"); ok {
		t.Error("session still live after finalize")
	}

	if len(store.saved) != 1 {
		t.Fatalf("saved summaries: want 1, got %d", len(store.saved))
	}
	sum := store.saved[0]
	if sum.E2E.Count != 2 || sum.E2E.AvgMS != 1000 || sum.E2E.MinMS != 800 || sum.E2E.MaxMS != 1200 {
		t.Errorf("e2e summary: got %+v", sum.E2E)
	}
	if sum.PipelineMS != 700 {
		t.Errorf("pipeline total: want 700, got %v", sum.PipelineMS)
	}
	if sum.Errors != 1 || sum.TTS.Errors != 1 {
		t.Errorf("errors: want 1, got %d (tts %d)", sum.Errors, sum.TTS.Errors)
	}
	if sum.BargeIns != 1 || sum.DroppedFrames != 1 {
		t.Errorf("counters: got barge-ins %d dropped %d", sum.BargeIns, sum.DroppedFrames)
	}
	if sum.EndedAt.IsZero() {
		t.Error("finalized summary without end time")
	}
	recs := store.records["s1"]
	if len(recs) != 4 {
		t.Fatalf("stage records: want 4, got %d", len(recs))
	}
	if recs[3].Success || recs[3].Error != "503" {
		t.Errorf("failed record: got %+v", recs[3])
	}
}

func TestManager_FinalizeUnknownIsNoop(t *testing.T) {
	t.Parallel()

	m := sessionstats.NewManager()
	if err := m.FinalizeSession(context.Background(), "nope"); err != nil {
		t.Errorf("want nil, got %v", err)
	}
}

func TestManager_FinalizeReportsStoreError(t *testing.T) {
	t.Parallel()

	store := &memStore{err: errors.New("db down")}
	m := sessionstats.NewManager(sessionstats.WithStore(store))
	m.CreateSession("s1")
	if err := m.FinalizeSession(context.Background(), "s1"); err == nil {
		t.Fatal("want error from store, got nil")
	}
	if agg := m.Aggregate(); agg.ActiveSessions != 0 {
		t.Errorf("session kept after failed persistence: %d active", agg.ActiveSessions)
	}
}

func TestManager_AggregateRollingWindow(t *testing.T) {
	t.Parallel()

	m := sessionstats.NewManager(sessionstats.WithWindow(2))
	ctx := context.Background()
	for i, asr := range []time.Duration{900 * time.Millisecond, 400 * time.Millisecond, 200 * time.Millisecond} {
		id := string(rune('a' + i))
		m.CreateSession(id)
		m.RecordStage(id, stream.StageASR, asr, nil)
		m.RecordBargeIn(id)
		if err := m.FinalizeSession(ctx, id); err != nil {
			t.Fatalf("FinalizeSession: %v", err)
		}
	}
	m.CreateSession("live")

	agg := m.Aggregate()
	if agg.TotalSessions != 4 || agg.ActiveSessions != 1 || agg.TotalBargeIns != 3 {
		t.Errorf("counters: got %+v", agg)
	}
	// The window holds the two newest sessions: (400 + 200) / 2.
	if got := agg.AvgLatencyMS["asr"]; got != 300 {
		t.Errorf("asr rolling average: want 300, got %v", got)
	}
	if st := agg.Targets["asr"]; !st.Met || st.TargetMS != 500 {
		t.Errorf("asr target: got %+v", st)
	}
	if len(agg.Recent) != 2 || agg.Recent[0].SessionID != "c" || agg.Recent[1].SessionID != "b" {
		t.Errorf("recent sessions: want [c b], got %+v", agg.Recent)
	}
}

func TestManager_TargetMissed(t *testing.T) {
	t.Parallel()

	m := sessionstats.NewManager(sessionstats.WithTargets(sessionstats.Targets{
		ASR: time.Second, LLM: 100 * time.Millisecond, TTS: time.Second, E2E: time.Second,
	}))
	m.CreateSession("s")
	m.RecordStage("s", stream.StageLLM, 150*time.Millisecond, nil)
	if err := m.FinalizeSession(context.Background(), "s"); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if st := m.Aggregate().Targets["llm"]; st.Met {
		t.Errorf("llm target: want missed, got %+v", st)
	}
}

func TestManager_LoadSeedsWindow(t *testing.T) {
	t.Parallel()

	store := &memStore{saved: []sessionstats.Summary{
		{SessionID: "old", LLM: sessionstats.StageSummary{Count: 1, AvgMS: 100}},
		{SessionID: "new", LLM: sessionstats.StageSummary{Count: 1, AvgMS: 300}},
	}}
	m := sessionstats.NewManager(sessionstats.WithStore(store))
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	agg := m.Aggregate()
	if got := agg.AvgLatencyMS["llm"]; got != 200 {
		t.Errorf("llm average: want 200, got %v", got)
	}
	if len(agg.Recent) != 2 || agg.Recent[0].SessionID != "new" {
		t.Errorf("recent order: want newest first, got %+v", agg.Recent)
	}
}

func TestManager_HTTP(t *testing.T) {
	t.Parallel()

	m := sessionstats.NewManager()
	m.CreateSession("s1")
	m.RecordStage("s1", stream.StageTTS, 120*time.Millisecond, nil)
	mux := http.NewServeMux()
	m.Register(mux)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"aggregate", "/v1/stats", http.StatusOK},
		{"live session", "/v1/stats/sessions/s1", http.StatusOK},
		{"unknown session", "/v1/stats/sessions/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("status: want %d, got %d", tc.status, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Errorf("content type: got %q", ct)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/sessions/s1", nil))
	var sum sessionstats.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.SessionID != "s1" || sum.TTS.Count != 1 || sum.TTS.AvgMS != 120 {
		t.Errorf("session body: got %+v", sum)
	}
}
