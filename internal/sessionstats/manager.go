// Package sessionstats collects fine-grained latency statistics per voice
// session.
//
// The [Manager] receives stage measurements from the pipeline coordinator
// while a session is live. When the session ends, [Manager.FinalizeSession]
// reduces them to a [Summary], feeds the per-stage averages into a rolling
// window of recent sessions and hands the summary to an optional [Store] for
// persistence.
package sessionstats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/stream"
)

const (
	// DefaultWindow is the number of recent sessions the rolling averages
	// cover.
	DefaultWindow = 100

	// maxStageRecords caps the raw records kept per session. Aggregates keep
	// counting past the cap.
	maxStageRecords = 4096
)

// Aggregate series names.
const (
	SeriesASR      = "asr"
	SeriesLLM      = "llm"
	SeriesTTS      = "tts"
	SeriesE2E      = "e2e"
	SeriesPipeline = "pipeline"
)

// Targets are the latency goals reported with the aggregate view.
type Targets struct {
	ASR time.Duration
	LLM time.Duration
	TTS time.Duration
	E2E time.Duration
}

// DefaultTargets returns the stock latency goals.
func DefaultTargets() Targets {
	return Targets{
		ASR: 500 * time.Millisecond,
		LLM: 300 * time.Millisecond,
		TTS: 200 * time.Millisecond,
		E2E: time.Second,
	}
}

// StageRecord is one measured stage operation.
type StageRecord struct {
	Stage     string    `json:"stage"`
	LatencyMS float64   `json:"latency_ms"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// StageSummary aggregates the records of one stage.
type StageSummary struct {
	Count   int     `json:"count"`
	Errors  int     `json:"errors"`
	TotalMS float64 `json:"total_latency_ms"`
	AvgMS   float64 `json:"avg_latency_ms"`
	MinMS   float64 `json:"min_latency_ms"`
	MaxMS   float64 `json:"max_latency_ms"`
}

// LatencySummary aggregates end-to-end latencies.
type LatencySummary struct {
	Count int     `json:"measurements"`
	AvgMS float64 `json:"avg_latency_ms"`
	MinMS float64 `json:"min_latency_ms"`
	MaxMS float64 `json:"max_latency_ms"`
}

// Summary is the reduced view of one session.
type Summary struct {
	SessionID     string         `json:"session_id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at,omitzero"`
	DurationS     float64        `json:"duration_s"`
	ASR           StageSummary   `json:"asr"`
	LLM           StageSummary   `json:"llm"`
	TTS           StageSummary   `json:"tts"`
	E2E           LatencySummary `json:"e2e"`
	PipelineMS    float64        `json:"pipeline_total_latency_ms"`
	BargeIns      int            `json:"barge_ins"`
	DroppedFrames int            `json:"dropped_frames"`
	Errors        int            `json:"errors"`
}

// Store persists finalized sessions.
type Store interface {
	SaveSession(ctx context.Context, s Summary, records []StageRecord) error
	RecentSessions(ctx context.Context, limit int) ([]Summary, error)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithStore persists every finalized session to s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithWindow sets the number of recent sessions in the rolling averages.
func WithWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithTargets overrides the latency goals.
func WithTargets(t Targets) Option {
	return func(m *Manager) { m.targets = t }
}

type liveSession struct {
	startedAt time.Time
	records   []StageRecord
	asr       stageAcc
	llm       stageAcc
	tts       stageAcc
	e2e       stageAcc
	bargeIns  int
	dropped   int
}

// stageAcc accumulates latencies in milliseconds.
type stageAcc struct {
	count, errors   int
	total, min, max float64
}

func (a *stageAcc) add(ms float64, failed bool) {
	if a.count == 0 || ms < a.min {
		a.min = ms
	}
	if ms > a.max {
		a.max = ms
	}
	a.count++
	a.total += ms
	if failed {
		a.errors++
	}
}

func (a stageAcc) avg() float64 {
	if a.count == 0 {
		return 0
	}
	return a.total / float64(a.count)
}

func (a stageAcc) stage() StageSummary {
	return StageSummary{
		Count:   a.count,
		Errors:  a.errors,
		TotalMS: round2(a.total),
		AvgMS:   round2(a.avg()),
		MinMS:   round2(a.min),
		MaxMS:   round2(a.max),
	}
}

// Manager collects statistics for live sessions and keeps rolling aggregates
// over finalized ones. It is safe for concurrent use.
type Manager struct {
	store   Store
	window  int
	targets Targets

	mu            sync.Mutex
	active        map[string]*liveSession
	recent        map[string]*ring[float64]
	recentSummary *ring[Summary]
	totalSessions int
	totalErrors   int
	totalBargeIns int
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		window:  DefaultWindow,
		targets: DefaultTargets(),
		active:  make(map[string]*liveSession),
	}
	for _, o := range opts {
		o(m)
	}
	m.recent = make(map[string]*ring[float64], 5)
	for _, name := range []string{SeriesASR, SeriesLLM, SeriesTTS, SeriesE2E, SeriesPipeline} {
		m.recent[name] = newRing[float64](m.window)
	}
	m.recentSummary = newRing[Summary](m.window)
	return m
}

// Load seeds the rolling window from the store's most recent sessions.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	sums, err := m.store.RecentSessions(ctx, m.window)
	if err != nil {
		return fmt.Errorf("sessionstats: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Oldest first so the newest ends up at the head of the window.
	for i := len(sums) - 1; i >= 0; i-- {
		m.pushRecentLocked(sums[i])
	}
	return nil
}

// CreateSession starts collecting for id. A repeated id restarts collection.
func (m *Manager) CreateSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = &liveSession{startedAt: time.Now()}
	m.totalSessions++
}

// RecordStage adds one stage measurement. Unknown sessions are ignored.
func (m *Manager) RecordStage(id string, stage stream.Stage, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	switch stage {
	case stream.StageASR:
		s.asr.add(ms, err != nil)
	case stream.StageLLM:
		s.llm.add(ms, err != nil)
	case stream.StageTTS:
		s.tts.add(ms, err != nil)
	default:
		return
	}
	if len(s.records) < maxStageRecords {
		rec := StageRecord{Stage: string(stage), LatencyMS: round2(ms), Success: err == nil, At: time.Now()}
		if err != nil {
			rec.Error = err.Error()
		}
		s.records = append(s.records, rec)
	}
}

// RecordE2E adds one end-to-end latency measurement.
func (m *Manager) RecordE2E(id string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[id]; ok {
		s.e2e.add(float64(latency)/float64(time.Millisecond), false)
	}
}

// RecordBargeIn counts one barge-in.
func (m *Manager) RecordBargeIn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[id]; ok {
		s.bargeIns++
	}
}

// RecordDroppedFrame counts one dropped inbound frame.
func (m *Manager) RecordDroppedFrame(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[id]; ok {
		s.dropped++
	}
}

// Session returns the running summary of a live session.
func (m *Manager) Session(id string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return Summary{}, false
	}
	return summarize(id, s, time.Time{}), true
}

// FinalizeSession reduces the session to a summary, updates the rolling
// aggregates and persists the summary. Finalizing an unknown session is a
// no-op. The session is removed even when persistence fails.
func (m *Manager) FinalizeSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, id)
	sum := summarize(id, s, time.Now())
	m.pushRecentLocked(sum)
	m.totalErrors += sum.Errors
	m.totalBargeIns += sum.BargeIns
	records := s.records
	m.mu.Unlock()

	slog.Info("sessionstats: session summary",
		"session_id", id,
		"asr_avg_ms", sum.ASR.AvgMS,
		"llm_avg_ms", sum.LLM.AvgMS,
		"tts_avg_ms", sum.TTS.AvgMS,
		"e2e_avg_ms", sum.E2E.AvgMS,
		"pipeline_ms", sum.PipelineMS,
		"barge_ins", sum.BargeIns,
	)

	if m.store == nil {
		return nil
	}
	if err := m.store.SaveSession(ctx, sum, records); err != nil {
		return fmt.Errorf("sessionstats: finalize %s: %w", id, err)
	}
	return nil
}

// pushRecentLocked adds a finalized summary to the rolling window. Caller
// holds m.mu.
func (m *Manager) pushRecentLocked(sum Summary) {
	if sum.ASR.Count > 0 {
		m.recent[SeriesASR].push(sum.ASR.AvgMS)
	}
	if sum.LLM.Count > 0 {
		m.recent[SeriesLLM].push(sum.LLM.AvgMS)
	}
	if sum.TTS.Count > 0 {
		m.recent[SeriesTTS].push(sum.TTS.AvgMS)
	}
	if sum.E2E.Count > 0 {
		m.recent[SeriesE2E].push(sum.E2E.AvgMS)
	}
	m.recent[SeriesPipeline].push(sum.PipelineMS)
	m.recentSummary.push(sum)
}

// TargetStatus compares a rolling average with its goal.
type TargetStatus struct {
	TargetMS float64 `json:"target_ms"`
	AvgMS    float64 `json:"avg_latency_ms"`
	Met      bool    `json:"met"`
}

// Aggregate is the service-wide view over recent sessions.
type Aggregate struct {
	ActiveSessions int                     `json:"active_sessions"`
	TotalSessions  int                     `json:"total_sessions"`
	TotalErrors    int                     `json:"total_errors"`
	TotalBargeIns  int                     `json:"total_barge_ins"`
	AvgLatencyMS   map[string]float64      `json:"avg_latencies_ms"`
	Targets        map[string]TargetStatus `json:"latency_targets"`
	Recent         []Summary               `json:"recent_sessions"`
}

// Aggregate reports global counters and rolling averages.
func (m *Manager) Aggregate() Aggregate {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := make(map[string]float64, len(m.recent))
	for name, r := range m.recent {
		avg[name] = round2(mean(r.list()))
	}
	target := func(name string, goal time.Duration) TargetStatus {
		ms := float64(goal) / float64(time.Millisecond)
		return TargetStatus{TargetMS: ms, AvgMS: avg[name], Met: avg[name] < ms}
	}
	return Aggregate{
		ActiveSessions: len(m.active),
		TotalSessions:  m.totalSessions,
		TotalErrors:    m.totalErrors,
		TotalBargeIns:  m.totalBargeIns,
		AvgLatencyMS:   avg,
		Targets: map[string]TargetStatus{
			SeriesASR: target(SeriesASR, m.targets.ASR),
			SeriesLLM: target(SeriesLLM, m.targets.LLM),
			SeriesTTS: target(SeriesTTS, m.targets.TTS),
			SeriesE2E: target(SeriesE2E, m.targets.E2E),
		},
		Recent: m.recentSummary.list(),
	}
}

func summarize(id string, s *liveSession, end time.Time) Summary {
	ref := end
	if ref.IsZero() {
		ref = time.Now()
	}
	sum := Summary{
		SessionID:     id,
		StartedAt:     s.startedAt,
		EndedAt:       end,
		DurationS:     round2(ref.Sub(s.startedAt).Seconds()),
		ASR:           s.asr.stage(),
		LLM:           s.llm.stage(),
		TTS:           s.tts.stage(),
		E2E:           LatencySummary{Count: s.e2e.count, AvgMS: round2(s.e2e.avg()), MinMS: round2(s.e2e.min), MaxMS: round2(s.e2e.max)},
		PipelineMS:    round2(s.asr.total + s.llm.total + s.tts.total),
		BargeIns:      s.bargeIns,
		DroppedFrames: s.dropped,
		Errors:        s.asr.errors + s.llm.errors + s.tts.errors,
	}
	return sum
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
