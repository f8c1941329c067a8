// Package pipeline coordinates the streaming ASR, LLM and TTS stages of live
// voice sessions.
//
// A [Coordinator] owns a registry of [Session] values keyed by session id.
// Each session runs an ASR consumer, at most one generation task and one
// long-lived synthesis consumer. Final transcripts start a generation, the
// completed response is queued for synthesis, and synthesized audio is
// published frame by frame through the session's [Publisher].
//
// Barge-in cancels the synthesis consumer and the generation task and waits
// for both to exit before the response queue is drained, so no stale response
// or audio frame can surface once [Coordinator.HandleBargeIn] returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/stream"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	// ErrSessionGone is returned for operations on a session that does not
	// exist or is being torn down.
	ErrSessionGone = errors.New("pipeline: session gone")

	// ErrSessionExists is returned by [Coordinator.CreateSession] for an id
	// that is already registered.
	ErrSessionExists = errors.New("pipeline: session already exists")

	errSuperseded = errors.New("pipeline: generation superseded")
)

// DefaultPollInterval bounds how long an idle synthesis consumer waits before
// re-checking that its session is still active.
const DefaultPollInterval = time.Second

// Providers are the inference backends shared by all sessions. Names label
// metrics and logs.
type Providers struct {
	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
	TTS     tts.Provider
	TTSName string
}

// Config holds the per-session stage configuration. SessionID fields of the
// stage configs are filled in per session.
type Config struct {
	ASR stream.ASRConfig
	LLM stream.LLMConfig
	TTS stream.TTSConfig

	// PollInterval is the liveness re-check interval of the synthesis
	// consumer. Zero means [DefaultPollInterval].
	PollInterval time.Duration

	// BargeInOnFinal interrupts an active response when a new final
	// transcript arrives and then answers the new one. When false such a
	// final is dropped.
	BargeInOnFinal bool
}

// DefaultConfig returns stage defaults with barge-in on final enabled.
func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, BargeInOnFinal: true}
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TTS.SampleRate <= 0 {
		c.TTS.SampleRate = stream.DefaultSampleRate
	}
}

// Stats receives fine-grained per-session measurements. It is implemented by
// the session statistics collector.
type Stats interface {
	CreateSession(sessionID string)
	RecordStage(sessionID string, stage stream.Stage, latency time.Duration, err error)
	RecordE2E(sessionID string, latency time.Duration)
	RecordBargeIn(sessionID string)
	RecordDroppedFrame(sessionID string)
	FinalizeSession(ctx context.Context, sessionID string) error
}

type nopStats struct{}

func (nopStats) CreateSession(string)                                   {}
func (nopStats) RecordStage(string, stream.Stage, time.Duration, error) {}
func (nopStats) RecordE2E(string, time.Duration)                        {}
func (nopStats) RecordBargeIn(string)                                   {}
func (nopStats) RecordDroppedFrame(string)                              {}
func (nopStats) FinalizeSession(context.Context, string) error          { return nil }

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithStats sets the per-session statistics collector.
func WithStats(s Stats) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.stats = s
		}
	}
}

// WithMetrics sets the OTel instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer for session spans. Defaults to [observe.Tracer].
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Coordinator is the session registry and orchestrator. It is safe for
// concurrent use.
type Coordinator struct {
	providers Providers
	stats     Stats
	metrics   *observe.Metrics
	tracer    trace.Tracer

	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator using the given providers for every
// session.
func NewCoordinator(p Providers, cfg Config, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	if p.STTName == "" {
		p.STTName = "stt"
	}
	if p.LLMName == "" {
		p.LLMName = "llm"
	}
	if p.TTSName == "" {
		p.TTSName = "tts"
	}
	c := &Coordinator{
		providers: p,
		cfg:       cfg,
		stats:     nopStats{},
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.tracer == nil {
		c.tracer = observe.Tracer()
	}
	return c
}

// CreateSession registers a new session publishing through pub and starts its
// ASR and synthesis consumers. The session outlives ctx; it ends with
// [Coordinator.CleanupSession].
func (c *Coordinator) CreateSession(ctx context.Context, id string, pub Publisher) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("pipeline: create session: empty id")
	}
	cfg := c.Config()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		pub:       pub,
		coord:     c,
		cfg:       cfg,
		ctx:       sctx,
		cancel:    cancel,
		active:    true,
		state:     StateListening,
		notify:    make(chan struct{}, 1),
	}

	asrCfg := cfg.ASR
	asrCfg.SessionID = id
	llmCfg := cfg.LLM
	llmCfg.SessionID = id
	ttsCfg := cfg.TTS
	ttsCfg.SessionID = id
	rec := recorder{s: s}
	s.asr = stream.NewASR(c.providers.STT, &transcriptSink{s: s}, rec, asrCfg)
	s.llm = stream.NewLLM(c.providers.LLM, rec, llmCfg)
	s.tts = stream.NewTTS(c.providers.TTS, rec, ttsCfg)

	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	c.sessions[id] = s
	c.mu.Unlock()

	c.stats.CreateSession(id)
	c.metrics.ActiveSessions.Add(ctx, 1)

	s.asr.Start(sctx)
	s.ctrl.Lock()
	s.startSynthesisLocked()
	s.ctrl.Unlock()

	slog.Info("pipeline: session created", "session_id", id)
	return s, nil
}

// Config returns the configuration new sessions are created with.
func (c *Coordinator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig replaces the configuration for sessions created afterwards.
// Live sessions keep the configuration they were created with.
func (c *Coordinator) SetConfig(cfg Config) {
	cfg.applyDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Session returns the live session with the given id.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Coordinator) lookup(id string) (*Session, error) {
	s, ok := c.Session(id)
	if !ok || !s.isActive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionGone, id)
	}
	return s, nil
}

// Sessions returns snapshots of all live sessions.
func (c *Coordinator) Sessions() []Snapshot {
	c.mu.RLock()
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}

// Snapshot reports the state of one session.
func (c *Coordinator) Snapshot(id string) (Snapshot, error) {
	s, ok := c.Session(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionGone, id)
	}
	return s.Snapshot(), nil
}

// PushFrame hands one PCM16LE frame to the session's ASR. It never blocks and
// reports false when the frame was dropped on a full intake queue.
func (c *Coordinator) PushFrame(id string, frame []byte) (bool, error) {
	s, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	return s.asr.PushFrame(frame), nil
}

// EndOfSpeech marks the end of the current utterance. The session's ASR
// transcribes what is buffered after the frames already pushed and emits the
// final transcript. EndOfSpeech does not wait for that to happen, so the
// caller may keep pushing frames.
func (c *Coordinator) EndOfSpeech(_ context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := s.asr.EndUtterance(); err != nil {
		return fmt.Errorf("pipeline: end of speech: %w", err)
	}
	return nil
}

// FlushSpeech is [Coordinator.EndOfSpeech] that waits until the final
// transcript has been handled, ctx is done or the session stops. It is meant
// for a disconnecting client whose remaining audio must be transcribed before
// [Coordinator.CleanupSession].
func (c *Coordinator) FlushSpeech(ctx context.Context, id string) (err error) {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	ctx, span := observe.StartSessionSpan(ctx, c.tracer, "pipeline.flush_speech", id)
	defer func() { observe.EndSpan(span, err) }()

	if err := s.asr.Flush(ctx); err != nil {
		return fmt.Errorf("pipeline: flush speech: %w", err)
	}
	return nil
}

// HandleTranscript processes a transcript for the session as if its ASR had
// produced it.
func (c *Coordinator) HandleTranscript(ctx context.Context, id string, tr stream.Transcript) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.handleTranscript(ctx, s, tr)
}

// handleTranscript forwards partials and turns a final into a generation.
func (c *Coordinator) handleTranscript(ctx context.Context, s *Session, tr stream.Transcript) error {
	text := strings.TrimSpace(tr.Text)

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrSessionGone
	}
	if !tr.IsFinal {
		s.utter.add(text)
		s.mu.Unlock()
		if text == "" {
			return nil
		}
		ev := NewEvent(EventASRPartial, s.id)
		ev.Text = text
		s.publish(ctx, ev, true)
		return nil
	}
	assembled := s.utter.take()
	s.mu.Unlock()

	if text == "" {
		text = assembled
	}
	if text == "" {
		return nil
	}

	ev := NewEvent(EventASRFinal, s.id)
	ev.Text = text
	ev.IsFinal = true
	s.publish(ctx, ev, true)
	ev.Type = EventTranscription
	s.publish(ctx, ev, true)

	return c.onFinal(ctx, s, text)
}

func (c *Coordinator) onFinal(ctx context.Context, s *Session, text string) error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.mu.Lock()
	active := s.active
	busy := s.generation != nil || s.agentSpeaking || len(s.pending) > 0
	s.mu.Unlock()
	if !active {
		return ErrSessionGone
	}
	if busy {
		if !s.cfg.BargeInOnFinal {
			slog.Warn("pipeline: final transcript while responding, dropped", "session_id", s.id)
			return nil
		}
		c.bargeInLocked(ctx, s)
	}

	s.mu.Lock()
	s.lastFinalAt = time.Now()
	s.mu.Unlock()
	s.startGenerationLocked(text)
	return nil
}

// HandleBargeIn interrupts the session's response. When it returns the
// response queue is empty, the agent is not speaking and no further frame of
// the interrupted response will be published.
func (c *Coordinator) HandleBargeIn(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.ctrl.Lock()
	defer s.ctrl.Unlock()
	if !s.isActive() {
		return fmt.Errorf("%w: %s", ErrSessionGone, id)
	}
	c.bargeInLocked(ctx, s)
	return nil
}

// bargeInLocked stops synthesis, then generation, waiting for each, before it
// drains the queue. Caller holds s.ctrl.
func (c *Coordinator) bargeInLocked(ctx context.Context, s *Session) {
	ctx, span := observe.StartSessionSpan(ctx, c.tracer, "pipeline.barge_in", s.id)
	defer span.End()

	s.mu.Lock()
	s.state = StateInterrupted
	synth, gen := s.synthesis, s.generation
	s.synthesis, s.generation = nil, nil
	s.mu.Unlock()

	synth.stop()
	gen.stop()

	s.mu.Lock()
	dropped := len(s.pending)
	s.pending = nil
	select {
	case <-s.notify:
	default:
	}
	s.agentSpeaking = false
	s.synthesizing = false
	s.genSeq++
	s.bargeIns++
	s.state = StateListening
	active := s.active
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("dropped_responses", dropped))
	c.stats.RecordBargeIn(s.id)
	c.metrics.BargeIns.Add(ctx, 1)
	observe.Logger(ctx).Info("pipeline: barge-in", "session_id", s.id, "dropped_responses", dropped)

	ev := NewEvent(EventAgentInterrupted, s.id)
	ev.Dropped = dropped
	s.publish(ctx, ev, true)

	if active {
		s.startSynthesisLocked()
	}
}

// ClearHistory resets the session's conversation history.
func (c *Coordinator) ClearHistory(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.llm.ClearHistory()
	s.publish(ctx, NewEvent(EventHistoryCleared, s.id), true)
	return nil
}

// CleanupSession tears the session down: it stops the ASR, cancels and awaits
// every task, finalizes statistics and removes the session.
func (c *Coordinator) CleanupSession(ctx context.Context, id string) error {
	s, ok := c.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionGone, id)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionGone, id)
	}
	s.active = false
	s.mu.Unlock()

	// The ASR consumer may be inside onFinal waiting for ctrl, so it is
	// stopped before ctrl is taken.
	s.asr.Stop()

	s.ctrl.Lock()
	s.mu.Lock()
	synth, gen := s.synthesis, s.generation
	s.synthesis, s.generation = nil, nil
	s.mu.Unlock()
	synth.stop()
	gen.stop()
	s.cancel()
	s.mu.Lock()
	s.pending = nil
	s.agentSpeaking = false
	s.synthesizing = false
	s.state = StateListening
	s.mu.Unlock()
	s.ctrl.Unlock()

	if err := c.stats.FinalizeSession(ctx, id); err != nil {
		slog.Error("pipeline: finalize session stats", "session_id", id, "err", err)
	}
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()

	slog.Info("pipeline: session cleaned up", "session_id", id)
	return nil
}

// Shutdown cleans up every live session concurrently.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.CleanupSession(gctx, id); err != nil && !errors.Is(err, ErrSessionGone) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// ─── Measurements ────────────────────────────────────────────────────────────

func (c *Coordinator) recordStage(ctx context.Context, id string, stage stream.Stage, latency time.Duration, err error) {
	c.stats.RecordStage(id, stage, latency, err)
	c.metrics.RecordStage(ctx, string(stage), latency, err)

	var provider, kind string
	switch stage {
	case stream.StageASR:
		provider, kind = c.providers.STTName, "stt"
	case stream.StageLLM:
		provider, kind = c.providers.LLMName, "llm"
	case stream.StageTTS:
		provider, kind = c.providers.TTSName, "tts"
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, provider, kind)
	}
	c.metrics.RecordProviderRequest(ctx, provider, kind, status)
}

func (c *Coordinator) recordDroppedFrame(ctx context.Context, id string) {
	c.stats.RecordDroppedFrame(id)
	c.metrics.DroppedFrames.Add(ctx, 1)
}

func (c *Coordinator) recordE2E(ctx context.Context, id string, d time.Duration) {
	c.stats.RecordE2E(id, d)
	c.metrics.E2EDuration.Record(ctx, d.Seconds())
}
