package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/stream"
)

// State is the conversational state of a session.
type State string

const (
	StateListening   State = "LISTENING"
	StateThinking    State = "THINKING"
	StateSpeaking    State = "SPEAKING"
	StateInterrupted State = "INTERRUPTED"
)

// task is a goroutine the coordinator can cancel and join.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startTask(parent context.Context, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		fn(ctx)
	}()
	return t
}

// stop cancels the task and waits until it has returned.
func (t *task) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Session is the state of one live voice session. All mutation goes through
// the owning [Coordinator].
//
// Locking: ctrl serializes the operations that start or stop tasks (final
// transcript handling, barge-in, cleanup). mu guards the fields below it and
// is the only lock stage callbacks take, so a holder of ctrl may wait for a
// task to exit without deadlocking. ctrl is always acquired before mu.
type Session struct {
	id        string
	createdAt time.Time
	pub       Publisher
	coord     *Coordinator
	cfg       Config

	asr *stream.ASR
	llm *stream.LLM
	tts *stream.TTS

	ctx    context.Context
	cancel context.CancelFunc

	ctrl sync.Mutex

	mu               sync.Mutex
	active           bool
	state            State
	pending          []string
	notify           chan struct{}
	generation       *task
	genSeq           uint64
	synthesis        *task
	synthesizing     bool
	agentSpeaking    bool
	lastFinalAt      time.Time
	lastGenStartedAt time.Time
	bargeIns         int
	utter            utterance
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	State         State     `json:"state"`
	Pending       int       `json:"pending_responses"`
	AgentSpeaking bool      `json:"agent_speaking"`
	Generating    bool      `json:"generating"`
	Synthesizing  bool      `json:"synthesizing"`
	BargeIns      int       `json:"barge_in_count"`
	DroppedFrames int64     `json:"dropped_frames"`
	QueuedFrames  int       `json:"queued_frames"`
	CreatedAt     time.Time `json:"created_at"`
	LastFinalAt   time.Time `json:"last_transcript_final_at"`
}

// Snapshot reports the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:     s.id,
		State:         s.state,
		Pending:       len(s.pending),
		AgentSpeaking: s.agentSpeaking,
		Generating:    s.generation != nil,
		Synthesizing:  s.synthesizing,
		BargeIns:      s.bargeIns,
		DroppedFrames: s.asr.Dropped(),
		QueuedFrames:  s.asr.QueueLen(),
		CreatedAt:     s.createdAt,
		LastFinalAt:   s.lastFinalAt,
	}
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// publish encodes ev and hands it to the transport. Failures are logged; a
// closed transport is normal during teardown.
func (s *Session) publish(ctx context.Context, ev Event, reliable bool) {
	payload, err := ev.Marshal()
	if err != nil {
		slog.Error("pipeline: encode event", "session_id", s.id, "type", ev.Type, "err", err)
		return
	}
	if err := s.pub.Publish(ctx, payload, reliable); err != nil {
		slog.Debug("pipeline: publish failed", "session_id", s.id, "type", ev.Type, "err", err)
	}
}

// settle returns the session to LISTENING when nothing is in flight.
// Caller holds s.mu.
func (s *Session) settleLocked() {
	switch {
	case s.generation != nil:
		s.state = StateThinking
	case s.agentSpeaking:
		s.state = StateSpeaking
	default:
		s.state = StateListening
	}
}

// ─── Generation ──────────────────────────────────────────────────────────────

// startGenerationLocked spawns the generation task for text. Caller holds
// s.ctrl and has made sure no generation is running.
func (s *Session) startGenerationLocked(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genSeq++
	seq := s.genSeq
	s.lastGenStartedAt = time.Now()
	s.state = StateThinking
	var t *task
	t = startTask(s.ctx, func(ctx context.Context) {
		s.runGeneration(ctx, seq, text)
		s.mu.Lock()
		if s.generation == t {
			s.generation = nil
			s.settleLocked()
		}
		s.mu.Unlock()
	})
	s.generation = t
}

func (s *Session) runGeneration(ctx context.Context, seq uint64, text string) {
	ctx, span := observe.StartSessionSpan(ctx, s.coord.tracer, "pipeline.generate", s.id,
		attribute.Int("input_chars", len(text)))
	sink := &responseSink{s: s, seq: seq}
	reply, err := s.llm.Generate(ctx, text, sink)
	span.SetAttributes(attribute.Int("reply_chars", len(reply)))

	log := observe.Logger(ctx)
	switch {
	case ctx.Err() != nil:
		log.Debug("pipeline: generation cancelled", "session_id", s.id)
		err = ctx.Err()
	case errors.Is(err, ErrSessionGone), errors.Is(err, errSuperseded):
		log.Debug("pipeline: response discarded", "session_id", s.id, "err", err)
		err = nil
	case err != nil:
		log.Error("pipeline: generation failed", "session_id", s.id, "err", err)
		s.publish(ctx, ErrorEvent(s.id, "response generation failed"), true)
	}
	observe.EndSpan(span, err)
}

// responseSink binds LLM output to one generation of one session. Output of a
// superseded or cancelled generation is discarded.
type responseSink struct {
	s   *Session
	seq uint64
}

func (r *responseSink) current(ctx context.Context) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.active && r.s.genSeq == r.seq && ctx.Err() == nil
}

func (r *responseSink) OnToken(ctx context.Context, accumulated string) {
	if !r.current(ctx) {
		slog.Debug("pipeline: dropping token of stale generation", "session_id", r.s.id)
		return
	}
	ev := NewEvent(EventLLMPartial, r.s.id)
	ev.Text = accumulated
	r.s.publish(ctx, ev, true)
}

// OnComplete queues the response for synthesis and reports the end-to-end
// latency. The check and the enqueue happen under one lock so a concurrent
// barge-in either sees the queued response or rejects it here.
func (r *responseSink) OnComplete(ctx context.Context, full string) error {
	s := r.s
	s.mu.Lock()
	if !s.active || ctx.Err() != nil {
		s.mu.Unlock()
		return ErrSessionGone
	}
	if s.genSeq != r.seq {
		s.mu.Unlock()
		return errSuperseded
	}
	e2e := time.Since(s.lastFinalAt)
	queued := false
	if text := strings.TrimSpace(full); text != "" {
		s.pending = append(s.pending, text)
		s.agentSpeaking = true
		s.state = StateSpeaking
		queued = true
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	ev := NewEvent(EventLLMFinal, s.id)
	ev.Text = full
	ev.IsFinal = true
	ev.LatencyMS = e2e.Milliseconds()
	s.publish(ctx, ev, true)
	if queued {
		s.coord.recordE2E(ctx, s.id, e2e)
	}
	return nil
}

// ─── Synthesis ───────────────────────────────────────────────────────────────

// startSynthesisLocked starts the synthesis consumer. Caller holds s.ctrl.
func (s *Session) startSynthesisLocked() {
	t := startTask(s.ctx, s.runSynthesis)
	s.mu.Lock()
	s.synthesis = t
	s.mu.Unlock()
}

// runSynthesis drains pending responses one at a time until cancelled. The
// poll interval only bounds how long an idle consumer goes without checking
// that the session is still active.
func (s *Session) runSynthesis(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	sink := &audioSink{s: s, rate: s.cfg.TTS.SampleRate}

	for {
		text, ok := s.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			case <-poll.C:
				if !s.isActive() {
					return
				}
			}
			continue
		}

		ev := NewEvent(EventResponse, s.id)
		ev.Text = text
		s.publish(ctx, ev, true)

		spanCtx, span := observe.StartSessionSpan(ctx, s.coord.tracer, "pipeline.synthesize", s.id,
			attribute.Int("text_chars", len(text)))
		err := s.tts.Process(spanCtx, text, sink)
		if ctx.Err() != nil {
			observe.EndSpan(span, ctx.Err())
		} else {
			observe.EndSpan(span, err)
		}

		s.mu.Lock()
		s.synthesizing = false
		if ctx.Err() == nil && len(s.pending) == 0 {
			s.agentSpeaking = false
			s.settleLocked()
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			observe.Logger(spanCtx).Error("pipeline: synthesis failed", "session_id", s.id, "err", err)
		}
	}
}

func (s *Session) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.pending) == 0 {
		return "", false
	}
	text := s.pending[0]
	s.pending[0] = ""
	s.pending = s.pending[1:]
	s.synthesizing = true
	s.state = StateSpeaking
	return text, true
}

type audioSink struct {
	s    *Session
	rate int
}

func (a *audioSink) OnAudio(ctx context.Context, f stream.Frame) {
	if ctx.Err() != nil || !a.s.isActive() {
		return
	}
	ev := NewEvent(EventTTSChunk, a.s.id)
	ev.Audio = f.Data
	ev.SampleRate = a.rate
	ev.Segment = f.Segment
	idx := f.Index
	ev.Frame = &idx
	a.s.publish(ctx, ev, false)
}

func (a *audioSink) OnSegmentError(ctx context.Context, segment int, err error) {
	if ctx.Err() != nil || !a.s.isActive() {
		return
	}
	ev := ErrorEvent(a.s.id, "speech synthesis failed, segment skipped")
	ev.Segment = segment
	a.s.publish(ctx, ev, true)
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

type transcriptSink struct {
	s *Session
}

func (t *transcriptSink) OnTranscript(ctx context.Context, tr stream.Transcript) {
	if err := t.s.coord.handleTranscript(ctx, t.s, tr); err != nil {
		slog.Debug("pipeline: transcript ignored", "session_id", t.s.id, "err", err)
	}
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// recorder forwards stage measurements of one session to the stats collector
// and the OTel instruments.
type recorder struct {
	s *Session
}

func (r recorder) RecordStage(stage stream.Stage, latency time.Duration, err error) {
	r.s.coord.recordStage(r.s.ctx, r.s.id, stage, latency, err)
}

func (r recorder) RecordDroppedFrame() {
	r.s.coord.recordDroppedFrame(r.s.ctx, r.s.id)
}
