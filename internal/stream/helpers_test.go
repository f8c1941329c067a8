package stream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/stream"
)

// transcriptSink collects transcripts and signals each one on ch.
type transcriptSink struct {
	mu  sync.Mutex
	got []stream.Transcript
	ch  chan stream.Transcript
}

func newTranscriptSink() *transcriptSink {
	return &transcriptSink{ch: make(chan stream.Transcript, 64)}
}

func (s *transcriptSink) OnTranscript(_ context.Context, t stream.Transcript) {
	s.mu.Lock()
	s.got = append(s.got, t)
	s.mu.Unlock()
	select {
	case s.ch <- t:
	default:
	}
}

func (s *transcriptSink) all() []stream.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Transcript(nil), s.got...)
}

func (s *transcriptSink) wait(t *testing.T, d time.Duration) stream.Transcript {
	t.Helper()
	select {
	case tr := <-s.ch:
		return tr
	case <-time.After(d):
		t.Fatalf("no transcript within %v", d)
		return stream.Transcript{}
	}
}

// responseSink records tokens and completions. If rejectWith is set,
// OnComplete returns it.
type responseSink struct {
	mu         sync.Mutex
	tokens     []string
	completes  []string
	rejectWith error
	firstToken chan struct{}
	once       sync.Once
}

func newResponseSink() *responseSink {
	return &responseSink{firstToken: make(chan struct{})}
}

func (s *responseSink) OnToken(_ context.Context, acc string) {
	s.mu.Lock()
	s.tokens = append(s.tokens, acc)
	s.mu.Unlock()
	s.once.Do(func() { close(s.firstToken) })
}

func (s *responseSink) OnComplete(_ context.Context, full string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, full)
	return s.rejectWith
}

func (s *responseSink) snapshot() (tokens, completes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...), append([]string(nil), s.completes...)
}

// audioSink records frames and skipped segments.
type audioSink struct {
	mu      sync.Mutex
	frames  []stream.Frame
	errs    map[int]error
	onFrame func(stream.Frame)
}

func newAudioSink() *audioSink {
	return &audioSink{errs: map[int]error{}}
}

func (s *audioSink) OnAudio(_ context.Context, f stream.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	cb := s.onFrame
	s.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (s *audioSink) OnSegmentError(_ context.Context, segment int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[segment] = err
}

func (s *audioSink) snapshot() ([]stream.Frame, map[int]error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make(map[int]error, len(s.errs))
	for k, v := range s.errs {
		errs[k] = v
	}
	return append([]stream.Frame(nil), s.frames...), errs
}

// countingRecorder counts stage records and dropped frames.
type countingRecorder struct {
	mu      sync.Mutex
	stages  map[stream.Stage]int
	failed  map[stream.Stage]int
	dropped int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{stages: map[stream.Stage]int{}, failed: map[stream.Stage]int{}}
}

func (r *countingRecorder) RecordStage(stage stream.Stage, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
	if err != nil {
		r.failed[stage]++
	}
}

func (r *countingRecorder) RecordDroppedFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *countingRecorder) counts(stage stream.Stage) (total, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[stage], r.failed[stage]
}
