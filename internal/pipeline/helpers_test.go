package pipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/stream"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const testRate = 16000

// published is one event seen by recPublisher.
type published struct {
	ev       pipeline.Event
	reliable bool
}

// recPublisher decodes and records every published event.
type recPublisher struct {
	mu   sync.Mutex
	got  []published
	ch   chan pipeline.Event
	fail error
}

func newRecPublisher() *recPublisher {
	return &recPublisher{ch: make(chan pipeline.Event, 4096)}
}

func (p *recPublisher) Publish(_ context.Context, payload []byte, reliable bool) error {
	var ev pipeline.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.got = append(p.got, published{ev: ev, reliable: reliable})
	fail := p.fail
	p.mu.Unlock()
	select {
	case p.ch <- ev:
	default:
	}
	return fail
}

func (p *recPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

func (p *recPublisher) ofType(typ pipeline.EventType) []pipeline.Event {
	var out []pipeline.Event
	for _, e := range p.all() {
		if e.ev.Type == typ {
			out = append(out, e.ev)
		}
	}
	return out
}

func (p *recPublisher) count(typ pipeline.EventType) int {
	return len(p.ofType(typ))
}

// waitFor blocks until an event of type typ is published.
func (p *recPublisher) waitFor(t *testing.T, typ pipeline.EventType, d time.Duration) pipeline.Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-p.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", typ, d)
			return pipeline.Event{}
		}
	}
}

// firstIndex returns the position of the first event of type typ, or -1.
func (p *recPublisher) firstIndex(typ pipeline.EventType) int {
	for i, e := range p.all() {
		if e.ev.Type == typ {
			return i
		}
	}
	return -1
}

// fakeStats records calls from the coordinator.
type fakeStats struct {
	mu        sync.Mutex
	created   []string
	finalized []string
	stages    map[stream.Stage]int
	e2e       []time.Duration
	bargeIns  int
	dropped   int
}

func newFakeStats() *fakeStats {
	return &fakeStats{stages: make(map[stream.Stage]int)}
}

func (s *fakeStats) CreateSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, id)
}

func (s *fakeStats) RecordStage(_ string, stage stream.Stage, _ time.Duration, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage]++
}

func (s *fakeStats) RecordE2E(_ string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.e2e = append(s.e2e, d)
}

func (s *fakeStats) RecordBargeIn(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bargeIns++
}

func (s *fakeStats) RecordDroppedFrame(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *fakeStats) FinalizeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, id)
	return nil
}

func (s *fakeStats) snapshot() fakeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stages := make(map[stream.Stage]int, len(s.stages))
	for k, v := range s.stages {
		stages[k] = v
	}
	return fakeStats{
		created:   append([]string(nil), s.created...),
		finalized: append([]string(nil), s.finalized...),
		stages:    stages,
		e2e:       append([]time.Duration(nil), s.e2e...),
		bargeIns:  s.bargeIns,
		dropped:   s.dropped,
	}
}

// overlapLLM wraps a provider and counts stream requests issued while an
// earlier request of the same coordinator was still live.
type overlapLLM struct {
	inner llm.Provider

	mu       sync.Mutex
	live     []context.Context
	overlaps atomic.Int32
}

func (o *overlapLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	o.mu.Lock()
	for _, prev := range o.live {
		if prev.Err() == nil {
			o.overlaps.Add(1)
		}
	}
	o.live = append(o.live, ctx)
	o.mu.Unlock()
	return o.inner.StreamCompletion(ctx, req)
}

// testConfig returns a coordinator config with short frames and a fast poll.
func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ASR = stream.ASRConfig{SampleRate: testRate}
	cfg.TTS = stream.TTSConfig{
		SampleRate:   testRate,
		Frame:        5 * time.Millisecond, // 160 bytes
		SegmentChars: 100,
		Voice:        tts.Voice("female", "en"),
	}
	return cfg
}

// toneWAV returns a mono WAV of d at testRate.
func toneWAV(d time.Duration) []byte {
	n := audio.SamplesFor(testRate, d)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16((i%40)*500 - 10000)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return audio.EncodeWAV(pcm, audio.Format{SampleRate: testRate, Channels: 1})
}

func newCoordinator(t *testing.T, s stt.Provider, l llm.Provider, tp tts.Provider, cfg pipeline.Config, opts ...pipeline.Option) *pipeline.Coordinator {
	t.Helper()
	c := pipeline.NewCoordinator(pipeline.Providers{STT: s, LLM: l, TTS: tp}, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return c
}

// eventually polls cond until it holds or d elapses.
func eventually(t *testing.T, d time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func final(text string) stream.Transcript {
	return stream.Transcript{Text: text, IsFinal: true, At: time.Now()}
}

func partial(text string) stream.Transcript {
	return stream.Transcript{Text: text, At: time.Now()}
}
