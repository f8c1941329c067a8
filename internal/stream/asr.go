package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ErrStopped is returned by [ASR.Flush] once the ASR has been stopped.
var ErrStopped = errors.New("stream: stage stopped")

const (
	DefaultSampleRate = 16000
	DefaultWindow     = 500 * time.Millisecond
	DefaultSlide      = 250 * time.Millisecond
	DefaultQueueSize  = 100
)

// ASRConfig configures an [ASR].
type ASRConfig struct {
	// SessionID labels log lines.
	SessionID string

	// SampleRate of the inbound mono PCM16LE frames. Default 16000.
	SampleRate int

	// Window is the duration transcribed per request. Default 500 ms.
	Window time.Duration

	// Slide is how much new audio must arrive before the next window is
	// transcribed. Default 250 ms.
	Slide time.Duration

	// QueueSize bounds the frame intake queue. Default 100.
	QueueSize int

	// Model and Language are passed to the STT provider.
	Model    string
	Language string

	// Retry wraps every transcription call. Set AttemptTimeout to bound each
	// request.
	Retry resilience.RetryPolicy
}

func (c *ASRConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Slide <= 0 {
		c.Slide = DefaultSlide
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Retry.Name == "" {
		c.Retry.Name = "asr"
	}
}

// ASR turns a stream of PCM frames into sliding-window transcripts.
//
// Frames enter through [ASR.PushFrame], which never blocks: a full intake queue
// drops the frame. A single consumer goroutine started by [ASR.Start] appends
// frames to a rolling buffer holding two windows of audio. Every time at least
// one slide of new samples has arrived and a full window is buffered, the most
// recent window is transcribed and reported as a partial transcript.
//
// Slide accounting counts samples, not frames, so frames of any size are
// handled uniformly.
type ASR struct {
	provider stt.Provider
	sink     TranscriptSink
	rec      Recorder
	cfg      ASRConfig

	windowBytes int
	slideBytes  int
	capBytes    int

	frames chan []byte

	// pushMu orders accepted frames against flush requests: a flush placed
	// after n accepted frames runs once the consumer has ingested n frames.
	pushMu   sync.Mutex
	accepted uint64
	flushes  []flushRequest
	flushSig chan struct{}

	// Consumer-owned.
	buf        []byte
	sinceSlide int
	ingested   uint64

	dropped atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type flushRequest struct {
	after uint64
	ack   chan struct{} // nil for fire-and-forget requests
}

// NewASR creates an ASR. rec may be nil.
func NewASR(provider stt.Provider, sink TranscriptSink, rec Recorder, cfg ASRConfig) *ASR {
	cfg.applyDefaults()
	window := audio.SamplesFor(cfg.SampleRate, cfg.Window) * audio.BytesPerSample
	slide := audio.SamplesFor(cfg.SampleRate, cfg.Slide) * audio.BytesPerSample
	return &ASR{
		provider:    provider,
		sink:        sink,
		rec:         recorderOrNop(rec),
		cfg:         cfg,
		windowBytes: window,
		slideBytes:  slide,
		capBytes:    2 * window,
		frames:      make(chan []byte, cfg.QueueSize),
		flushSig:    make(chan struct{}, 1),
		buf:         make([]byte, 0, 2*window),
	}
}

// Start launches the consumer goroutine. It is a no-op if the ASR is already
// running or was stopped.
func (a *ASR) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil || a.stopped {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		a.consume(ctx)
	}(a.done)
}

// Stop cancels the consumer and waits for it to exit. Any in-flight
// transcription is abandoned without emitting a transcript.
func (a *ASR) Stop() {
	a.mu.Lock()
	a.stopped = true
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PushFrame enqueues one PCM16LE frame without blocking. It reports false when
// the frame was dropped because the intake queue is full.
func (a *ASR) PushFrame(frame []byte) bool {
	if len(frame) == 0 {
		return true
	}
	a.pushMu.Lock()
	select {
	case a.frames <- frame:
		a.accepted++
		a.pushMu.Unlock()
		return true
	default:
		a.pushMu.Unlock()
		n := a.dropped.Add(1)
		a.rec.RecordDroppedFrame()
		slog.Warn("asr: intake queue full, dropping frame",
			"session_id", a.cfg.SessionID,
			"queue_size", a.cfg.QueueSize,
			"dropped_total", n,
		)
		return false
	}
}

// Dropped returns the number of frames dropped so far.
func (a *ASR) Dropped() int64 {
	return a.dropped.Load()
}

// QueueLen returns the number of frames waiting in the intake queue.
func (a *ASR) QueueLen() int {
	return len(a.frames)
}

// EndUtterance asks the consumer to end the current utterance and returns at
// once. The flush runs after every frame accepted before the call has been
// ingested and before any frame accepted after it: the remaining buffer is
// transcribed regardless of the slide boundary, a blank final transcript is
// emitted and the buffer is cleared.
func (a *ASR) EndUtterance() error {
	_, err := a.requestFlush(nil)
	return err
}

// Flush is [ASR.EndUtterance] that blocks until the flush has run, ctx is
// done or the ASR stops.
func (a *ASR) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	done, err := a.requestFlush(ack)
	if err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *ASR) requestFlush(ack chan struct{}) (<-chan struct{}, error) {
	a.mu.Lock()
	done, stopped := a.done, a.stopped
	a.mu.Unlock()
	if done == nil || stopped {
		return nil, ErrStopped
	}

	a.pushMu.Lock()
	a.flushes = append(a.flushes, flushRequest{after: a.accepted, ack: ack})
	a.pushMu.Unlock()
	select {
	case a.flushSig <- struct{}{}:
	default:
	}
	return done, nil
}

func (a *ASR) consume(ctx context.Context) {
	for {
		a.runDueFlushes(ctx)
		select {
		case <-ctx.Done():
			return
		case f := <-a.frames:
			a.ingested++
			a.ingest(ctx, f)
		case <-a.flushSig:
		}
	}
}

// runDueFlushes runs every flush request whose preceding frames have all been
// ingested.
func (a *ASR) runDueFlushes(ctx context.Context) {
	for ctx.Err() == nil {
		a.pushMu.Lock()
		if len(a.flushes) == 0 || a.flushes[0].after > a.ingested {
			a.pushMu.Unlock()
			return
		}
		req := a.flushes[0]
		a.flushes = a.flushes[1:]
		a.pushMu.Unlock()

		a.flush(ctx)
		if req.ack != nil {
			close(req.ack)
		}
	}
}

// ingest appends f to the rolling buffer and transcribes the latest window
// when a slide boundary has been crossed.
func (a *ASR) ingest(ctx context.Context, f []byte) {
	if len(f)%audio.BytesPerSample != 0 {
		slog.Warn("asr: odd byte count in frame, truncating", "session_id", a.cfg.SessionID, "bytes", len(f))
		f = f[:len(f)-1]
	}
	a.push(f)
	a.sinceSlide += len(f)

	if a.sinceSlide < a.slideBytes || len(a.buf) < a.windowBytes {
		return
	}
	a.sinceSlide = 0
	window := make([]byte, a.windowBytes)
	copy(window, a.buf[len(a.buf)-a.windowBytes:])
	a.transcribe(ctx, window)
}

// push adds f and evicts the oldest samples beyond capacity.
func (a *ASR) push(f []byte) {
	a.buf = append(a.buf, f...)
	if over := len(a.buf) - a.capBytes; over > 0 {
		n := copy(a.buf, a.buf[over:])
		a.buf = a.buf[:n]
	}
}

func (a *ASR) flush(ctx context.Context) {
	if len(a.buf) == 0 {
		return
	}
	rest := make([]byte, len(a.buf))
	copy(rest, a.buf)
	a.buf = a.buf[:0]
	a.sinceSlide = 0

	a.transcribe(ctx, rest)
	if ctx.Err() != nil {
		return
	}
	a.sink.OnTranscript(ctx, Transcript{IsFinal: true, At: time.Now()})
}

// transcribe sends one window to the provider. Failures are logged and the
// window is dropped.
func (a *ASR) transcribe(ctx context.Context, pcm []byte) {
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: a.cfg.SampleRate, Channels: 1})
	req := stt.Request{Audio: wav, Model: a.cfg.Model, Language: a.cfg.Language}

	start := time.Now()
	text, err := resilience.Retry(ctx, a.cfg.Retry, func(ctx context.Context) (string, error) {
		return a.provider.Transcribe(ctx, req)
	})
	if ctx.Err() != nil {
		return
	}
	a.rec.RecordStage(StageASR, time.Since(start), err)
	if err != nil {
		slog.Error("asr: transcription failed, dropping window",
			"session_id", a.cfg.SessionID,
			"window_ms", audio.Duration(pcm, a.cfg.SampleRate).Milliseconds(),
			"err", err,
		)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.sink.OnTranscript(ctx, Transcript{Text: text, At: time.Now()})
}
