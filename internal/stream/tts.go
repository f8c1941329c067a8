package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var errNoAudio = errors.New("stream: provider returned no audio")

// DefaultFrame is the default duration of one emitted audio frame.
const DefaultFrame = 20 * time.Millisecond

// TTSConfig configures a [TTS].
type TTSConfig struct {
	// SessionID labels log lines.
	SessionID string

	// SampleRate is the rate frames are emitted at. Provider audio at another
	// rate is resampled. Default 16000.
	SampleRate int

	// Frame is the duration of one emitted frame and the pacing interval.
	// Default 20 ms.
	Frame time.Duration

	// SegmentChars is the target segment size. Default 100.
	SegmentChars int

	// Voice is passed to the provider for every segment.
	Voice tts.VoiceProfile
}

// TTS turns a response into paced audio frames.
//
// The provider is expected to handle retries and failover itself, usually a
// [resilience.TTSFallback]; a provider error here means every option was
// exhausted for that segment.
type TTS struct {
	provider tts.Provider
	rec      Recorder
	cfg      TTSConfig

	frameBytes int
}

// NewTTS creates a TTS. rec may be nil.
func NewTTS(provider tts.Provider, rec Recorder, cfg TTSConfig) *TTS {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Frame <= 0 {
		cfg.Frame = DefaultFrame
	}
	if cfg.SegmentChars <= 0 {
		cfg.SegmentChars = DefaultSegmentChars
	}
	return &TTS{
		provider:   provider,
		rec:        recorderOrNop(rec),
		cfg:        cfg,
		frameBytes: max(1, audio.SamplesFor(cfg.SampleRate, cfg.Frame)) * audio.BytesPerSample,
	}
}

// FrameBytes returns the size of one emitted frame.
func (t *TTS) FrameBytes() int {
	return t.frameBytes
}

// Process synthesizes text segment by segment and streams the frames into
// sink. Segments are handled strictly in order; the next segment is not
// requested before every frame of the previous one was emitted. A segment
// whose synthesis or decoding fails is reported through
// [AudioSink.OnSegmentError] and skipped.
//
// Process returns nil after the last segment, or ctx.Err() when cancelled.
func (t *TTS) Process(ctx context.Context, text string, sink AudioSink) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for i, seg := range Segment(text, t.cfg.SegmentChars) {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := i + 1

		start := time.Now()
		pcm, err := t.synthesize(ctx, seg)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			err = fmt.Errorf("%w: segment %d: %w", ErrSynthesisFailed, idx, err)
			t.rec.RecordStage(StageTTS, time.Since(start), err)
			slog.Error("tts: skipping segment",
				"session_id", t.cfg.SessionID,
				"segment", idx,
				"chars", len(seg),
				"err", err,
			)
			sink.OnSegmentError(ctx, idx, err)
			continue
		}
		t.rec.RecordStage(StageTTS, time.Since(start), nil)

		if err := t.emit(ctx, pcm, idx, sink); err != nil {
			return err
		}
	}
	return nil
}

// synthesize fetches one segment and converts it to mono PCM at the output
// rate.
func (t *TTS) synthesize(ctx context.Context, text string) ([]byte, error) {
	wav, err := t.provider.Synthesize(ctx, text, t.cfg.Voice)
	if err != nil {
		return nil, err
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm, err = audio.ToMono16(pcm, format, t.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errNoAudio
	}
	return pcm, nil
}

// emit slices pcm into frames and delivers them one frame duration apart.
func (t *TTS) emit(ctx context.Context, pcm []byte, segment int, sink AudioSink) error {
	frames := audio.SplitFrames(pcm, t.frameBytes)
	ticker := time.NewTicker(t.cfg.Frame)
	defer ticker.Stop()

	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.OnAudio(ctx, Frame{Data: f, Segment: segment, Index: i})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
