// Package stream implements the three per-session streaming stages of the
// voice pipeline:
//
//   - [ASR] buffers inbound PCM frames into overlapping windows and emits
//     partial and final transcripts.
//   - [LLM] streams a response token by token and keeps a bounded
//     conversation history.
//   - [TTS] segments response text and emits synthesized audio in
//     fixed-duration frames, paced in real time.
//
// Stages report results through small sink interfaces instead of callbacks so
// that the owner can bind them to one session. A stage never mutates session
// state itself; it only calls its sink.
//
// Every outbound inference call runs under a [resilience.RetryPolicy] and its
// own per-attempt timeout. Context cancellation is the only way to abort a
// stage; ordinary failures degrade the current window, segment or response and
// the stage keeps going.
package stream

import (
	"context"
	"errors"
	"time"
)

// ErrSynthesisFailed is reported to [AudioSink.OnSegmentError] when every TTS
// provider failed for one segment.
var ErrSynthesisFailed = errors.New("stream: synthesis failed")

// Stage names one pipeline stage in metrics and logs.
type Stage string

const (
	StageASR Stage = "asr"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// Recorder receives per-stage measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordStage reports one completed stage operation. err is nil on
	// success.
	RecordStage(stage Stage, latency time.Duration, err error)

	// RecordDroppedFrame reports an inbound frame dropped on a full queue.
	RecordDroppedFrame()
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) RecordStage(Stage, time.Duration, error) {}
func (NopRecorder) RecordDroppedFrame()                     {}

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognized text. A final transcript may be blank; it then
	// only marks the end of the utterance.
	Text string

	// IsFinal marks the end of an utterance.
	IsFinal bool

	// At is when the result was produced.
	At time.Time
}

// TranscriptSink receives transcripts from an [ASR] in window order.
type TranscriptSink interface {
	OnTranscript(ctx context.Context, t Transcript)
}

// ResponseSink receives the output of one [LLM.Generate] call.
type ResponseSink interface {
	// OnToken is called after every increment with the full text accumulated
	// so far.
	OnToken(ctx context.Context, accumulated string)

	// OnComplete is called at most once per generation with the final text.
	// Returning an error tells the stage the response was not accepted, and the
	// exchange is then left out of the conversation history.
	OnComplete(ctx context.Context, full string) error
}

// Frame is one fixed-duration slice of synthesized PCM.
type Frame struct {
	// Data is mono PCM16LE at the session sample rate. The last frame of a
	// segment is zero-padded to full length.
	Data []byte

	// Segment is the 1-based segment index within the response.
	Segment int

	// Index is the 0-based frame index within the segment.
	Index int
}

// AudioSink receives frames from a [TTS] in segment-then-frame order.
type AudioSink interface {
	OnAudio(ctx context.Context, f Frame)

	// OnSegmentError reports a segment that was skipped.
	OnSegmentError(ctx context.Context, segment int, err error)
}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}
