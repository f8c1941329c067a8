// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (an OpenAI-compatible
// /audio/transcriptions endpoint, a local Whisper server) that turns one
// WAV-encoded audio window into text. Streaming behaviour, meaning overlapping
// windows and partial results, is built on top of this by the caller.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request is one transcription call.
type Request struct {
	// Audio is a complete WAV container holding mono 16-bit PCM.
	Audio []byte

	// Model overrides the provider's default model when non-empty.
	Model string

	// Language is an optional ISO-639-1 hint ("en", "de"). Empty lets the
	// model auto-detect.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognised text for req.Audio. Silence yields an
	// empty string and a nil error.
	//
	// Transport and timeout failures should be returned so that
	// provider.IsTransient reports true; rejected requests (bad model, bad
	// audio) should not.
	Transcribe(ctx context.Context, req Request) (string, error)
}
