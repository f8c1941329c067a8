// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a batch speech synthesis service (a Parler-TTS server, a
// Coqui/XTTS server) that turns one text segment into one encoded audio clip.
// Segmenting long responses, decoding, resampling and real-time pacing are done
// by the caller so that every backend behaves the same on the wire.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio as served by the backend, normally a WAV container.
	//
	// Transport failures and 5xx responses should be returned so that
	// provider.IsTransient reports true.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}
