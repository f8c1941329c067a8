// Package audio holds the PCM helpers shared by the pipeline and the speech
// providers: format conversion, resampling, frame splitting and WAV framing.
//
// All helpers operate on 16-bit signed little-endian samples.
package audio
