package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const bitsPerSample = 16

// ErrInvalidWAV is returned by DecodeWAV when the input is not a 16-bit PCM
// RIFF/WAVE container.
var ErrInvalidWAV = errors.New("audio: invalid WAV container")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container with a 44-byte header.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.SampleRate * f.Channels * bitsPerSample / 8
	blockAlign := f.Channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                   // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                    // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))     // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))   // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)        // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV walks the RIFF chunks of wav and returns the PCM payload of the
// "data" chunk together with the format declared by the "fmt " chunk. The
// returned slice aliases wav.
//
// Chunk sizes vary between encoders, so the data offset is found by walking
// chunks rather than assuming a 44-byte header. A data chunk whose declared
// size runs past the end of the buffer (common for streamed WAV output) is
// truncated to what is present.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 {
		return nil, Format{}, fmt.Errorf("%w: %d bytes is too short", ErrInvalidWAV, len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var f Format
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			fmtData := wav[offset+8:]
			if tag := binary.LittleEndian.Uint16(fmtData[0:2]); tag != 1 && tag != 0xFFFE {
				return nil, Format{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			if bps := binary.LittleEndian.Uint16(fmtData[14:16]); bps != bitsPerSample {
				return nil, Format{}, fmt.Errorf("%w: %d bits per sample, want 16", ErrInvalidWAV, bps)
			}
			f.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			start := offset + 8
			end := start + chunkSize
			if end > len(wav) || chunkSize == 0 {
				end = len(wav)
			}
			return wav[start:end], f, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
