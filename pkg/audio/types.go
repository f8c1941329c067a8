package audio

import "time"

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// SamplesFor returns how many samples of one channel cover d at sampleRate.
func SamplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playback length of mono 16-bit PCM at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// SplitFrames slices pcm into consecutive frames of frameBytes bytes each.
// The final frame is zero-padded to full length when pcm does not divide
// evenly. The returned frames are freshly allocated and do not alias pcm.
func SplitFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + frameBytes - 1) / frameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, pcm[off:min(off+frameBytes, len(pcm))])
		frames = append(frames, frame)
	}
	return frames
}
