package stream

import (
	"strings"
	"unicode"
)

// DefaultSegmentChars is the default target segment size. It is roughly two
// or three average spoken sentences.
const DefaultSegmentChars = 100

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// Runs of terminal punctuation ("?!", "...") stay with their sentence. Blank
// sentences are dropped.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminal(runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
			out = append(out, s)
		}
		start = j + 1
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Segment groups the sentences of text into ordered segments of about target
// characters. Adjacent sentences are joined while the result stays within
// target; a sentence is never split, so a single long sentence forms its own
// segment. A target of zero or less uses [DefaultSegmentChars].
func Segment(text string, target int) []string {
	if target <= 0 {
		target = DefaultSegmentChars
	}
	var (
		segments []string
		cur      strings.Builder
	)
	for _, s := range Sentences(text) {
		if cur.Len() > 0 && cur.Len()+1+len(s) > target {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
