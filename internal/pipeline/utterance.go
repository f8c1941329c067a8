package pipeline

import (
	"strings"
	"unicode"
)

// utterance assembles the text of one user turn from overlapping window
// transcripts. Consecutive windows share audio, so the head of a new partial
// usually repeats the tail of the text collected so far; the longest such word
// overlap is merged instead of duplicated.
type utterance struct {
	words []string
}

func (u *utterance) add(text string) {
	next := strings.Fields(text)
	if len(next) == 0 {
		return
	}
	k := overlap(u.words, next)
	u.words = append(u.words, next[k:]...)
}

// take returns the assembled text and resets the buffer.
func (u *utterance) take() string {
	s := strings.Join(u.words, " ")
	u.words = nil
	return s
}

// overlap returns the largest k such that the last k words of prev equal the
// first k words of next, ignoring case and surrounding punctuation.
func overlap(prev, next []string) int {
	for k := min(len(prev), len(next)); k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if normWord(prev[len(prev)-k+i]) != normWord(next[i]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

func normWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r)
	}))
}
