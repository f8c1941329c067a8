package tts_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestVoice(t *testing.T) {
	t.Parallel()

	female := tts.Voice("female", "en").Description
	tests := []struct {
		name     string
		in       string
		wantID   string
		wantDesc string
	}{
		{"empty uses default", "", tts.DefaultVoice, female},
		{"case and space folded", "  Male ", "male", tts.Voice("male", "").Description},
		{"unknown keeps id", "p225", "p225", female},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := tts.Voice(tc.in, "de")
			if v.ID != tc.wantID {
				t.Errorf("ID: want %q, got %q", tc.wantID, v.ID)
			}
			if v.Description != tc.wantDesc {
				t.Errorf("Description: want %q, got %q", tc.wantDesc, v.Description)
			}
			if v.Language != "de" {
				t.Errorf("Language: want %q, got %q", "de", v.Language)
			}
		})
	}
	if female == tts.Voice("male", "").Description {
		t.Error("male and female presets must differ")
	}
}
