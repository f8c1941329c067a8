package tts

import "strings"

// VoiceProfile selects the voice a segment is spoken with.
type VoiceProfile struct {
	// ID is the provider-specific voice or speaker identifier.
	ID string

	// Description is a natural-language rendering of the voice, used by
	// description-conditioned models such as Parler-TTS.
	Description string

	// Language is the ISO-639-1 language of the text ("en").
	Language string
}

// DefaultVoice is the preset used when no voice is configured.
const DefaultVoice = "female"

// presets maps the named voices to Parler-style descriptions.
var presets = map[string]string{
	"female":        "Lea's voice is warm and clear, delivering her words in a friendly manner with good audio quality.",
	"male":          "Jon's voice is monotone yet slightly fast in delivery, with a very close recording that almost has no background noise.",
	"female_casual": "Jenny's voice is casual and friendly, speaking naturally with a warm conversational tone.",
	"male_casual":   "Gary's voice is casual and relaxed, speaking naturally with a conversational tone.",
	"friendly":      "A speaker with a bright, upbeat voice talks in a cheerful and friendly manner with clear audio quality.",
	"neutral":       "A speaker with a calm, even voice delivers the words at a moderate pace with very clear audio quality.",
	"professional":  "A speaker with a composed, confident voice delivers the words precisely in a quiet room with studio audio quality.",
}

// Voice resolves a named voice into a profile. Unknown names keep name as the
// speaker ID and fall back to the default description, so a backend-specific
// speaker can still be selected by name.
func Voice(name, language string) VoiceProfile {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultVoice
	}
	desc, ok := presets[key]
	if !ok {
		desc = presets[DefaultVoice]
	}
	return VoiceProfile{ID: key, Description: desc, Language: language}
}
