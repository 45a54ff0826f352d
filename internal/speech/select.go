package speech

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// personaMatchThreshold is the Jaro-Winkler score above which a voice name
// counts as a persona hint.
const personaMatchThreshold = 0.88

// Characteristics describe how the caller wants an utterance to sound.
type Characteristics struct {
	// Model is the engine model identifier, if the provider uses one.
	Model string

	// VoiceID selects a voice explicitly. It wins over every other hint.
	VoiceID string

	// Persona selects base prosody and a preferred voice.
	Persona Persona

	// Encoding is the requested output encoding. Only "linear16" is produced.
	Encoding string

	// SampleRate is the output rate in Hz. Zero selects tts.DefaultSampleRate.
	SampleRate int

	// Gender, Accent and Language narrow the voice choice.
	Gender   string
	Accent   string
	Language string

	// Rate and Pitch are caller multipliers. Zero is neutral.
	Rate  float64
	Pitch float64
}

// SelectVoice picks the best voice from voices. Preference order: the
// explicit VoiceID, a voice whose name fuzzily matches the persona, a voice
// of the requested (or persona) gender, a voice for the requested language
// and accent, the first voice. It returns false only for an empty catalogue.
func SelectVoice(voices []tts.VoiceProfile, c Characteristics) (tts.VoiceProfile, bool) {
	if len(voices) == 0 {
		return tts.VoiceProfile{}, false
	}
	if c.VoiceID != "" {
		for _, v := range voices {
			if v.ID == c.VoiceID {
				return v, true
			}
		}
	}

	prof := c.Persona.profile()
	if v, ok := byPersona(voices, prof.voiceHints); ok {
		return v, true
	}

	gender := strings.ToLower(c.Gender)
	if gender == "" {
		gender = prof.gender
	}
	if gender != "" {
		var candidates []tts.VoiceProfile
		for _, v := range voices {
			if voiceGender(v) == gender {
				candidates = append(candidates, v)
			}
		}
		if len(candidates) > 0 {
			if v, ok := byLanguage(candidates, c.Language, c.Accent); ok {
				return v, true
			}
			return candidates[0], true
		}
	}

	if v, ok := byLanguage(voices, c.Language, c.Accent); ok {
		return v, true
	}
	return voices[0], true
}

// byPersona returns the voice with the best name score against hints.
// Earlier hints win ties.
func byPersona(voices []tts.VoiceProfile, hints []string) (tts.VoiceProfile, bool) {
	var (
		best  tts.VoiceProfile
		score float64
	)
	for _, hint := range hints {
		for _, v := range voices {
			name := strings.ToLower(firstWord(v.Name))
			if name == "" {
				continue
			}
			if s := matchr.JaroWinkler(hint, name, false); s > score {
				best, score = v, s
			}
		}
		if score >= 0.99 {
			break
		}
	}
	return best, score >= personaMatchThreshold
}

// byLanguage returns the first voice speaking lang, preferring one with the
// requested accent.
func byLanguage(voices []tts.VoiceProfile, lang, accent string) (tts.VoiceProfile, bool) {
	if lang == "" && accent == "" {
		return tts.VoiceProfile{}, false
	}
	base := primaryTag(lang)
	var fallback *tts.VoiceProfile
	for i, v := range voices {
		langOK := base == "" || primaryTag(v.Language) == base
		if !langOK {
			continue
		}
		if accent == "" || strings.EqualFold(v.Accent, accent) || strings.EqualFold(v.Language, lang) {
			return v, true
		}
		if fallback == nil {
			fallback = &voices[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return tts.VoiceProfile{}, false
}

// voiceGender returns the lowercase gender label, falling back to keywords in
// the voice name.
func voiceGender(v tts.VoiceProfile) string {
	if v.Gender != "" {
		return strings.ToLower(v.Gender)
	}
	name := strings.ToLower(v.Name)
	switch {
	case strings.Contains(name, "female"), strings.Contains(name, "woman"):
		return "female"
	case strings.Contains(name, "male"), strings.Contains(name, "man"):
		return "male"
	}
	return ""
}

func primaryTag(lang string) string {
	tag, _, _ := strings.Cut(strings.ToLower(lang), "-")
	return tag
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " -_("); i > 0 {
		return s[:i]
	}
	return s
}
