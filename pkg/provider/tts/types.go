package tts

// VoiceProfile describes a TTS voice and the per-utterance delivery settings
// applied to it.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 language tag the voice speaks, if known.
	Language string

	// Gender is the voice gender label reported by the provider ("female",
	// "male", "neutral"), if known.
	Gender string

	// Accent is the accent label reported by the provider, if known.
	Accent string

	// PitchShift adjusts pitch as a multiplier (1.0 = default, 0 = unset).
	PitchShift float64

	// SpeedFactor adjusts speaking rate as a multiplier (1.0 = default, 0 = unset).
	SpeedFactor float64

	// SampleRate is the requested PCM output rate in Hz. Zero selects
	// [DefaultSampleRate].
	SampleRate int

	// Metadata holds remaining provider-specific voice attributes.
	Metadata map[string]string
}

// OutputRate returns the effective output sample rate for v.
func (v VoiceProfile) OutputRate() int {
	if v.SampleRate > 0 {
		return v.SampleRate
	}
	return DefaultSampleRate
}
