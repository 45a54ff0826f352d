package voice

import (
	"slices"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// VoiceConfig describes one listening session. Zero fields take the value of
// the service defaults when merged.
type VoiceConfig struct {
	Model          string
	Language       string
	SmartFormat    *bool
	InterimResults *bool
	EndpointingMs  int
	UtteranceEndMs int
	VADEvents      *bool
	Channels       int
	SampleRate     int

	// Keywords boost recognition of domain terms on paths that support it.
	Keywords []stt.KeywordBoost
}

// DefaultVoiceConfig returns the built-in session defaults.
func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		Model:          "nova-3",
		Language:       "en-US",
		SmartFormat:    new(true),
		InterimResults: new(true),
		EndpointingMs:  300,
		UtteranceEndMs: 1000,
		VADEvents:      new(false),
		Channels:       1,
		SampleRate:     16000,
	}
}

// MergeDefaults returns c with every unset field taken from defaults.
func (c VoiceConfig) MergeDefaults(defaults VoiceConfig) VoiceConfig {
	out := c
	if out.Model == "" {
		out.Model = defaults.Model
	}
	if out.Language == "" {
		out.Language = defaults.Language
	}
	if out.SmartFormat == nil {
		out.SmartFormat = defaults.SmartFormat
	}
	if out.InterimResults == nil {
		out.InterimResults = defaults.InterimResults
	}
	if out.EndpointingMs <= 0 {
		out.EndpointingMs = defaults.EndpointingMs
	}
	if out.UtteranceEndMs <= 0 {
		out.UtteranceEndMs = defaults.UtteranceEndMs
	}
	if out.VADEvents == nil {
		out.VADEvents = defaults.VADEvents
	}
	if out.Channels <= 0 {
		out.Channels = defaults.Channels
	}
	if out.SampleRate <= 0 {
		out.SampleRate = defaults.SampleRate
	}
	if out.Keywords == nil {
		out.Keywords = slices.Clone(defaults.Keywords)
	}
	return out
}

// streamConfig converts a merged config to provider options.
func (c VoiceConfig) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:     c.SampleRate,
		Channels:       c.Channels,
		Language:       c.Language,
		Model:          c.Model,
		SmartFormat:    deref(c.SmartFormat),
		InterimResults: deref(c.InterimResults),
		EndpointingMs:  c.EndpointingMs,
		UtteranceEndMs: c.UtteranceEndMs,
		VADEvents:      deref(c.VADEvents),
		Keywords:       slices.Clone(c.Keywords),
	}
}

// silenceAfter returns how long the dispatcher waits before closing an open
// turn: the endpointing window after a final event, the longer of both
// windows after an interim.
func (c VoiceConfig) silenceAfter(heardFinal bool) time.Duration {
	if heardFinal {
		return time.Duration(c.EndpointingMs) * time.Millisecond
	}
	return time.Duration(max(c.EndpointingMs, c.UtteranceEndMs)) * time.Millisecond
}

func deref(b *bool) bool { return b != nil && *b }
