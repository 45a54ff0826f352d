package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged reports a change of the listening session defaults. The
	// next session picks them up.
	VoiceChanged bool

	// SpeechChanged reports a new default persona or voice map.
	SpeechChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (providers, activity, server address).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.SpeechChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Voice, new.Voice) {
		d.VoiceChanged = true
	}

	if old.Speech.DefaultPersona != new.Speech.DefaultPersona || !maps.Equal(old.Speech.VoiceMap, new.Speech.VoiceMap) {
		d.SpeechChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Activity != new.Activity {
		d.RestartRequired = append(d.RestartRequired, "activity")
	}

	return d
}
