package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/murmur/internal/speech"
)

// ValidProviderNames lists known provider names per provider slot.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt_local": {"whisper-native", "whisper"},
	"stt_cloud": {"deepgram"},
	"tts":       {"elevenlabs", "coqui"},
	"vad":       {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("stt_local", cfg.Providers.STTLocal.Name)
	validateProviderName("stt_cloud", cfg.Providers.STTCloud.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for i, e := range cfg.Providers.TTS {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts[%d].name is required", i))
			continue
		}
		validateProviderName("tts", e.Name)
	}
	if cfg.Providers.STTCloud.Name == "deepgram" && cfg.Providers.STTCloud.APIKey == "" {
		errs = append(errs, errors.New("providers.stt_cloud: deepgram requires api_key"))
	}
	if cfg.Providers.STTLocal.Name == "whisper-native" && cfg.Providers.STTLocal.Model == "" {
		errs = append(errs, errors.New("providers.stt_local: whisper-native requires model (path to a ggml model file)"))
	}

	// Voice
	v := cfg.Voice
	for _, f := range []struct {
		name  string
		value int
	}{
		{"endpointing_ms", v.EndpointingMs},
		{"utterance_end_ms", v.UtteranceEndMs},
		{"cloud_timeout_ms", v.CloudTimeoutMs},
		{"simulated_delay_ms", v.SimulatedDelayMs},
		{"restart_backoff_ms", v.RestartBackoffMs},
		{"max_restarts", v.MaxRestarts},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("voice.%s %d must not be negative", f.name, f.value))
		}
	}
	if v.Channels != 0 && v.Channels != 1 && v.Channels != 2 {
		errs = append(errs, fmt.Errorf("voice.channels %d is invalid; valid values: 1, 2", v.Channels))
	}
	if v.SampleRate != 0 && (v.SampleRate < 8000 || v.SampleRate > 48000) {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d is out of range [8000, 48000]", v.SampleRate))
	}
	for i, kw := range v.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("voice.keywords[%d].keyword is required", i))
		}
	}

	// Activity
	if t := cfg.Activity.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("activity.threshold %.3f is out of range (0, 1]", t))
	}
	if cfg.Activity.IntervalMs < 0 {
		errs = append(errs, fmt.Errorf("activity.interval_ms %d must not be negative", cfg.Activity.IntervalMs))
	}

	// Speech
	if p := cfg.Speech.DefaultPersona; p != "" {
		if _, ok := speech.ParsePersona(p); !ok {
			errs = append(errs, fmt.Errorf("speech.default_persona %q is invalid; valid values: %v", p, speech.Personas()))
		}
	}
	for name, id := range cfg.Speech.VoiceMap {
		if _, ok := speech.ParsePersona(name); !ok {
			errs = append(errs, fmt.Errorf("speech.voice_map: unknown persona %q", name))
		}
		if id == "" {
			errs = append(errs, fmt.Errorf("speech.voice_map.%s: voice id is required", name))
		}
	}

	if cfg.Providers.STTLocal.Name == "" && cfg.Providers.STTCloud.Name == "" {
		slog.Warn("no recognition provider configured; listening will use simulated transcripts")
	}
	if len(cfg.Providers.TTS) == 0 {
		slog.Warn("no tts provider configured; speech output is disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given slot.
func validateProviderName(slot, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[slot]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"slot", slot,
		"name", name,
		"known", known,
	)
}
