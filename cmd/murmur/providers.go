package main

import (
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/deepgram"
	"github.com/MrWong99/murmur/pkg/provider/stt/whisper"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/tts/coqui"
	"github.com/MrWong99/murmur/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	"github.com/MrWong99/murmur/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms := optInt(entry.Options, "no_speech_timeout_ms"); ms > 0 {
			opts = append(opts, whisper.WithNoSpeechTimeoutMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		if ms := optInt(entry.Options, "no_speech_timeout_ms"); ms > 0 {
			opts = append(opts, whisper.WithNativeNoSpeechTimeoutMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if ws, rest := optString(entry.Options, "ws_base_url"), entry.BaseURL; ws != "" && rest != "" {
			opts = append(opts, elevenlabs.WithBaseURLs(ws, rest))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if s := optInt(entry.Options, "timeout_s"); s > 0 {
			opts = append(opts, coqui.WithTimeout(time.Duration(s)*time.Second))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "start_frames"); n > 0 {
			opts = append(opts, energy.WithStartFrames(n))
		}
		if n := optInt(entry.Options, "end_frames"); n > 0 {
			opts = append(opts, energy.WithEndFrames(n))
		}
		return energy.New(opts...), nil
	})

	for slot, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "slot", slot, "name", name)
		}
	}
}

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML
// decodes plain numbers as int; floats are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
