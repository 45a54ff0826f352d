package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// Providers holds one value per provider slot. A nil value (or an empty TTS
// list) means the slot is not configured. Populated by [BuildProviders].
type Providers struct {
	STTLocal stt.Provider
	STTCloud stt.Provider

	// TTS lists synthesizers in failover order.
	TTS []NamedTTS

	VAD vad.Engine
}

// NamedTTS is a synthesizer together with its configured name.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// BuildProviders instantiates every provider named in cfg using reg. A name
// without a registered factory is skipped with a warning; a factory error
// is returned.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	var err error

	if ps.STTLocal, err = create("stt_local", cfg.Providers.STTLocal, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.STTCloud, err = create("stt_cloud", cfg.Providers.STTCloud, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.VAD, err = create("vad", cfg.Providers.VAD, reg.CreateVAD); err != nil {
		return nil, err
	}
	for _, entry := range cfg.Providers.TTS {
		p, err := create("tts", entry, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		if p != nil {
			ps.TTS = append(ps.TTS, NamedTTS{Name: entry.Name, Provider: p})
		}
	}
	return ps, nil
}

// create builds the provider of one slot. An empty entry yields the zero
// value.
func create[T any](slot string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := factory(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("app: provider not available, skipping", "slot", slot, "name", entry.Name)
		return zero, nil
	case err != nil:
		return zero, fmt.Errorf("app: create %s provider %q: %w", slot, entry.Name, err)
	}
	slog.Info("app: provider created", "slot", slot, "name", entry.Name)
	return p, nil
}
