// Package config provides the configuration schema, loader, and provider registry
// for murmur.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for murmur.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Activity  ActivityConfig  `yaml:"activity"`
	Speech    SpeechConfig    `yaml:"speech"`
}

// ServerConfig holds the metrics/health listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the metrics and health endpoints.
	// Default ":9090".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the provider behind each recognition path and the
// synthesizer. Each entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	// STTLocal is the engine behind the local recognition path.
	STTLocal ProviderEntry `yaml:"stt_local"`

	// STTCloud is the service behind the cloud recognition path.
	STTCloud ProviderEntry `yaml:"stt_cloud"`

	// TTS lists synthesizers in failover order.
	TTS []ProviderEntry `yaml:"tts"`

	// VAD selects the voice activity engine. Empty uses the RMS threshold.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3") or,
	// for native engines, the model file.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig holds the listening session defaults and the tuning of the
// recognition paths.
type VoiceConfig struct {
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	SmartFormat    *bool  `yaml:"smart_format"`
	InterimResults *bool  `yaml:"interim_results"`
	EndpointingMs  int    `yaml:"endpointing_ms"`
	UtteranceEndMs int    `yaml:"utterance_end_ms"`
	VADEvents      *bool  `yaml:"vad_events"`
	Channels       int    `yaml:"channels"`
	SampleRate     int    `yaml:"sample_rate"`

	// Keywords are boosted on paths that support it.
	Keywords []KeywordConfig `yaml:"keywords"`

	// CloudTimeoutMs bounds the cloud handshake. Default 5000.
	CloudTimeoutMs int `yaml:"cloud_timeout_ms"`

	// SimulatedDelayMs is how long the simulated path waits before its
	// transcript. Default 2000.
	SimulatedDelayMs int `yaml:"simulated_delay_ms"`

	// SimulatedTranscript overrides the simulated text.
	SimulatedTranscript string `yaml:"simulated_transcript"`

	// RestartBackoffMs is the pause before a local engine restart. Default 300.
	RestartBackoffMs int `yaml:"restart_backoff_ms"`

	// MaxRestarts is the number of consecutive local engine restarts that may
	// fail to start. Default 5.
	MaxRestarts int `yaml:"max_restarts"`

	// BargeIn makes detected user speech cut off the current reply.
	// Default true.
	BargeIn *bool `yaml:"barge_in"`
}

// KeywordConfig is one boosted recognition term.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// ActivityConfig tunes the voice activity detector.
type ActivityConfig struct {
	// Threshold is the RMS activation level in (0, 1]. Default 0.01.
	Threshold float64 `yaml:"threshold"`

	// IntervalMs is the reporting cadence. Default 16.
	IntervalMs int `yaml:"interval_ms"`
}

// SpeechConfig configures the synthesizer.
type SpeechConfig struct {
	// DefaultPersona is used when a caller does not pick one.
	DefaultPersona string `yaml:"default_persona"`

	// VoiceMap pins personas to voice IDs.
	VoiceMap map[string]string `yaml:"voice_map"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":9090"
	DefaultCloudTimeoutMs    = 5000
	DefaultSimulatedDelayMs  = 2000
	DefaultRestartBackoffMs  = 300
	DefaultMaxRestarts       = 5
	DefaultActivityThreshold = 0.01
	DefaultActivityInterval  = 16
)

// ApplyDefaults fills unset tuning fields. Session fields (model, language,
// endpointing, ...) are left empty; the voice service merges its own
// defaults under them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	v := &cfg.Voice
	if v.CloudTimeoutMs == 0 {
		v.CloudTimeoutMs = DefaultCloudTimeoutMs
	}
	if v.SimulatedDelayMs == 0 {
		v.SimulatedDelayMs = DefaultSimulatedDelayMs
	}
	if v.RestartBackoffMs == 0 {
		v.RestartBackoffMs = DefaultRestartBackoffMs
	}
	if v.MaxRestarts == 0 {
		v.MaxRestarts = DefaultMaxRestarts
	}
	if v.BargeIn == nil {
		v.BargeIn = new(true)
	}
	if cfg.Activity.Threshold == 0 {
		cfg.Activity.Threshold = DefaultActivityThreshold
	}
	if cfg.Activity.IntervalMs == 0 {
		cfg.Activity.IntervalMs = DefaultActivityInterval
	}
}
