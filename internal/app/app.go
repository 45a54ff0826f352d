// Package app wires the murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the recognition paths,
// the synthesizer and the voice service from the config and the instantiated
// providers, Run serves the metrics and health endpoints, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject the host audio devices and the metrics sink via
// functional options (WithMicrophone, WithSpeaker, WithMetrics). When a
// device is not injected, New opens the default host devices.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/activity"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/recognition"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/voice"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/miniaudio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	providers      *Providers
	mic            audio.Microphone
	speaker        audio.Speaker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	synth  *speech.Synthesizer
	voice  *voice.Service
	health *health.Handler

	mu  sync.Mutex
	cfg *config.Config

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects the capture device instead of the default host
// device.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSpeaker injects the playback device instead of the default host
// device.
func WithSpeaker(s audio.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. Defaults to the
// Prometheus handler of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel passes the level variable of the process logger so config
// reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]; a nil Providers means none are configured.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	for _, p := range a.providerClosers() {
		a.closers = append(a.closers, p.Close)
	}

	// ── 1. Host audio ────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Synthesizer ───────────────────────────────────────────────────
	if err := a.initSynthesizer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init synthesizer: %w", err)
	}

	// ── 3. Recognition paths + voice service ─────────────────────────────
	if err := a.initVoice(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.WithCheckers(a.checkers()...),
		health.WithDetails(a.details),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudio opens the default host devices for whatever was not injected.
func (a *App) initAudio() error {
	if a.mic != nil && a.speaker != nil {
		return nil
	}
	host, err := miniaudio.New()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, host.Close)
	if a.mic == nil {
		a.mic = host
	}
	if a.speaker == nil {
		a.speaker = host
	}
	return nil
}

// initSynthesizer builds the speech synthesizer over the configured TTS
// providers. With more than one provider, calls fail over in config order.
func (a *App) initSynthesizer() error {
	var provider tts.Provider
	switch len(a.providers.TTS) {
	case 0:
		return nil
	case 1:
		provider = a.providers.TTS[0].Provider
	default:
		primary := a.providers.TTS[0]
		fb := resilience.NewTTSFallback(primary.Provider, primary.Name, resilience.WithTTSMetrics(a.metrics))
		for _, p := range a.providers.TTS[1:] {
			fb.AddFallback(p.Name, p.Provider)
		}
		provider = fb
	}

	persona, voiceMap := personaSettings(a.cfg.Speech)
	synth, err := speech.New(provider, a.speaker,
		speech.WithDefaultPersona(persona),
		speech.WithVoiceMap(voiceMap),
		speech.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.synth = synth
	return nil
}

// initVoice builds the recognition cascade and the voice service.
func (a *App) initVoice() error {
	vc := a.cfg.Voice
	caps := voice.Capabilities{
		Microphone:     a.mic,
		Synthesizer:    a.synth,
		ActivityEngine: a.providers.VAD,
	}

	if p := a.providers.STTLocal; p != nil {
		name := a.cfg.Providers.STTLocal.Name
		local, err := recognition.NewLocal(p,
			recognition.WithName(name),
			recognition.WithRestartBackoff(ms(vc.RestartBackoffMs)),
			recognition.WithMaxRestarts(vc.MaxRestarts),
			recognition.WithOnRestart(func(attempt int, reason error) {
				a.metrics.RecordRestart(context.Background())
				slog.Info("app: restarting local engine", "adapter", name, "attempt", attempt, "reason", reason)
			}),
		)
		if err != nil {
			return err
		}
		caps.Local = local
	}
	if p := a.providers.STTCloud; p != nil {
		cloud, err := recognition.NewCloud(p,
			recognition.WithCloudName(a.cfg.Providers.STTCloud.Name),
			recognition.WithHandshakeTimeout(ms(vc.CloudTimeoutMs)),
		)
		if err != nil {
			return err
		}
		caps.Cloud = cloud
	}
	simOpts := []recognition.SimulatedOption{recognition.WithDelay(ms(vc.SimulatedDelayMs))}
	if vc.SimulatedTranscript != "" {
		simOpts = append(simOpts, recognition.WithTranscript(vc.SimulatedTranscript))
	}
	caps.Simulated = recognition.NewSimulated(simOpts...)

	svc, err := voice.New(caps,
		voice.WithMetrics(a.metrics),
		voice.WithDefaults(voiceDefaults(vc)),
		voice.WithBargeIn(vc.BargeIn == nil || *vc.BargeIn),
		voice.WithActivityOptions(
			activity.WithThreshold(a.cfg.Activity.Threshold),
			activity.WithInterval(ms(a.cfg.Activity.IntervalMs)),
		),
	)
	if err != nil {
		return err
	}
	a.voice = svc
	return nil
}

// providerClosers returns the providers that hold resources, such as a
// loaded native model.
func (a *App) providerClosers() []io.Closer {
	var out []io.Closer
	add := func(v any) {
		if c, ok := v.(io.Closer); ok {
			out = append(out, c)
		}
	}
	add(a.providers.STTLocal)
	add(a.providers.STTCloud)
	add(a.providers.VAD)
	for _, p := range a.providers.TTS {
		add(p.Provider)
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Voice returns the voice service.
func (a *App) Voice() *voice.Service { return a.voice }

// Synthesizer returns the speech synthesizer, or nil when no TTS provider
// is configured.
func (a *App) Synthesizer() *speech.Synthesizer { return a.synth }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Handler returns the HTTP handler serving /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// ProviderVoices lists the voice catalogue of every configured TTS provider,
// keyed by provider name. Providers are queried concurrently; the first
// error cancels the rest.
func (a *App) ProviderVoices(ctx context.Context) (map[string][]tts.VoiceProfile, error) {
	if len(a.providers.TTS) == 0 {
		return nil, speech.ErrNoSynthesizer
	}
	results := make([][]tts.VoiceProfile, len(a.providers.TTS))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range a.providers.TTS {
		g.Go(func() error {
			voices, err := p.Provider.ListVoices(gctx)
			if err != nil {
				return fmt.Errorf("app: list voices of %q: %w", p.Name, err)
			}
			results[i] = voices
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string][]tts.VoiceProfile, len(results))
	for i, p := range a.providers.TTS {
		out[p.Name] = append(out[p.Name], results[i]...)
	}
	return out, nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig adopts the hot-reloadable parts of a reloaded config: the log
// level, the defaults of the next listening session and the persona
// settings. It matches [config.ChangeFunc].
func (a *App) ApplyConfig(_, updated *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = updated
	a.mu.Unlock()

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.VoiceChanged {
		a.voice.SetDefaults(voiceDefaults(updated.Voice))
		slog.Info("app: session defaults updated")
	}
	if diff.SpeechChanged && a.synth != nil {
		persona, voiceMap := personaSettings(updated.Speech)
		a.synth.SetPersonas(persona, voiceMap)
		slog.Info("app: persona settings updated", "default_persona", persona.String())
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the metrics and health endpoints on the configured listen
// address and blocks until ctx is cancelled or the server fails. On
// cancellation it drains the server and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops listening and closes every owned resource in reverse
// order. It respects the context deadline: if ctx expires before all closers
// finish, the remaining closers are skipped and the context error is
// returned. Calls after the first return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		a.voice.StopListening()
		shutdownErr = a.closeWithin(ctx)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeWithin(ctx context.Context) error {
	for i, closer := range slices.Backward(a.closers) {
		if err := ctx.Err(); err != nil {
			slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
			return err
		}
		if err := closer(); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
	return nil
}

// closeAll releases what a failed New already acquired.
func (a *App) closeAll() { _ = a.closeWithin(context.Background()) }

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{Name: "config", Check: func(context.Context) error {
			if a.Config() == nil {
				return errors.New("no config loaded")
			}
			return nil
		}},
		{Name: "recognition", Check: func(context.Context) error {
			if a.voice == nil {
				return voice.ErrNoRecognizer
			}
			return nil
		}},
		{Name: "synthesizer", Check: func(context.Context) error {
			if a.synth == nil {
				return speech.ErrNoSynthesizer
			}
			return nil
		}},
	}
}

func (a *App) details() map[string]string {
	return map[string]string{
		"session_id":       a.voice.SessionID(),
		"connection_state": a.voice.State().String(),
		"listening":        strconv.FormatBool(a.voice.IsListening()),
		"speaking":         strconv.FormatBool(a.synth != nil && a.synth.Speaking()),
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level. Unknown levels map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// voiceDefaults converts the voice section into session defaults.
func voiceDefaults(v config.VoiceConfig) voice.VoiceConfig {
	var keywords []stt.KeywordBoost
	for _, kw := range v.Keywords {
		keywords = append(keywords, stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	return voice.VoiceConfig{
		Model:          v.Model,
		Language:       v.Language,
		SmartFormat:    v.SmartFormat,
		InterimResults: v.InterimResults,
		EndpointingMs:  v.EndpointingMs,
		UtteranceEndMs: v.UtteranceEndMs,
		VADEvents:      v.VADEvents,
		Channels:       v.Channels,
		SampleRate:     v.SampleRate,
		Keywords:       keywords,
	}
}

// personaSettings converts the speech section. Names were checked by
// config validation; unknown ones are dropped.
func personaSettings(sc config.SpeechConfig) (speech.Persona, map[speech.Persona]string) {
	persona, _ := speech.ParsePersona(sc.DefaultPersona)
	voiceMap := make(map[speech.Persona]string, len(sc.VoiceMap))
	for name, id := range sc.VoiceMap {
		if p, ok := speech.ParsePersona(name); ok {
			voiceMap[p] = id
		}
	}
	return persona, voiceMap
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
