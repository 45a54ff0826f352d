package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ErrNoSynthesizer is returned when every synthesis backend failed or had an
// open breaker. It wraps the last backend's error.
var ErrNoSynthesizer = errors.New("resilience: no synthesis backend available")

// TTSOption configures a [TTSFallback].
type TTSOption func(*TTSFallback)

// WithTTSBreaker sets the breaker configuration used for every backend.
// The breaker name is always the backend name.
func WithTTSBreaker(cfg CircuitBreakerConfig) TTSOption {
	return func(f *TTSFallback) { f.breaker = cfg }
}

// WithTTSMetrics counts backend failures as provider errors.
func WithTTSMetrics(m *observe.Metrics) TTSOption {
	return func(f *TTSFallback) { f.metrics = m }
}

type ttsBackend struct {
	name     string
	provider tts.Provider
	breaker  *CircuitBreaker
}

// TTSFallback implements [tts.Provider] over an ordered list of synthesis
// backends. Each call goes to the first backend whose breaker admits it.
//
// Backends must be added before the fallback is shared between goroutines.
type TTSFallback struct {
	backends []ttsBackend
	breaker  CircuitBreakerConfig
	metrics  *observe.Metrics
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, opts ...TTSOption) *TTSFallback {
	f := &TTSFallback{}
	for _, o := range opts {
		o(f)
	}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers another backend after the existing ones.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	cfg := f.breaker
	cfg.Name = name
	f.backends = append(f.backends, ttsBackend{name: name, provider: provider, breaker: NewCircuitBreaker(cfg)})
}

// Backends returns the backend names in the order they are tried.
func (f *TTSFallback) Backends() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// SynthesizeStream implements [tts.Provider]. Only stream setup fails over;
// the text channel belongs to the first backend that accepts it.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return firstHealthy(ctx, f, "synthesize", func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns the catalogue of the first backend that answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return firstHealthy(ctx, f, "list_voices", func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

func firstHealthy[R any](ctx context.Context, f *TTSFallback, op string, fn func(tts.Provider) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.backends {
		b := &f.backends[i]
		var out R
		err := b.breaker.Execute(func() error {
			var err error
			out, err = fn(b.provider)
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: tts backend skipped, circuit open", "backend", b.name, "op", op)
			continue
		}
		slog.Warn("resilience: tts backend failed", "backend", b.name, "op", op, "err", err)
		if f.metrics != nil {
			f.metrics.RecordProviderError(ctx, b.name, op)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrNoSynthesizer, lastErr)
}
