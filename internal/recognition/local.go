package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	defaultRestartBackoff = 300 * time.Millisecond
	defaultMaxRestarts    = 5
)

var _ Adapter = (*LocalAdapter)(nil)

// LocalOption configures a LocalAdapter.
type LocalOption func(*LocalAdapter)

// WithName overrides the adapter name reported in logs and metrics.
func WithName(name string) LocalOption {
	return func(a *LocalAdapter) { a.name = name }
}

// WithRestartBackoff sets the pause before an engine restart. Defaults to
// 300 ms.
func WithRestartBackoff(d time.Duration) LocalOption {
	return func(a *LocalAdapter) { a.backoff = max(d, 0) }
}

// WithMaxRestarts sets how many consecutive restarts may fail to open an
// engine session before the session ends with [ErrRestartsExhausted].
// Engine sessions that start and later end quietly never count. Defaults
// to 5.
func WithMaxRestarts(n int) LocalOption {
	return func(a *LocalAdapter) { a.maxRestarts = max(n, 1) }
}

// WithOnRestart registers fn to be called before each restart.
func WithOnRestart(fn func(attempt int, reason error)) LocalOption {
	return func(a *LocalAdapter) { a.onRestart = fn }
}

// LocalAdapter runs a host recognition engine. The engine ends its sessions
// whenever it hears nothing for a while or loses its input, so the adapter
// restarts it transparently on benign ends.
type LocalAdapter struct {
	provider    stt.Provider
	name        string
	backoff     time.Duration
	maxRestarts int
	onRestart   func(attempt int, reason error)
}

// NewLocal wraps p as the local recognition path.
func NewLocal(p stt.Provider, opts ...LocalOption) (*LocalAdapter, error) {
	if p == nil {
		return nil, errors.New("recognition: local provider must not be nil")
	}
	a := &LocalAdapter{
		provider:    p,
		name:        "local",
		backoff:     defaultRestartBackoff,
		maxRestarts: defaultMaxRestarts,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Kind implements [Adapter].
func (a *LocalAdapter) Kind() Kind { return KindLocal }

// Name implements [Adapter].
func (a *LocalAdapter) Name() string { return a.name }

// Start opens the first engine session synchronously so that a failing
// engine is reported to the caller instead of being retried.
func (a *LocalAdapter) Start(ctx context.Context, stream audio.Stream, cfg stt.StreamConfig) (Session, error) {
	if stream == nil {
		return nil, errors.New("recognition: stream must not be nil")
	}
	cfg = withStreamFormat(cfg, stream)
	first, err := a.provider.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("recognition: %s: start: %w", a.name, err)
	}
	start := func(ctx context.Context) (stt.SessionHandle, error) {
		return a.provider.StartStream(ctx, cfg)
	}
	return newSession(ctx, a.name, stream, first, start, restartPolicy{
		maxRestarts: a.maxRestarts,
		backoff:     a.backoff,
		onRestart:   a.onRestart,
	}), nil
}
