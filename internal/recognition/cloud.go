package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const defaultHandshakeTimeout = 5 * time.Second

var _ Adapter = (*CloudAdapter)(nil)

// CloudOption configures a CloudAdapter.
type CloudOption func(*CloudAdapter)

// WithCloudName overrides the adapter name reported in logs and metrics.
func WithCloudName(name string) CloudOption {
	return func(a *CloudAdapter) { a.name = name }
}

// WithHandshakeTimeout bounds how long Start waits for the service to
// acknowledge the stream. Defaults to 5 s.
func WithHandshakeTimeout(d time.Duration) CloudOption {
	return func(a *CloudAdapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// CloudAdapter runs a remote streaming recognizer. A session that fails or
// does not become ready within the handshake timeout is reported as an
// error from Start.
type CloudAdapter struct {
	provider stt.Provider
	name     string
	timeout  time.Duration
}

// NewCloud wraps p as the cloud recognition path.
func NewCloud(p stt.Provider, opts ...CloudOption) (*CloudAdapter, error) {
	if p == nil {
		return nil, errors.New("recognition: cloud provider must not be nil")
	}
	a := &CloudAdapter{provider: p, name: "cloud", timeout: defaultHandshakeTimeout}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Kind implements [Adapter].
func (a *CloudAdapter) Kind() Kind { return KindCloud }

// Name implements [Adapter].
func (a *CloudAdapter) Name() string { return a.name }

// Start implements [Adapter]. The handshake deadline covers StartStream and,
// for handles implementing stt.Readier, the wait for Ready.
func (a *CloudAdapter) Start(ctx context.Context, stream audio.Stream, cfg stt.StreamConfig) (Session, error) {
	if stream == nil {
		return nil, errors.New("recognition: stream must not be nil")
	}
	cfg = withStreamFormat(cfg, stream)

	hctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	handle, err := a.provider.StartStream(hctx, cfg)
	if err != nil {
		return nil, a.handshakeErr(ctx, hctx, err)
	}
	if r, ok := handle.(stt.Readier); ok {
		var ended <-chan struct{}
		if e, ok := handle.(ender); ok {
			ended = e.Done()
		}
		select {
		case <-r.Ready():
		case <-ended:
			_ = handle.Close()
			return nil, fmt.Errorf("recognition: %s: session ended before ready: %w", a.name, endReason(handle.Err()))
		case <-hctx.Done():
			_ = handle.Close()
			return nil, a.handshakeErr(ctx, hctx, hctx.Err())
		}
	}
	return newSession(ctx, a.name, stream, handle, nil, restartPolicy{}), nil
}

// ender is implemented by handles that expose their end as a channel.
type ender interface {
	Done() <-chan struct{}
}

func endReason(err error) error {
	if err == nil {
		return stt.ErrAborted
	}
	return err
}

// handshakeErr maps a failure during the handshake to the error returned by
// Start. A deadline that is ours and not the caller's becomes
// [ErrHandshakeTimeout].
func (a *CloudAdapter) handshakeErr(parent, hctx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("recognition: %s: %w after %v: %w", a.name, ErrHandshakeTimeout, a.timeout, err)
	}
	return fmt.Errorf("recognition: %s: handshake: %w", a.name, err)
}
