// Package activity reports whether the user is currently making sound.
//
// A [Detector] observes an [audio.Stream] alongside the recognition path. It
// keeps the most recent window of samples and, on every tick, reports
// whether the window's RMS level exceeds a threshold. When a vad.Engine is
// supplied, the engine's per-frame decision is reported instead.
//
// The detector never stops the stream it observes.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

const (
	// DefaultThreshold is the RMS level of a normalized window above which
	// the user counts as active.
	DefaultThreshold = 0.01

	// DefaultInterval is the reporting cadence.
	DefaultInterval = 16 * time.Millisecond

	defaultWindow = 32 * time.Millisecond
	frameBuffer   = 32
)

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the RMS activation level in (0, 1].
func WithThreshold(v float64) Option {
	return func(d *Detector) {
		if v > 0 && v <= 1 {
			d.threshold = v
		}
	}
}

// WithInterval sets how often the callback runs. Defaults to 16 ms.
func WithInterval(iv time.Duration) Option {
	return func(d *Detector) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithWindow sets the amount of recent audio the level is computed over.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) {
		if w > 0 {
			d.window = w
		}
	}
}

// WithEngine makes the detector report the decision of a VAD engine. The
// level is still computed from the RMS window.
func WithEngine(e vad.Engine) Option {
	return func(d *Detector) { d.engine = e }
}

// Detector reports voice activity for one stream.
type Detector struct {
	stream    audio.Stream
	cb        func(active bool)
	threshold float64
	interval  time.Duration
	window    time.Duration
	engine    vad.Engine

	level     atomic.Uint64 // math.Float64bits of the last level
	vadActive atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Detector that will call cb on every tick.
func New(stream audio.Stream, cb func(active bool), opts ...Option) (*Detector, error) {
	if stream == nil {
		return nil, errors.New("activity: stream must not be nil")
	}
	if cb == nil {
		return nil, errors.New("activity: callback must not be nil")
	}
	d := &Detector{
		stream:    stream,
		cb:        cb,
		threshold: DefaultThreshold,
		interval:  DefaultInterval,
		window:    defaultWindow,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Start begins observing the stream. It returns an error only if the VAD
// engine rejects the stream format. Starting a running detector is a no-op.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return nil
	}

	var sess vad.SessionHandle
	format := d.stream.Format()
	if d.engine != nil {
		var err error
		sess, err = d.engine.NewSession(vad.Config{SampleRate: format.SampleRate, Channels: format.Channels})
		if err != nil {
			return fmt.Errorf("activity: create vad session: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	frames, unsubscribe := d.stream.Subscribe(frameBuffer)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, frames, unsubscribe, sess, format)
	return nil
}

// Stop ends observation and waits for the callback goroutine to exit. The
// stream keeps running. Stop on a stopped detector is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Level returns the RMS level of the most recent window in [0, 1].
func (d *Detector) Level() float64 {
	return math.Float64frombits(d.level.Load())
}

func (d *Detector) run(ctx context.Context, frames <-chan audio.AudioFrame, unsubscribe func(), sess vad.SessionHandle, format audio.Format) {
	defer close(d.done)
	defer unsubscribe()
	if sess != nil {
		defer sess.Close()
	}

	channels := max(format.Channels, 1)
	capacity := max(int(d.window.Seconds()*float64(format.SampleRate)), 1)
	window := make([]float32, 0, capacity)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			window = appendWindow(window, audio.ToFloat32(f.Data, channels), capacity)
			if sess != nil {
				ev, err := sess.ProcessFrame(f.Data)
				if err != nil {
					slog.Debug("activity: vad frame rejected", "err", err)
					continue
				}
				d.vadActive.Store(ev.Active())
			}
		case <-ticker.C:
			level := audio.RMS(window)
			d.level.Store(math.Float64bits(level))
			active := level > d.threshold
			if sess != nil {
				active = d.vadActive.Load()
			}
			d.cb(active)
		}
	}
}

// appendWindow appends samples and keeps only the newest capacity samples.
func appendWindow(window, samples []float32, capacity int) []float32 {
	if len(samples) >= capacity {
		window = window[:capacity]
		copy(window, samples[len(samples)-capacity:])
		return window
	}
	if over := len(window) + len(samples) - capacity; over > 0 {
		n := copy(window, window[over:])
		window = window[:n]
	}
	return append(window, samples...)
}
