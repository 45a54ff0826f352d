// Package miniaudio implements [audio.Microphone] and [audio.Speaker] on top of
// the miniaudio library through github.com/gen2brain/malgo.
//
// A [Host] owns one malgo context. Each [Host.Open] initialises a dedicated
// capture device whose lifetime is bound to the returned stream; each
// [Host.Play] initialises a playback device for the duration of one utterance.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Host is a miniaudio-backed audio host. It implements both [audio.Microphone]
// and [audio.Speaker].
type Host struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

var (
	_ audio.Microphone = (*Host)(nil)
	_ audio.Speaker    = (*Host)(nil)
)

// New initialises the miniaudio context.
func New() (*Host, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Host{ctx: actx}, nil
}

// Close releases the miniaudio context. Streams opened from this host must be
// stopped first.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.ctx.Uninit()
	h.ctx.Free()
	return nil
}

// Open implements [audio.Microphone]. It starts a capture device in the
// requested format and publishes each captured period as an [audio.AudioFrame].
func (h *Host) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("miniaudio: host is closed")
	}
	h.mu.Unlock()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(format.SampleRate / 50) // 20 ms
	cfg.Periods = 3
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * format.Channels

	var (
		device *malgo.Device
		stream *audio.Broadcaster
		start  = time.Now()
	)
	stream = audio.NewBroadcaster(format, audio.WithOnStop(func() error {
		if device == nil {
			return nil
		}
		if device.IsStarted() {
			if err := device.Stop(); err != nil {
				device.Uninit()
				return fmt.Errorf("miniaudio: stop capture: %w", err)
			}
		}
		device.Uninit()
		return nil
	}))

	device, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			data := make([]byte, n)
			copy(data, in[:n])
			stream.Publish(audio.AudioFrame{
				Data:       data,
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Timestamp:  time.Since(start),
			})
		},
	})
	if err != nil {
		return nil, classifyCaptureErr(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classifyCaptureErr(err)
	}
	slog.Debug("miniaudio: capture started", "stream", stream.ID(), "format", format.String())
	return stream, nil
}

// classifyCaptureErr maps miniaudio access failures onto
// [audio.ErrPermissionDenied].
func classifyCaptureErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("miniaudio: open capture device: %w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("miniaudio: open capture device: %w", err)
}

// Play implements [audio.Speaker]. It blocks until every chunk from pcm has
// been handed to the device and the device buffer has drained, or until ctx
// is cancelled.
func (h *Host) Play(ctx context.Context, pcm <-chan []byte, format audio.Format) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("miniaudio: host is closed")
	}
	h.mu.Unlock()

	buf := &playbackBuffer{drained: make(chan struct{}, 1)}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * format.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(format.SampleRate / 10) // ~100ms
	cfg.Periods = 4

	device, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			buf.fill(out[:min(len(out), int(frameCount)*bytesPerFrame)])
		},
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	defer func() { _ = device.Stop() }()

	for {
		select {
		case <-ctx.Done():
			buf.clear()
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				buf.finish()
				select {
				case <-ctx.Done():
					buf.clear()
					return ctx.Err()
				case <-buf.drained:
					return nil
				}
			}
			buf.write(chunk)
		}
	}
}

// playbackBuffer is the byte queue shared between Play and the device
// callback.
type playbackBuffer struct {
	mu       sync.Mutex
	pending  []byte
	finished bool
	drained  chan struct{}
}

func (b *playbackBuffer) write(p []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, p...)
	b.mu.Unlock()
}

func (b *playbackBuffer) finish() {
	b.mu.Lock()
	b.finished = true
	empty := len(b.pending) == 0
	b.mu.Unlock()
	if empty {
		b.signal()
	}
}

func (b *playbackBuffer) clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

func (b *playbackBuffer) signal() {
	select {
	case b.drained <- struct{}{}:
	default:
	}
}

// fill copies queued audio into out and zero-pads the remainder.
func (b *playbackBuffer) fill(out []byte) {
	b.mu.Lock()
	n := copy(out, b.pending)
	b.pending = b.pending[n:]
	done := b.finished && len(b.pending) == 0
	b.mu.Unlock()
	clear(out[n:])
	if done {
		b.signal()
	}
}
