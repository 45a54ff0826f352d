// Package audio defines the host audio capabilities used by murmur and the
// PCM helpers shared by providers.
//
// The primary abstractions are:
//
//   - [Microphone] acquires the capture device and returns a [Stream].
//   - [Stream] is a live capture stream with a single owner and any number of
//     observers (recognition sessions, activity detection).
//   - [Speaker] plays synthesized PCM and honours cancellation.
//
// [Broadcaster] is the reusable [Stream] implementation that host adapters
// (see audio/miniaudio) publish captured frames into.
//
// This package lives under pkg/ because alternative hosts are expected to
// implement [Microphone] and [Speaker].
package audio

import (
	"sync"

	"github.com/google/uuid"
)

// Broadcaster fans captured frames out to every subscriber. It implements
// [Stream]. The zero value is not usable; create one with [NewBroadcaster].
type Broadcaster struct {
	id     string
	format Format
	onStop func() error

	mu     sync.Mutex
	subs   map[int]chan AudioFrame
	nextID int
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// Compile-time interface assertion.
var _ Stream = (*Broadcaster)(nil)

// BroadcasterOption configures a [Broadcaster].
type BroadcasterOption func(*Broadcaster)

// WithOnStop registers fn to run exactly once when the stream stops. Host
// adapters use it to release the capture device.
func WithOnStop(fn func() error) BroadcasterOption {
	return func(b *Broadcaster) {
		b.onStop = fn
	}
}

// WithID overrides the generated stream identifier.
func WithID(id string) BroadcasterOption {
	return func(b *Broadcaster) {
		if id != "" {
			b.id = id
		}
	}
}

// NewBroadcaster creates a running stream in the given format.
func NewBroadcaster(format Format, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		id:     uuid.NewString(),
		format: format,
		subs:   make(map[int]chan AudioFrame),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ID implements [Stream].
func (b *Broadcaster) ID() string { return b.id }

// Format implements [Stream].
func (b *Broadcaster) Format() Format { return b.format }

// Done implements [Stream].
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

// Subscribe implements [Stream]. Subscribing to a stopped stream returns an
// already-closed channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan AudioFrame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan AudioFrame, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers frame to every subscriber without blocking. Subscribers
// with a full buffer miss the frame. Publish after Stop is a no-op and
// returns false.
func (b *Broadcaster) Publish(frame AudioFrame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return false
	default:
	}
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	return true
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stop implements [Stream].
func (b *Broadcaster) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		if b.onStop != nil {
			b.stopErr = b.onStop()
		}
	})
	return b.stopErr
}
