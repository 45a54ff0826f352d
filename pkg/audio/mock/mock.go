// Package mock provides in-memory mock implementations of the [audio.Microphone]
// and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, err := mic.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	mic.LastStream().Publish(audio.AudioFrame{Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Every successful
// Open returns a fresh [audio.Broadcaster] that the test can publish into.
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by [Microphone.Open] when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams holds every stream returned by Open, in order.
	Streams []*audio.Broadcaster
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := audio.NewBroadcaster(format)
	m.Streams = append(m.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *audio.Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// OpenCount returns CallCountOpen under the lock.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
//
// By default Play drains the channel and records the bytes it received. Set
// Block to make Play hold until its context is cancelled, which simulates a
// long utterance for barge-in tests.
type Speaker struct {
	mu sync.Mutex

	// PlayErr is returned by Play after draining when non-nil.
	PlayErr error

	// Block makes Play wait for ctx cancellation after draining the channel.
	Block bool

	// Started receives one value each time Play begins, if non-nil.
	Started chan struct{}

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// Played holds the concatenated PCM of each Play call, in order.
	Played [][]byte

	// Formats records the format passed to each Play call.
	Formats []audio.Format
}

var _ audio.Speaker = (*Speaker)(nil)

// Play implements [audio.Speaker].
func (s *Speaker) Play(ctx context.Context, pcm <-chan []byte, format audio.Format) error {
	s.mu.Lock()
	s.CallCountPlay++
	idx := len(s.Played)
	s.Played = append(s.Played, nil)
	s.Formats = append(s.Formats, format)
	started := s.Started
	block := s.Block
	playErr := s.PlayErr
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				if block {
					<-ctx.Done()
					return ctx.Err()
				}
				return playErr
			}
			s.mu.Lock()
			s.Played[idx] = append(s.Played[idx], chunk...)
			s.mu.Unlock()
		}
	}
}

// PlayCount returns CallCountPlay under the lock.
func (s *Speaker) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountPlay
}

// PlayedAt returns a copy of the PCM received by the i-th Play call.
func (s *Speaker) PlayedAt(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.Played) {
		return nil
	}
	return append([]byte(nil), s.Played[i]...)
}
