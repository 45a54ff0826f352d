package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by a [Microphone] when the host refuses
// access to the capture device. It is the only capture failure that callers
// treat as fatal.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrStreamStopped is returned when operating on a [Stream] after Stop.
var ErrStreamStopped = errors.New("audio: stream stopped")

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from a microphone,
// scored by activity detection, and fed to recognition sessions.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian, interleaved by channel.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for recognition).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Stream is a live capture stream. It has exactly one owner, who is
// responsible for calling Stop; any number of observers may Subscribe.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// ID returns an identifier unique to this stream.
	ID() string

	// Format returns the PCM format of the frames delivered to subscribers.
	Format() Format

	// Subscribe registers a new observer and returns a channel of frames with
	// the given buffer size plus a function that removes the subscription.
	// Frames are dropped for a subscriber whose buffer is full. The channel is
	// closed on unsubscribe or when the stream stops.
	Subscribe(buffer int) (<-chan AudioFrame, func())

	// Stop releases the capture device and closes all subscriber channels.
	// Calling Stop more than once is safe and returns nil.
	Stop() error

	// Done is closed once the stream has stopped.
	Done() <-chan struct{}
}

// Microphone is the host capability for capturing audio.
type Microphone interface {
	// Open acquires the capture device and starts a [Stream] in the requested
	// format. Returns an error wrapping [ErrPermissionDenied] if the host refuses
	// access.
	Open(ctx context.Context, format Format) (Stream, error)
}

// Speaker is the host capability for audio playback.
type Speaker interface {
	// Play writes PCM chunks from pcm to the output device until the channel is
	// closed and all audio has been played, or until ctx is cancelled. It
	// returns ctx.Err() on cancellation and a non-nil error if the device fails.
	Play(ctx context.Context, pcm <-chan []byte, format Format) error
}
