// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription engine (e.g., Deepgram's
// streaming API or an in-process whisper.cpp model) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened, a
// session accepts raw PCM audio frames and emits a single ordered stream of
// Transcript events, interims and finals interleaved exactly as the engine
// produced them.
//
// When a session ends on its own, Err reports why. The sentinel errors in this
// package classify those reasons so that callers can decide between restarting,
// falling back, and surfacing a fatal error.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/murmur/pkg/audio"
)

var (
	// ErrNoSpeech reports that the engine heard nothing for its no-speech
	// timeout and ended the session.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrAborted reports that the engine aborted the session, typically
	// because recognition was interrupted.
	ErrAborted = errors.New("stt: recognition aborted")

	// ErrNetwork reports a transient transport failure.
	ErrNetwork = errors.New("stt: network error")

	// ErrPermissionDenied reports that the engine was refused access to audio.
	// It wraps [audio.ErrPermissionDenied].
	ErrPermissionDenied error = permissionError{}

	// ErrNotSupported is returned by optional operations a provider does not
	// implement, such as mid-session keyword updates.
	ErrNotSupported = errors.New("stt: operation not supported")

	// ErrSessionClosed is returned by SendAudio after the session has ended.
	ErrSessionClosed = errors.New("stt: session is closed")
)

type permissionError struct{}

func (permissionError) Error() string { return "stt: permission denied" }
func (permissionError) Unwrap() error { return audio.ErrPermissionDenied }

// StreamConfig describes the audio format and recognition hints for a new STT
// session. Providers ignore hints they do not support.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Default 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider use its default.
	Language string

	// Model is the provider-specific model identifier (e.g., "nova-3").
	Model string

	// SmartFormat enables provider-side formatting of numbers, dates and
	// punctuation.
	SmartFormat bool

	// InterimResults requests low-latency interim transcripts.
	InterimResults bool

	// EndpointingMs is the silence duration after which the provider marks an
	// utterance as speech-final. Zero leaves the provider default.
	EndpointingMs int

	// UtteranceEndMs enables word-gap based utterance-end events. Zero
	// disables them.
	UtteranceEndMs int

	// VADEvents requests speech-started events from the provider.
	VADEvents bool

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk must match the format agreed in StreamConfig. Returns
	// ErrSessionClosed after the session has ended.
	SendAudio(chunk []byte) error

	// Results returns the ordered stream of transcript events. The channel is
	// closed when the session ends, either through Close or on its own.
	Results() <-chan Transcript

	// Err reports why the session ended. It returns nil while the session is
	// running and after a caller-initiated Close.
	Err() error

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that cannot do this return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Results channel is closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Readier is implemented by sessions whose remote endpoint acknowledges
// readiness after StartStream returns. Ready is closed once the
// acknowledgment arrives.
type Readier interface {
	Ready() <-chan struct{}
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session. For network
	// providers StartStream returns only after the handshake has completed,
	// so ctx bounds the handshake.
	//
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// IsBenign reports whether err is a session end that callers should recover
// from by restarting rather than surfacing.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted) || errors.Is(err, ErrNetwork)
}
