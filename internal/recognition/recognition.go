// Package recognition adapts stt.Provider backends into the three
// recognition paths the voice orchestrator chooses between: a local
// host engine, a cloud streaming service, and a simulated stand-in.
//
// Adapters never open the microphone. Each Start subscribes to the
// [audio.Stream] it is given and pumps frames into the underlying
// stt.SessionHandle, so the same capture stream can be handed from one path
// to the next. At most one Session should hold a stream at a time.
package recognition

import (
	"context"
	"errors"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

var (
	// ErrRestartsExhausted ends a local session whose engine could not be
	// restarted too many times in a row.
	ErrRestartsExhausted = errors.New("recognition: restart limit exhausted")

	// ErrHandshakeTimeout reports that a cloud path did not acknowledge
	// readiness within its handshake deadline.
	ErrHandshakeTimeout = errors.New("recognition: handshake timed out")
)

// Kind identifies a recognition path.
type Kind int

const (
	// KindLocal is an engine running on the host.
	KindLocal Kind = iota

	// KindCloud is a remote streaming service.
	KindCloud

	// KindSimulated is the deterministic stand-in used when nothing else works.
	KindSimulated
)

// String returns the lowercase name of the path.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloud:
		return "cloud"
	case KindSimulated:
		return "simulated"
	default:
		return "unknown"
	}
}

// Adapter starts recognition sessions over a capture stream.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Kind returns the path this adapter implements.
	Kind() Kind

	// Name returns a short identifier for logs and metrics (e.g., "deepgram").
	Name() string

	// Start opens a session that consumes stream. The sample rate and channel
	// count in cfg are taken from stream.Format(). An error means the path is
	// unavailable; no session resources are left behind.
	Start(ctx context.Context, stream audio.Stream, cfg stt.StreamConfig) (Session, error)
}

// Session is a running recognition path.
type Session interface {
	// Results delivers transcripts in provider order. It is closed when the
	// session ends.
	Results() <-chan stt.Transcript

	// Err reports why the session ended once Results is closed. It is nil
	// after a caller-initiated Close.
	Err() error

	// SetKeywords replaces the keyword boosts of the running session. It
	// returns stt.ErrNotSupported when the path cannot update them live.
	SetKeywords(keywords []stt.KeywordBoost) error

	// Close ends the session and waits for its goroutines. No transcript is
	// delivered after Close returns. Calling Close more than once is safe.
	Close() error
}

// withStreamFormat returns cfg with the audio format of stream.
func withStreamFormat(cfg stt.StreamConfig, stream audio.Stream) stt.StreamConfig {
	f := stream.Format()
	if f.SampleRate > 0 {
		cfg.SampleRate = f.SampleRate
	}
	if f.Channels > 0 {
		cfg.Channels = f.Channels
	}
	return cfg
}
