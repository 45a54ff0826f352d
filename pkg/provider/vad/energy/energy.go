// Package energy implements a pure-Go vad.Engine based on normalised RMS
// energy with hysteresis. It needs no model files and works at any sample
// rate, which makes it the default detector for microphone activity.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

const (
	defaultSpeechThreshold  = 0.01
	defaultSilenceThreshold = 0.006
	defaultStartFrames      = 2
	defaultEndFrames        = 8
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithStartFrames sets how many consecutive loud frames open a speech segment.
func WithStartFrames(n int) Option {
	return func(e *Engine) { e.startFrames = max(n, 1) }
}

// WithEndFrames sets how many consecutive quiet frames close a speech segment.
func WithEndFrames(n int) Option {
	return func(e *Engine) { e.endFrames = max(n, 1) }
}

// Engine creates energy detection sessions.
type Engine struct {
	startFrames int
	endFrames   int
}

// New returns an Engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{startFrames: defaultStartFrames, endFrames: defaultEndFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns an independent session. Zero
// thresholds select the defaults (0.01 to start, 0.006 to end).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	speech, silence := cfg.SpeechThreshold, cfg.SilenceThreshold
	if speech == 0 {
		speech = defaultSpeechThreshold
	}
	if silence == 0 {
		silence = min(defaultSilenceThreshold, speech)
	}
	if speech < 0 || speech > 1 || silence < 0 || silence > speech {
		return nil, fmt.Errorf("energy: invalid thresholds speech=%v silence=%v", speech, silence)
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 0
	if cfg.FrameSizeMs > 0 {
		frameBytes = cfg.SampleRate * channels * 2 * cfg.FrameSizeMs / 1000
	}
	return &Session{
		speech:      speech,
		silence:     silence,
		channels:    channels,
		frameBytes:  frameBytes,
		startFrames: e.startFrames,
		endFrames:   e.endFrames,
	}, nil
}

// Session is a single-stream energy detector. It is safe for concurrent use.
type Session struct {
	speech, silence float64
	channels        int
	frameBytes      int
	startFrames     int
	endFrames       int

	mu       sync.Mutex
	inSpeech bool
	loud     int
	quiet    int
	closed   bool
}

// ProcessFrame classifies one frame of 16-bit PCM.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	level := audio.RMS(audio.ToFloat32(frame, s.channels))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}

	ev := vad.VADEvent{Probability: min(level/(2*s.speech), 1)}
	if s.inSpeech {
		if level < s.silence {
			s.quiet++
			if s.quiet >= s.endFrames {
				s.inSpeech, s.quiet = false, 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.quiet = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if level >= s.speech {
		s.loud++
		if s.loud >= s.startFrames {
			s.inSpeech, s.loud = true, 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.loud = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

// Reset clears the hysteresis state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech, s.loud, s.quiet = false, 0, 0
}

// Close marks the session closed. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
