package recognition

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	defaultSimulatedDelay = 2 * time.Second

	// DefaultSimulatedTranscript is the text emitted by a SimulatedAdapter
	// unless overridden.
	DefaultSimulatedTranscript = "Hello, this is a simulated transcript."
)

var _ Adapter = (*SimulatedAdapter)(nil)

// SimulatedOption configures a SimulatedAdapter.
type SimulatedOption func(*SimulatedAdapter)

// WithDelay sets how long a session waits before emitting its transcript.
// Defaults to 2 s.
func WithDelay(d time.Duration) SimulatedOption {
	return func(a *SimulatedAdapter) { a.delay = max(d, 0) }
}

// WithTranscript sets the emitted text.
func WithTranscript(text string) SimulatedOption {
	return func(a *SimulatedAdapter) {
		if text != "" {
			a.text = text
		}
	}
}

// SimulatedAdapter stands in for a real recognizer. Each session consumes
// the stream like any other path, emits one final transcript after a fixed
// delay, and then stays idle until closed.
type SimulatedAdapter struct {
	delay time.Duration
	text  string
}

// NewSimulated returns a SimulatedAdapter with the given options applied.
func NewSimulated(opts ...SimulatedOption) *SimulatedAdapter {
	a := &SimulatedAdapter{delay: defaultSimulatedDelay, text: DefaultSimulatedTranscript}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Kind implements [Adapter].
func (a *SimulatedAdapter) Kind() Kind { return KindSimulated }

// Name implements [Adapter].
func (a *SimulatedAdapter) Name() string { return "simulated" }

// Start implements [Adapter]. It never fails for a running stream.
func (a *SimulatedAdapter) Start(ctx context.Context, stream audio.Stream, _ stt.StreamConfig) (Session, error) {
	if stream == nil {
		return nil, errors.New("recognition: stream must not be nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &simulatedSession{
		cancel:  cancel,
		results: make(chan stt.Transcript),
		done:    make(chan struct{}),
	}
	frames, unsubscribe := stream.Subscribe(frameBuffer)
	go s.run(ctx, frames, unsubscribe, a.delay, stt.Transcript{
		Text:         a.text,
		IsFinal:      true,
		SpeechFinal:  true,
		Confidence:   1,
		Alternatives: []stt.Alternative{{Text: a.text, Confidence: 1}},
	})
	return s, nil
}

type simulatedSession struct {
	cancel  context.CancelFunc
	results chan stt.Transcript
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (s *simulatedSession) run(ctx context.Context, frames <-chan audio.AudioFrame, unsubscribe func(), delay time.Duration, t stt.Transcript) {
	defer close(s.done)
	defer close(s.results)
	defer unsubscribe()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	emit := timer.C
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-frames:
			if !ok {
				s.mu.Lock()
				s.err = audio.ErrStreamStopped
				s.mu.Unlock()
				return
			}
		case <-emit:
			emit = nil
			select {
			case s.results <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *simulatedSession) Results() <-chan stt.Transcript { return s.results }

func (s *simulatedSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *simulatedSession) SetKeywords([]stt.KeywordBoost) error { return stt.ErrNotSupported }

func (s *simulatedSession) Close() error {
	s.cancel()
	<-s.done
	return nil
}
