package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// frameBuffer is the subscription depth used when pumping a stream.
const frameBuffer = 64

// restartPolicy controls how a session reacts to a handle that ends on its
// own with a benign reason. A zero policy ends the session with the
// handle's reason.
type restartPolicy struct {
	maxRestarts int
	backoff     time.Duration
	onRestart   func(attempt int, reason error)
}

// starter opens a replacement handle for a restart.
type starter func(ctx context.Context) (stt.SessionHandle, error)

// session drives one or more stt.SessionHandles over a single stream and
// forwards their transcripts on one channel.
type session struct {
	name   string
	stream audio.Stream
	start  starter
	policy restartPolicy

	ctx     context.Context
	cancel  context.CancelFunc
	results chan stt.Transcript
	done    chan struct{}

	mu       sync.Mutex
	handle   stt.SessionHandle
	keywords []stt.KeywordBoost
	err      error
}

var _ Session = (*session)(nil)

// newSession takes ownership of first and starts driving it. ctx bounds the
// whole session.
func newSession(ctx context.Context, name string, stream audio.Stream, first stt.SessionHandle, start starter, policy restartPolicy) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		name:    name,
		stream:  stream,
		start:   start,
		policy:  policy,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan stt.Transcript),
		done:    make(chan struct{}),
		handle:  first,
	}
	go s.run(first)
	return s
}

// Results implements [Session].
func (s *session) Results() <-chan stt.Transcript { return s.results }

// Err implements [Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetKeywords implements [Session]. The list is kept and reapplied to
// handles opened by later restarts.
func (s *session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	s.keywords = keywords
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.SetKeywords(keywords); err != nil {
		return fmt.Errorf("recognition: %s: set keywords: %w", s.name, err)
	}
	return nil
}

// Close implements [Session].
func (s *session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *session) setHandle(h stt.SessionHandle) {
	s.mu.Lock()
	s.handle = h
	kw := s.keywords
	s.mu.Unlock()
	if h != nil && kw != nil {
		if err := h.SetKeywords(kw); err != nil && !errors.Is(err, stt.ErrNotSupported) {
			slog.Warn("recognition: reapply keywords failed", "adapter", s.name, "err", err)
		}
	}
}

func (s *session) run(handle stt.SessionHandle) {
	defer close(s.done)
	defer close(s.results)

	var (
		reason error
		// failures counts consecutive restarts that could not start an
		// engine session. A session that ends after starting resets it.
		failures int
	)
	for {
		if handle != nil {
			reason = s.drive(handle)
			s.setHandle(nil)
			handle = nil
		}
		if s.ctx.Err() != nil {
			return
		}
		if reason == nil {
			reason = stt.ErrAborted
		}
		if !stt.IsBenign(reason) || s.start == nil || s.policy.maxRestarts <= 0 {
			s.fail(reason)
			return
		}
		if failures >= s.policy.maxRestarts {
			s.fail(fmt.Errorf("%w after %d attempts: %w", ErrRestartsExhausted, failures, reason))
			return
		}

		attempt := failures + 1
		slog.Info("recognition: restarting engine", "adapter", s.name, "attempt", attempt, "reason", reason)
		if s.policy.onRestart != nil {
			s.policy.onRestart(attempt, reason)
		}

		select {
		case <-time.After(s.policy.backoff):
		case <-s.ctx.Done():
			return
		}

		h, err := s.start(s.ctx)
		if err != nil {
			failures++
			reason = err
			continue
		}
		if s.ctx.Err() != nil {
			_ = h.Close()
			return
		}
		failures = 0
		handle = h
		s.setHandle(h)
	}
}

// drive pumps audio into handle and forwards its transcripts until the
// handle ends, the stream stops, or the session is closed. The handle is
// closed before drive returns.
func (s *session) drive(handle stt.SessionHandle) error {
	hctx, hcancel := context.WithCancel(s.ctx)
	stopped := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		pump(hctx, s.stream, handle, stopped)
	}()
	defer func() {
		hcancel()
		_ = handle.Close()
		<-pumped
	}()

	results := handle.Results()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-stopped:
			return audio.ErrStreamStopped
		case t, ok := <-results:
			if !ok {
				return handle.Err()
			}
			select {
			case s.results <- t:
			case <-s.ctx.Done():
				return nil
			}
		}
	}
}

// pump forwards frames from stream to handle until ctx is done. It closes
// stopped if the stream ends first.
func pump(ctx context.Context, stream audio.Stream, handle stt.SessionHandle, stopped chan<- struct{}) {
	frames, unsubscribe := stream.Subscribe(frameBuffer)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() == nil {
					close(stopped)
				}
				return
			}
			if err := handle.SendAudio(f.Data); err != nil {
				if errors.Is(err, stt.ErrSessionClosed) {
					return
				}
				slog.Debug("recognition: send audio failed", "err", err)
			}
		}
	}
}
