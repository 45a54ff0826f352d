package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/internal/recognition"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/turn"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// dispatch drains one committed path until the session stops, the path
// ends, or another path has been committed. Every callback of the session
// runs on this goroutine.
func (s *Service) dispatch(l *listener, gen uint64, conn connection, done chan struct{}) {
	defer close(done)

	silence := time.NewTimer(time.Hour)
	silence.Stop()
	defer silence.Stop()

	s.mu.Lock()
	cfg := l.cfg
	s.mu.Unlock()

	results := conn.session.Results()
	for {
		select {
		case <-l.ctx.Done():
			return

		case t, ok := <-results:
			if !ok {
				if l.ctx.Err() == nil {
					go s.pathEnded(l, gen, conn.session.Err())
				}
				return
			}
			if l.live.Load() != gen {
				return
			}
			if t.Event == stt.EventSpeechStarted {
				s.interrupt("speech_started")
			}
			s.deliver(l, gen, l.det.Process(t))
			if l.det.Open() {
				silence.Reset(cfg.silenceAfter(t.IsFinal))
			} else {
				silence.Stop()
			}

		case <-silence.C:
			s.deliver(l, gen, l.det.Flush())

		case active := <-l.activity:
			if l.live.Load() != gen {
				return
			}
			if active == l.active {
				continue
			}
			l.active = active
			s.metrics.RecordActivity(l.ctx, active)
			if active {
				s.interrupt("activity")
			}
			if l.cb.OnActivity != nil {
				l.call(gen, func() { l.cb.OnActivity(active) })
			}
		}
	}
}

// deliver hands results to the callbacks unless the session has stopped or
// gen is no longer the committed path.
func (s *Service) deliver(l *listener, gen uint64, results []turn.SpeechResult) {
	for _, r := range results {
		if l.cb.OnTranscript != nil && !l.call(gen, func() { l.cb.OnTranscript(r) }) {
			return
		}
		if r.IsEndOfTurn {
			s.metrics.RecordTurn(l.ctx)
			if l.cb.OnTurnEnd != nil && !l.call(gen, func() { l.cb.OnTurnEnd(r.TurnID) }) {
				return
			}
		}
	}
}

// call runs fn for the dispatcher of gen unless the session has stopped or
// moved on to another path, and reports whether it ran. The flag is raised
// before the checks so that a concurrent stop either sees it or makes the
// checks fail.
func (l *listener) call(gen uint64, fn func()) bool {
	l.inCallback.Store(true)
	defer l.inCallback.Store(false)
	if l.ctx.Err() != nil || l.live.Load() != gen {
		return false
	}
	fn()
	return true
}

// interrupt cuts off the current utterance when barge-in is enabled.
func (s *Service) interrupt(trigger string) {
	if !s.bargeIn || s.caps.Synthesizer == nil {
		return
	}
	if s.caps.Synthesizer.Interrupt(speech.ReasonBargeIn) {
		slog.Debug("voice: barge-in", "session_id", s.id, "trigger", trigger)
	}
}

// pathEnded reacts to a committed path that ended on its own and reports a
// fatal end to OnError once the service lock is released.
func (s *Service) pathEnded(l *listener, gen uint64, reason error) {
	err := s.failover(l, gen, reason)
	if err == nil {
		return
	}
	slog.Error("voice: listening stopped", "session_id", s.id, "err", err)
	if l.cb.OnError != nil {
		l.cb.OnError(err)
	}
}

// failover handles the end of a committed path. Denied access and an
// exhausted local engine are fatal; a stopped stream ends the session;
// anything else fails over to the next path on the same stream. A returned
// error is fatal and the session has been stopped.
func (s *Service) failover(l *listener, gen uint64, reason error) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	current := s.cur == l && l.gen == gen
	conn, cfg, done := l.conn, l.cfg, l.done
	s.mu.Unlock()
	if !current || l.ctx.Err() != nil {
		return nil
	}
	_ = conn.session.Close()
	<-done

	log := slog.With("session_id", s.id, "path", conn.kind.String(), "adapter", conn.name)
	switch {
	case errors.Is(reason, audio.ErrPermissionDenied):
		s.stopLocked()
		return permissionError(reason)
	case errors.Is(reason, recognition.ErrRestartsExhausted):
		s.stopLocked()
		return fmt.Errorf("voice: speech recognition keeps failing; check the local engine and its model: %w", reason)
	case errors.Is(reason, audio.ErrStreamStopped):
		log.Info("voice: capture stream ended")
		s.stopLocked()
		return nil
	case conn.kind == recognition.KindSimulated:
		log.Warn("voice: simulated recognition ended", "err", reason)
		s.stopLocked()
		return nil
	}

	next := recognition.KindCloud
	if conn.kind == recognition.KindCloud {
		next = recognition.KindSimulated
	}
	log.Warn("voice: recognition path dropped, failing over", "next", next.String(), "err", reason)
	s.metrics.RecordProviderError(l.ctx, conn.name, "session")
	s.metrics.RecordFallback(l.ctx, conn.kind.String(), next.String())
	l.det.Reset()

	newConn, _, err := s.connect(l.ctx, next, l.stream, cfg)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil
		}
		s.stopLocked()
		return err
	}
	s.startDispatcher(l, newConn)
	log.Info("voice: failed over", "to", newConn.kind.String(), "adapter", newConn.name)
	return nil
}
