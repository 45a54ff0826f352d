// Package voice orchestrates one listening session: it picks a recognition
// path, turns its transcripts into turns for the caller, reports voice
// activity, and speaks replies.
//
// # Cascade
//
// [Service.StartListening] tries the configured paths in order and commits
// to the first that starts:
//
//  1. the local engine ([recognition.KindLocal]),
//  2. the cloud service ([recognition.KindCloud]), whose handshake is bounded
//     by the adapter's timeout,
//  3. the simulated stand-in, which always starts on a running stream.
//
// A path failure is never reported to the caller; it is logged, counted and
// the next path is tried. Only a denied microphone (from the capture device
// or the local engine) is fatal: Callbacks.OnError receives an actionable
// error and StartListening returns it.
//
// # Concurrency
//
// A single dispatcher goroutine per committed path drains the recognition
// session and the silence timer and invokes the callbacks, so callbacks are
// never called concurrently. When a committed path ends on its own, the
// service fails over to the next one on the same stream; the old
// dispatcher exits before the new path starts, and nothing from an
// abandoned path is delivered.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/internal/activity"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/recognition"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/turn"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// ErrNoRecognizer is returned when no recognition path is configured at all.
var ErrNoRecognizer = errors.New("voice: no recognition path configured")

// Callbacks receive the results of a listening session. All are optional and
// are never called concurrently.
type Callbacks struct {
	// OnTranscript receives every interim and end-of-turn result.
	OnTranscript func(turn.SpeechResult)

	// OnError receives fatal errors. Listening has stopped when it runs.
	OnError func(error)

	// OnTurnEnd receives the ID of each completed turn, after the
	// end-of-turn result has been passed to OnTranscript.
	OnTurnEnd func(turnID string)

	// OnActivity receives voice activity transitions.
	OnActivity func(active bool)
}

// Capabilities are the host features and recognition paths available to a
// Service. Microphone is required; every path is optional.
type Capabilities struct {
	Microphone audio.Microphone

	Local     recognition.Adapter
	Cloud     recognition.Adapter
	Simulated recognition.Adapter

	// Synthesizer speaks replies. Without it Speak returns
	// speech.ErrNoSynthesizer.
	Synthesizer *speech.Synthesizer

	// ActivityEngine, if set, decides voice activity instead of the RMS
	// threshold.
	ActivityEngine vad.Engine
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDefaults sets the session defaults merged under every VoiceConfig.
func WithDefaults(cfg VoiceConfig) Option {
	return func(s *Service) { s.defaults = cfg.MergeDefaults(DefaultVoiceConfig()) }
}

// WithBreakerConfig sets the circuit breaker tuning used for the local and
// cloud paths. The name is set per path.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Service) { s.breakerCfg = cfg }
}

// WithActivityOptions passes options to the voice activity detector.
func WithActivityOptions(opts ...activity.Option) Option {
	return func(s *Service) { s.activityOpts = append(s.activityOpts, opts...) }
}

// WithTurnOptions passes options to the turn detector of each session.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(s *Service) { s.turnOpts = append(s.turnOpts, opts...) }
}

// WithBargeIn controls whether detected user speech cancels the current
// utterance. Enabled by default.
func WithBargeIn(enabled bool) Option {
	return func(s *Service) { s.bargeIn = enabled }
}

// Service runs listening sessions over one set of capabilities. All methods
// are safe for concurrent use.
type Service struct {
	caps         Capabilities
	metrics      *observe.Metrics
	breakerCfg   resilience.CircuitBreakerConfig
	breakers     map[recognition.Kind]*resilience.CircuitBreaker
	activityOpts []activity.Option
	turnOpts     []turn.Option
	bargeIn      bool
	id           string

	// startMu serializes starting, stopping and failing over.
	startMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	defaults VoiceConfig
	pending  context.CancelFunc
	cur      *listener
	gen      uint64
}

// listener is one listening session, from StartListening to stop.
type listener struct {
	ctx      context.Context
	cancel   context.CancelFunc
	stream   audio.Stream
	cb       Callbacks
	det      *turn.Detector
	act      *activity.Detector
	activity chan bool
	active   bool

	// inCallback is set while the dispatcher runs a caller callback.
	inCallback atomic.Bool

	// live is the generation of the dispatcher allowed to deliver.
	live atomic.Uint64

	// Guarded by Service.startMu for writes and Service.mu for reads.
	cfg  VoiceConfig
	gen  uint64
	conn connection
	done chan struct{}
}

// connection is a committed recognition path.
type connection struct {
	kind    recognition.Kind
	name    string
	session recognition.Session
}

// New returns an idle Service.
func New(caps Capabilities, opts ...Option) (*Service, error) {
	if caps.Microphone == nil {
		return nil, errors.New("voice: microphone must not be nil")
	}
	s := &Service{
		caps:     caps,
		metrics:  observe.DefaultMetrics(),
		defaults: DefaultVoiceConfig(),
		bargeIn:  true,
		id:       uuid.NewString(),
		state:    StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	s.breakers = make(map[recognition.Kind]*resilience.CircuitBreaker, 2)
	for _, kind := range []recognition.Kind{recognition.KindLocal, recognition.KindCloud} {
		cfg := s.breakerCfg
		cfg.Name = kind.String()
		s.breakers[kind] = resilience.NewCircuitBreaker(cfg)
	}
	return s, nil
}

// SessionID returns the identifier attached to this service's log lines.
func (s *Service) SessionID() string { return s.id }

// State returns the current connection state.
func (s *Service) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsListening reports whether a recognition path is committed.
func (s *Service) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// SetDefaults replaces the session defaults. Running sessions keep theirs.
func (s *Service) SetDefaults(cfg VoiceConfig) {
	merged := cfg.MergeDefaults(DefaultVoiceConfig())
	s.mu.Lock()
	s.defaults = merged
	s.mu.Unlock()
}

// StartListening opens the microphone and starts the first recognition path
// that works. A running session is stopped first. ctx bounds only the start;
// the session runs until [Service.StopListening] or a fatal error. The
// returned stream is owned by the service. It may be called from a callback.
func (s *Service) StartListening(ctx context.Context, cfg VoiceConfig, cb Callbacks) (audio.Stream, error) {
	if s.caps.Local == nil && s.caps.Cloud == nil && s.caps.Simulated == nil {
		return nil, ErrNoRecognizer
	}
	stream, err := s.start(ctx, cfg, cb)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && cb.OnError != nil {
		cb.OnError(err)
	}
	return stream, err
}

func (s *Service) start(ctx context.Context, cfg VoiceConfig, cb Callbacks) (stream audio.Stream, err error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	running := s.cur != nil
	s.mu.Unlock()
	if running {
		s.stopLocked()
	}

	ctx, span := observe.StartSpan(ctx, "voice.start_listening")
	defer func() { observe.EndSpan(span, err) }()

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	merged := cfg.MergeDefaults(s.defaults)
	s.pending = cancel
	s.mu.Unlock()
	stopWatch := context.AfterFunc(ctx, cancel)

	conn, stream, err := s.connect(sessCtx, recognition.KindLocal, nil, merged)
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	if !stopWatch() && err == nil {
		_ = conn.session.Close()
		_ = stream.Stop()
		err = context.Cause(ctx)
	}
	if err != nil {
		cancel()
		s.apply(eventStop)
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			observe.Logger(ctx).Error("voice: start listening failed", "session_id", s.id, "err", err)
		}
		return nil, err
	}

	l := &listener{
		ctx:      sessCtx,
		cancel:   cancel,
		stream:   stream,
		cb:       cb,
		cfg:      merged,
		det:      turn.New(s.turnOpts...),
		activity: make(chan bool, 8),
	}
	s.startActivity(l)
	s.mu.Lock()
	s.cur = l
	s.mu.Unlock()
	s.startDispatcher(l, conn)
	s.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("path", conn.kind.String()))
	observe.Logger(ctx).Info("voice: listening", "session_id", s.id, "path", conn.kind.String(), "adapter", conn.name)
	return stream, nil
}

// StopListening ends the session, cancels any speech and stops the stream.
// It is safe to call in any state, more than once, and from a callback. When
// a callback is running it does not wait for that callback to return; no
// further callbacks are made.
func (s *Service) StopListening() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending()
	}
	if s.cur != nil {
		s.cur.cancel()
	}
	s.mu.Unlock()

	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.stopLocked()
}

// stopLocked must be called with startMu held.
func (s *Service) stopLocked() {
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()

	if l != nil {
		l.cancel()
		if l.conn.session != nil {
			_ = l.conn.session.Close()
		}
		// A busy dispatcher sees the cancelled context once its callback
		// returns and exits without delivering more.
		if l.done != nil && !l.inCallback.Load() {
			<-l.done
		}
		if l.act != nil {
			l.act.Stop()
		}
		_ = l.stream.Stop()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("voice: stopped listening", "session_id", s.id)
	}
	if s.caps.Synthesizer != nil {
		s.caps.Synthesizer.Cancel()
	}
	s.apply(eventStop)
}

// Speak says text through the synthesizer, cutting off any current
// utterance. A cut-off or cancelled utterance returns nil.
func (s *Service) Speak(ctx context.Context, text string, c speech.Characteristics) error {
	if s.caps.Synthesizer == nil {
		return speech.ErrNoSynthesizer
	}
	return s.caps.Synthesizer.Speak(ctx, text, c)
}

// ListAvailableVoices returns the IDs of the synthesizer's voices.
func (s *Service) ListAvailableVoices(ctx context.Context) ([]string, error) {
	if s.caps.Synthesizer == nil {
		return nil, speech.ErrNoSynthesizer
	}
	voices, err := s.caps.Synthesizer.Voices(ctx)
	if err != nil {
		return nil, fmt.Errorf("voice: list voices: %w", err)
	}
	ids := make([]string, 0, len(voices))
	for _, v := range voices {
		ids = append(ids, v.ID)
	}
	return ids, nil
}

// SetKeywords replaces the keyword boosts of the running session and of
// future sessions. It returns stt.ErrNotSupported, wrapped, when the current
// path cannot update them live.
func (s *Service) SetKeywords(keywords []stt.KeywordBoost) error {
	kw := slices.Clone(keywords)
	s.mu.Lock()
	s.defaults.Keywords = kw
	var sess recognition.Session
	if s.cur != nil {
		s.cur.cfg.Keywords = kw
		sess = s.cur.conn.session
	}
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SetKeywords(kw); err != nil {
		return fmt.Errorf("voice: set keywords: %w", err)
	}
	return nil
}

// connect walks the cascade starting at from. A nil stream is opened from
// the microphone; a stream opened here is stopped again on failure, and after
// a cloud failure so the simulated path starts on a fresh capture. Only
// fatal errors are returned.
func (s *Service) connect(ctx context.Context, from recognition.Kind, stream audio.Stream, cfg VoiceConfig) (connection, audio.Stream, error) {
	owned := stream == nil
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	scfg := cfg.streamConfig()

	open := func() error {
		if stream != nil {
			return nil
		}
		st, err := s.caps.Microphone.Open(ctx, format)
		if err != nil {
			if errors.Is(err, audio.ErrPermissionDenied) {
				return permissionError(err)
			}
			return fmt.Errorf("voice: open microphone: %w", err)
		}
		stream = st
		return nil
	}
	release := func() {
		if owned && stream != nil {
			_ = stream.Stop()
			stream = nil
		}
	}

	paths := s.paths(from)
	for i, a := range paths {
		if err := ctx.Err(); err != nil {
			release()
			return connection{}, nil, err
		}
		ev := eventConnectPrimary
		if a.Kind() == recognition.KindCloud {
			ev = eventConnectSecondary
		}
		s.apply(ev)
		if err := open(); err != nil {
			return connection{}, nil, err
		}

		sess, err := s.attempt(ctx, a, stream, scfg)
		if err == nil {
			s.apply(eventConnected)
			return connection{kind: a.Kind(), name: a.Name(), session: sess}, stream, nil
		}
		if errors.Is(err, audio.ErrPermissionDenied) {
			release()
			return connection{}, nil, permissionError(err)
		}
		if ctx.Err() != nil {
			release()
			return connection{}, nil, ctx.Err()
		}

		next := recognition.KindSimulated.String()
		if i+1 < len(paths) {
			next = paths[i+1].Kind().String()
		}
		observe.Logger(ctx).Warn("voice: recognition path unavailable",
			"session_id", s.id, "path", a.Kind().String(), "adapter", a.Name(), "next", next, "err", err)
		s.metrics.RecordFallback(ctx, a.Kind().String(), next)
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			s.metrics.RecordProviderError(ctx, a.Name(), "start")
		}
		if a.Kind() == recognition.KindCloud {
			release()
		}
	}

	if s.caps.Simulated == nil {
		release()
		return connection{}, nil, fmt.Errorf("%w: every configured path failed", ErrNoRecognizer)
	}
	s.apply(eventFallback)
	if err := open(); err != nil {
		return connection{}, nil, err
	}
	sess, err := s.attempt(ctx, s.caps.Simulated, stream, scfg)
	if err != nil {
		release()
		return connection{}, nil, fmt.Errorf("voice: simulated recognition: %w", err)
	}
	return connection{kind: recognition.KindSimulated, name: s.caps.Simulated.Name(), session: sess}, stream, nil
}

// paths returns the configured real paths from kind onwards.
func (s *Service) paths(from recognition.Kind) []recognition.Adapter {
	var out []recognition.Adapter
	if from == recognition.KindLocal && s.caps.Local != nil {
		out = append(out, s.caps.Local)
	}
	if from <= recognition.KindCloud && s.caps.Cloud != nil {
		out = append(out, s.caps.Cloud)
	}
	return out
}

// attempt starts one adapter behind its circuit breaker.
func (s *Service) attempt(ctx context.Context, a recognition.Adapter, stream audio.Stream, cfg stt.StreamConfig) (recognition.Session, error) {
	path := a.Kind().String()
	actx, span := observe.StartSpan(ctx, "voice.connect",
		trace.WithAttributes(attribute.String("path", path), attribute.String("adapter", a.Name())))
	start := time.Now()

	var sess recognition.Session
	startFn := func() error {
		var err error
		sess, err = a.Start(actx, stream, cfg)
		return err
	}
	var err error
	if br, ok := s.breakers[a.Kind()]; ok {
		err = br.Execute(startFn)
	} else {
		err = startFn()
	}
	observe.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordConnect(ctx, path, time.Since(start))
	return sess, nil
}

// apply moves the state machine. An illegal event leaves the state as is.
func (s *Service) apply(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := transition(s.state, ev)
	if err != nil {
		slog.Warn("voice: state machine rejected event", "session_id", s.id, "err", err)
		return
	}
	s.state = next
}

func (s *Service) startActivity(l *listener) {
	opts := slices.Clone(s.activityOpts)
	if s.caps.ActivityEngine != nil {
		opts = append(opts, activity.WithEngine(s.caps.ActivityEngine))
	}
	det, err := activity.New(l.stream, func(active bool) {
		select {
		case l.activity <- active:
		default:
		}
	}, opts...)
	if err == nil {
		err = det.Start(l.ctx)
	}
	if err != nil {
		slog.Warn("voice: voice activity detection disabled", "session_id", s.id, "err", err)
		return
	}
	l.act = det
}

// startDispatcher must be called with startMu held.
func (s *Service) startDispatcher(l *listener, conn connection) {
	s.mu.Lock()
	s.gen++
	l.gen = s.gen
	l.conn = conn
	l.done = make(chan struct{})
	gen, done := l.gen, l.done
	l.live.Store(gen)
	s.mu.Unlock()
	go s.dispatch(l, gen, conn, done)
}

// permissionError gives a denied microphone an actionable message.
func permissionError(err error) error {
	return fmt.Errorf("voice: microphone access was denied; grant this application microphone permission and start listening again: %w", err)
}
