// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values, end the
// session with a specific reason, and inspect which audio chunks were
// delivered.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true, SpeechFinal: true})
//	sess.End(stt.ErrNoSpeech)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamFunc, if set, replaces the default behaviour entirely. It is
	// called without the mock's lock held, so it may block on ctx.
	StartStreamFunc func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error)

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every default Session created by StartStream, in order.
	Sessions []*Session

	// Created, if non-nil, receives each new default Session without blocking.
	Created chan *Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a fresh Session unless
// StartStreamFunc or StartStreamErr say otherwise.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	fn := p.StartStreamFunc
	startErr := p.StartStreamErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if startErr != nil {
		return nil, startErr
	}

	sess := NewSession()
	p.mu.Lock()
	p.Sessions = append(p.Sessions, sess)
	created := p.Created
	p.mu.Unlock()
	if created != nil {
		select {
		case created <- sess:
		default:
		}
	}
	return sess, nil
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastSession returns the most recent default Session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// LastConfig returns the StreamConfig of the most recent call.
func (p *Provider) LastConfig() stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartStreamCalls) == 0 {
		return stt.StreamConfig{}
	}
	return p.StartStreamCalls[len(p.StartStreamCalls)-1].Cfg
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	results chan stt.Transcript
	done    chan struct{}
	once    sync.Once
	err     error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SetKeywordsErr, if non-nil, is returned by SetKeywords.
	SetKeywordsErr error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// KeywordCalls records every keyword list passed to SetKeywords.
	KeywordCalls [][]stt.KeywordBoost

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a running Session with a buffered results channel.
func NewSession() *Session {
	return &Session{
		results: make(chan stt.Transcript, 64),
		done:    make(chan struct{}),
	}
}

// Emit delivers t on the Results channel. It is a no-op once the session has
// ended.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.results <- t
}

// End finishes the session on the provider side with reason err.
func (s *Session) End(err error) {
	s.finish(err)
}

// Ended reports whether the session has ended.
func (s *Session) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		close(s.results)
		s.mu.Unlock()
	})
}

// SendAudio records chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.AudioChunks = append(s.AudioChunks, chunk)
	return s.SendAudioErr
}

// ChunkCount returns the number of recorded audio chunks.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AudioChunks)
}

// Results implements stt.SessionHandle.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeywordCalls = append(s.KeywordCalls, keywords)
	return s.SetKeywordsErr
}

// KeywordCallCount returns the number of SetKeywords calls.
func (s *Session) KeywordCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.KeywordCalls)
}

// Close ends the session without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// ReadySession is a Session that also implements stt.Readier. Ready stays
// open until MarkReady is called.
type ReadySession struct {
	*Session

	ready     chan struct{}
	readyOnce sync.Once
}

var _ stt.Readier = (*ReadySession)(nil)

// NewReadySession returns a running ReadySession that is not yet ready.
func NewReadySession() *ReadySession {
	return &ReadySession{Session: NewSession(), ready: make(chan struct{})}
}

// Ready implements stt.Readier.
func (s *ReadySession) Ready() <-chan struct{} { return s.ready }

// MarkReady closes the Ready channel. Calling it more than once is safe.
func (s *ReadySession) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}
