// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// The WebSocket transport is github.com/coder/websocket; server messages are
// decoded into the response types published by the official Deepgram Go SDK.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	keepAliveInterval = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the default Deepgram model (e.g., "nova-3", "base"). A model
// in the StreamConfig takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests and
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns once the WebSocket handshake has
// completed. ctx bounds only the handshake; the session lives until Close or
// until the server ends it.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: unauthorized (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrNetwork, err)
	}
	// Results messages can carry many words; lift the 32 KiB default.
	conn.SetReadLimit(1 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		cancel:  cancel,
		results: make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	// utterance_end_ms requires interim results on Deepgram's side.
	if cfg.UtteranceEndMs > 0 && cfg.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan stt.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu      sync.Mutex
	err     error
	closing bool
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Results returns the ordered transcript stream.
func (s *session) Results() <-chan stt.Transcript { return s.results }

// Err returns the reason the server ended the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetKeywords is not supported on a live Deepgram stream; keywords are fixed
// at connect time.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("deepgram: keywords: %w", stt.ErrNotSupported)
}

// Close asks Deepgram to flush pending audio, then tears the connection down.
func (s *session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.shutdown(nil)
	s.wg.Wait()
	return nil
}

// shutdown stops both loops and closes the socket exactly once.
func (s *session) shutdown(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closing {
			s.err = reason
		}
		s.mu.Unlock()

		close(s.done)
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(writeCtx, websocket.MessageText, []byte(`{"type":"`+string(api.TypeCloseStreamResponse)+`"}`))
		cancel()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

// writeLoop forwards queued audio as binary messages and keeps the stream
// alive while no audio is flowing.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.shutdown(fmt.Errorf("deepgram: write: %w: %w", stt.ErrNetwork, err))
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				s.shutdown(fmt.Errorf("deepgram: keepalive: %w: %w", stt.ErrNetwork, err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards them, in order,
// on the results channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.shutdown(classifyReadErr(err))
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- t:
		case <-s.done:
			return
		}
	}
}

// classifyReadErr maps a read failure onto the stt end reasons. A normal
// server-side close is treated as an aborted recognition.
func classifyReadErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("deepgram: server closed stream: %w", stt.ErrAborted)
	case websocket.StatusPolicyViolation:
		return fmt.Errorf("deepgram: server closed stream (policy): %w: %w", stt.ErrNetwork, err)
	}
	return fmt.Errorf("deepgram: read: %w: %w", stt.ErrNetwork, err)
}

// parseDeepgramResponse decodes a raw Deepgram WebSocket message. It returns
// (zero, false) for messages that carry nothing the caller needs, such as
// Metadata or empty interim results.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Debug("deepgram: undecodable message", "err", err)
		return stt.Transcript{}, false
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Debug("deepgram: undecodable results message", "err", err)
			return stt.Transcript{}, false
		}
		return transcriptFromResults(&resp)

	case api.TypeUtteranceEndResponse:
		return stt.Transcript{Event: stt.EventUtteranceEnd, IsFinal: true, SpeechFinal: true}, true

	case api.TypeSpeechStartedResponse:
		return stt.Transcript{Event: stt.EventSpeechStarted}, true
	}
	return stt.Transcript{}, false
}

func transcriptFromResults(resp *api.MessageResponse) (stt.Transcript, bool) {
	alts := resp.Channel.Alternatives
	if len(alts) == 0 {
		// A speech_final without alternatives still closes the utterance.
		if resp.SpeechFinal {
			return stt.Transcript{IsFinal: true, SpeechFinal: true}, true
		}
		return stt.Transcript{}, false
	}

	best := alts[0]
	text := strings.TrimSpace(best.Transcript)
	if text == "" && !resp.IsFinal {
		return stt.Transcript{}, false
	}

	alternatives := make([]stt.Alternative, 0, len(alts))
	for _, a := range alts {
		alternatives = append(alternatives, stt.Alternative{
			Text:       strings.TrimSpace(a.Transcript),
			Confidence: a.Confidence,
		})
	}
	words := make([]stt.WordDetail, 0, len(best.Words))
	for _, w := range best.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:         text,
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
		Confidence:   best.Confidence,
		Alternatives: alternatives,
		Words:        words,
		Timestamp:    seconds(resp.Start),
		Duration:     seconds(resp.Duration),
	}, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
