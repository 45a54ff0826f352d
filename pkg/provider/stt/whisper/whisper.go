// Package whisper provides local whisper.cpp-backed STT providers.
//
// Two providers share one session implementation:
//
//   - [Provider] talks to a running whisper-server binary over its REST API
//     (POST /inference).
//   - [NativeProvider] runs the model in-process through the whisper.cpp Go
//     bindings.
//
// Because whisper.cpp is a batch transcription engine, sessions buffer
// incoming PCM, apply an energy-based silence detector to segment utterances,
// and submit each completed utterance for inference. Each utterance is emitted
// as a final transcript; utterances closed by trailing silence are also marked
// speech-final.
//
// Sessions end on their own with [stt.ErrNoSpeech] when no speech arrives for
// the no-speech timeout, and with [stt.ErrNetwork] (HTTP) or [stt.ErrAborted]
// (native) after repeated inference failures. Callers are expected to restart.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Results()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the default audio sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThresholdMs sets the consecutive-silence duration that closes an
// utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.seg.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs sets the maximum duration of audio that may
// accumulate before a flush is forced regardless of silence. Defaults to
// 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.seg.maxBufferDurationMs = ms
	}
}

// WithNoSpeechTimeoutMs sets how much speechless audio ends a session with
// [stt.ErrNoSpeech]. Zero disables the timeout. Defaults to 8 000 ms.
func WithNoSpeechTimeoutMs(ms int) Option {
	return func(p *Provider) {
		p.seg.noSpeechTimeoutMs = ms
	}
}

// WithMaxFailures sets how many consecutive inference failures end a session.
// Defaults to 3.
func WithMaxFailures(n int) Option {
	return func(p *Provider) {
		p.seg.maxFailures = n
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each session maintains its own
// audio buffer and goroutine.
type Provider struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	seg        segmentConfig
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		seg:        defaultSegmentConfig(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// established until the first utterance is flushed, so StartStream fails only
// if ctx is already cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	format, lang := resolveStream(cfg, p.sampleRate, p.language)
	return startSession(p, format, lang, p.seg), nil
}

// resolveStream applies provider defaults to the stream format and language.
func resolveStream(cfg stt.StreamConfig, defaultRate int, defaultLang string) (audio.Format, string) {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLang
	}
	return f, whisperLanguage(lang)
}

// whisperLanguage reduces a BCP-47 tag ("en-US") to the ISO 639-1 code
// whisper.cpp expects ("en").
func whisperLanguage(tag string) string {
	for i := 0; i < len(tag); i++ {
		if tag[i] == '-' || tag[i] == '_' {
			return tag[:i]
		}
	}
	return tag
}

// transcribe encodes pcm as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (p *Provider) transcribe(ctx context.Context, pcm []byte, format audio.Format, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, format)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w: %w", stt.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %w", resp.StatusCode, stt.ErrNetwork)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w: %w", stt.ErrNetwork, err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w: %w", stt.ErrAborted, err)
	}
	return result.Text, nil
}
