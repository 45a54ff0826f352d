// Package coqui provides a local Coqui TTS-backed provider that talks to
// either a standard Coqui TTS server or a Coqui XTTS v2 server over REST.
// It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): GET /api/tts with query parameters; the voice
//     catalogue comes from GET /details.
//   - APIModeXTTS: POST /tts_to_audio/ with a JSON body; the voice catalogue
//     comes from GET /studio_speakers.
//
// Both servers are batch engines, so SynthesizeStream accumulates fragments
// into sentences and keeps a small number of requests in flight while
// preserving sentence order. WAV responses are decoded and resampled to the
// rate requested by the VoiceProfile.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	xttsEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// lookahead bounds the number of in-flight synthesis requests.
	lookahead = 4

	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en").
// A VoiceProfile language takes precedence. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui server.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Provider that targets the server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream consumes text fragments, splits them into sentences, and
// emits the synthesized PCM of each sentence in order.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, fmt.Errorf("coqui: xtts mode: %w", tts.ErrVoiceRequired)
	}

	out := make(chan []byte, 256)
	pending := make(chan chan result, lookahead)

	// Producer: split sentences and start one request per sentence.
	go func() {
		defer close(pending)
		dispatch := func(sentence string) bool {
			ch := make(chan result, 1)
			select {
			case pending <- ch:
			case <-ctx.Done():
				return false
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				ch <- result{pcm: pcm, err: err}
			}()
			return true
		}

		var buf strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						dispatch(rest)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := sentenceBoundary(s)
					if idx < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if sentence := strings.TrimSpace(s[:idx+1]); sentence != "" {
						if !dispatch(sentence) {
							return
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Collector: drain results in sentence order.
	go func() {
		defer close(out)
		for ch := range pending {
			var r result
			select {
			case r = <-ch:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				slog.Warn("coqui: synthesis failed", "err", r.err)
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return out, nil
}

// synthesize fetches the WAV for one sentence and converts it to mono PCM at
// the voice's output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	lang := p.language
	if voice.Language != "" {
		lang = strings.SplitN(voice.Language, "-", 2)[0]
	}

	var req *http.Request
	var err error
	switch p.apiMode {
	case APIModeXTTS:
		body, _ := json.Marshal(map[string]string{
			"text":        sentence,
			"speaker_wav": voice.ID,
			"language":    lang,
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{}
		q.Set("text", sentence)
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if lang != "" {
			q.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, format, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.ToMono16(pcm, format, voice.OutputRate()), nil
}

// sentenceBoundary returns the index of the first '.', '!' or '?' that ends
// s or is followed by whitespace, or -1. "3.14" and "Dr.X" do not split.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// ListVoices retrieves the voice catalogue from the server.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}

	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		return profiles(names, "studio", ""), nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}
	if len(details.Speakers) > 0 {
		return profiles(details.Speakers, "speaker", details.ModelName), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return profiles([]string{name}, "single-speaker", name), nil
}

// profiles builds sorted VoiceProfiles from speaker names.
func profiles(names []string, kind, model string) []tts.VoiceProfile {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	out := make([]tts.VoiceProfile, 0, len(sorted))
	for _, n := range sorted {
		meta := map[string]string{"type": kind}
		if model != "" {
			meta["model_name"] = model
		}
		out = append(out, tts.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: meta})
	}
	return out
}
