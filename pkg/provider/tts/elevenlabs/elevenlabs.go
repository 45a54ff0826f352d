// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider interface.
//
// The speaking rate of a VoiceProfile (SpeedFactor) is forwarded as the
// voice_settings speed; the output rate is requested as pcm_<rate>.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

const (
	defaultWSBase   = "wss://api.elevenlabs.io"
	defaultHTTPBase = "https://api.elevenlabs.io"
	defaultModel    = "eleven_flash_v2_5"

	// Speed bounds accepted by the ElevenLabs voice_settings object.
	minSpeed = 0.7
	maxSpeed = 1.2
)

// supportedRates lists the PCM output rates ElevenLabs can stream.
var supportedRates = []int{16000, 22050, 24000, 44100}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURLs overrides the WebSocket and REST base URLs. Intended for tests
// and regional endpoints.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = wsBase
		p.httpBase = httpBase
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	model      string
	wsBase     string
	httpBase   string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		wsBase:     defaultWSBase,
		httpBase:   defaultHTTPBase,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// settingsFor derives the voice settings for a profile.
func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = min(max(voice.SpeedFactor, minSpeed), maxSpeed)
	}
	return vs
}

// outputFormat picks the closest supported pcm_<rate> format at or below rate.
func outputFormat(rate int) string {
	best := supportedRates[0]
	for _, r := range supportedRates {
		if r <= rate {
			best = r
		}
	}
	return "pcm_" + strconv.Itoa(best)
}

// buildStreamURL constructs the stream-input WebSocket URL for a voice.
func (p *Provider) buildStreamURL(voice tts.VoiceProfile) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", outputFormat(voice.OutputRate()))
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.wsBase, url.PathEscape(voice.ID), q.Encode())
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("elevenlabs: %w", tts.ErrVoiceRequired)
	}

	conn, _, err := websocket.Dial(ctx, p.buildStreamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// ElevenLabs requires a single space as the first text value.
	boi := textMessage{Text: " ", VoiceSettings: settingsFor(voice), XiAPIKey: p.apiKey}
	if err := writeJSON(ctx, conn, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			p.readLoop(ctx, conn, audioCh)
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// An empty text closes the input and flushes remaining audio.
					_ = writeJSON(ctx, conn, textMessage{Text: ""})
					select {
					case <-readDone:
					case <-ctx.Done():
					}
					return
				}
				if fragment == "" {
					continue
				}
				if err := writeJSON(ctx, conn, textMessage{Text: fragment + " "}); err != nil {
					slog.Warn("elevenlabs: write text failed", "err", err)
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		pcm, final, err := decodeAudio(msg)
		if err != nil {
			slog.Warn("elevenlabs: server message", "err", err)
			return
		}
		if len(pcm) > 0 {
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}

// decodeAudio parses one server message into PCM. It reports whether the
// message was the final one of the stream.
func decodeAudio(msg []byte) ([]byte, bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, nil
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, resp.IsFinal, nil
	}
	return pcm, resp.IsFinal, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

// toProfiles maps the API catalogue onto VoiceProfiles. The gender, accent
// and language labels are lifted into their own fields.
func toProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			switch k {
			case "gender", "accent", "language":
			default:
				meta[k] = val
			}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Gender:   v.Labels["gender"],
			Accent:   v.Labels["accent"],
			Language: v.Labels["language"],
			Metadata: meta,
		})
	}
	return profiles
}
