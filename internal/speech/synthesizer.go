// Package speech turns reply text into expressive spoken audio.
//
// A [Synthesizer] normalizes annotated text ([Normalize]), derives prosody
// from the persona and the emotional cues in the text ([ComputeProsody]),
// picks a voice from the provider catalogue ([SelectVoice]) and streams the
// synthesized PCM to an [audio.Speaker]. At most one utterance plays at a
// time; a new Speak or [Synthesizer.Cancel] cuts the current one short.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ErrNoSynthesizer is returned when no TTS provider is configured.
var ErrNoSynthesizer = errors.New("speech: no synthesizer configured")

// Interruption reasons recorded in metrics.
const (
	ReasonReplaced  = "replaced"
	ReasonCancelled = "cancelled"
	ReasonBargeIn   = "barge_in"
	ReasonContext   = "context"
)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithVoiceMap maps personas to explicit voice IDs. A mapped ID is used when
// the caller does not request a voice.
func WithVoiceMap(m map[Persona]string) Option {
	return func(s *Synthesizer) {
		for p, id := range m {
			s.voiceMap[p] = id
		}
	}
}

// WithDefaultPersona sets the persona used when the caller asks for
// [PersonaNeutral].
func WithDefaultPersona(p Persona) Option {
	return func(s *Synthesizer) { s.defaultPersona = p }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Synthesizer speaks text through a TTS provider and a speaker.
// It is safe for concurrent use.
type Synthesizer struct {
	provider tts.Provider
	speaker  audio.Speaker
	metrics  *observe.Metrics

	cfgMu          sync.RWMutex
	voiceMap       map[Persona]string
	defaultPersona Persona

	voicesMu sync.Mutex
	voices   []tts.VoiceProfile

	mu      sync.Mutex
	current *utterance
}

// utterance is one in-flight Speak call.
type utterance struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason atomic.Pointer[string]
}

// stop cancels the utterance and waits for its Speak call to return. The
// first recorded reason wins.
func (u *utterance) stop(reason string) {
	u.reason.CompareAndSwap(nil, &reason)
	u.cancel()
	<-u.done
}

// New returns a Synthesizer. A nil provider is allowed; Speak then returns
// [ErrNoSynthesizer].
func New(provider tts.Provider, speaker audio.Speaker, opts ...Option) (*Synthesizer, error) {
	if speaker == nil {
		return nil, errors.New("speech: speaker must not be nil")
	}
	s := &Synthesizer{
		provider: provider,
		speaker:  speaker,
		voiceMap: make(map[Persona]string),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Speak stops the current utterance, then synthesizes text and plays it
// until it finishes or is cancelled. Cancellation through ctx, [Synthesizer.Cancel]
// or a newer Speak returns nil. An error is returned only when synthesis
// cannot start or the speaker fails.
func (s *Synthesizer) Speak(ctx context.Context, text string, c Characteristics) (err error) {
	if s.provider == nil {
		return ErrNoSynthesizer
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	prev := s.current
	s.current = u
	s.mu.Unlock()
	if prev != nil {
		prev.stop(ReasonReplaced)
	}

	start := time.Now()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.current == u {
			s.current = nil
		}
		s.mu.Unlock()
		close(u.done)
	}()

	spoken := Normalize(text)
	if spoken == "" {
		return nil
	}

	persona := c.Persona
	if persona == PersonaNeutral {
		s.cfgMu.RLock()
		persona = s.defaultPersona
		s.cfgMu.RUnlock()
	}
	pros := ComputeProsody(text, persona, c.Rate, c.Pitch)
	voice := s.pickVoice(uctx, persona, c)
	voice.SpeedFactor = pros.Rate
	voice.PitchShift = pros.Pitch
	if c.SampleRate > 0 {
		voice.SampleRate = c.SampleRate
	}

	spanCtx, span := observe.StartSpan(uctx, "speech.speak")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(spanCtx)

	textCh := make(chan string, 1)
	textCh <- spoken
	close(textCh)

	pcm, err := s.provider.SynthesizeStream(uctx, textCh, voice)
	if err != nil {
		if uctx.Err() != nil {
			s.recordInterruption(ctx, u)
			return nil
		}
		s.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	scaled := make(chan []byte)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(scaled)
		for chunk := range pcm {
			select {
			case scaled <- audio.ScaleVolume(chunk, pros.Volume):
			case <-uctx.Done():
				audio.Drain(pcm)
				return
			}
		}
	}()

	log.Debug("speech: speaking", "voice", voice.ID, "persona", persona.String(),
		"rate", pros.Rate, "pitch", pros.Pitch, "volume", pros.Volume)
	playErr := s.speaker.Play(uctx, scaled, audio.Format{SampleRate: voice.OutputRate(), Channels: 1})
	interrupted := uctx.Err() != nil
	cancel()
	wg.Wait()

	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if interrupted {
		s.recordInterruption(ctx, u)
		return nil
	}
	if playErr != nil {
		s.metrics.RecordProviderError(ctx, "speaker", "play")
		return fmt.Errorf("speech: play: %w", playErr)
	}
	return nil
}

// SetPersonas replaces the default persona and the voice map. Utterances
// already playing keep their voice.
func (s *Synthesizer) SetPersonas(defaultPersona Persona, voiceMap map[Persona]string) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.defaultPersona = defaultPersona
	s.voiceMap = maps.Clone(voiceMap)
	if s.voiceMap == nil {
		s.voiceMap = make(map[Persona]string)
	}
}

// Cancel stops the current utterance, if any, and waits for it to end.
func (s *Synthesizer) Cancel() { s.Interrupt(ReasonCancelled) }

// Interrupt is Cancel with the reason recorded in metrics. It reports
// whether an utterance was playing.
func (s *Synthesizer) Interrupt(reason string) bool {
	s.mu.Lock()
	u := s.current
	s.mu.Unlock()
	if u == nil {
		return false
	}
	u.stop(reason)
	return true
}

// Speaking reports whether an utterance is in flight.
func (s *Synthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Voices returns the provider's voice catalogue. The first successful result
// is cached.
func (s *Synthesizer) Voices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if s.provider == nil {
		return nil, ErrNoSynthesizer
	}
	s.voicesMu.Lock()
	defer s.voicesMu.Unlock()
	if s.voices != nil {
		return s.voices, nil
	}
	voices, err := s.provider.ListVoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech: list voices: %w", err)
	}
	if voices == nil {
		voices = []tts.VoiceProfile{}
	}
	s.voices = voices
	return voices, nil
}

func (s *Synthesizer) pickVoice(ctx context.Context, persona Persona, c Characteristics) tts.VoiceProfile {
	if c.VoiceID == "" {
		s.cfgMu.RLock()
		c.VoiceID = s.voiceMap[persona]
		s.cfgMu.RUnlock()
	}
	c.Persona = persona
	voices, err := s.Voices(ctx)
	if err != nil {
		slog.Warn("speech: voice catalogue unavailable", "err", err)
		return tts.VoiceProfile{ID: c.VoiceID, Language: c.Language}
	}
	v, ok := SelectVoice(voices, c)
	if !ok {
		return tts.VoiceProfile{ID: c.VoiceID, Language: c.Language}
	}
	return v
}

func (s *Synthesizer) recordInterruption(ctx context.Context, u *utterance) {
	reason := ReasonContext
	if r := u.reason.Load(); r != nil {
		reason = *r
	}
	s.metrics.RecordInterruption(context.WithoutCancel(ctx), reason)
}
