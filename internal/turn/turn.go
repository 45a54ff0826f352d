// Package turn groups recognition events into user turns.
//
// A [Detector] consumes stt.Transcript events in provider order and produces
// [SpeechResult] values for the caller: interim results while the user is
// speaking and exactly one end-of-turn result when the provider (or the
// caller's silence timer via [Detector.Flush]) decides the user has finished.
// Each end-of-turn result carries a fresh turn ID.
package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// SpeechResult is one recognition result as delivered to callers.
type SpeechResult struct {
	// Transcript is the recognised text. For end-of-turn results it is the
	// text of the whole turn.
	Transcript string

	// Confidence is in [0, 1].
	Confidence float64

	// IsFinal reports that the text will not be revised.
	IsFinal bool

	// IsEndOfTurn reports that the user finished speaking. Such results are
	// always final.
	IsEndOfTurn bool

	// TurnID identifies the turn. It is empty unless IsEndOfTurn is set.
	TurnID string

	// Alternatives lists recognition hypotheses, best first.
	Alternatives []stt.Alternative
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the time source used for turn IDs.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector accumulates final segments until the end of a turn. It is safe
// for concurrent use, although events must be fed in provider order.
type Detector struct {
	now func() time.Time

	mu       sync.Mutex
	seq      uint64
	finals   []string
	confSum  float64
	interim  string
	imConf   float64
	lastAlts []stt.Alternative
}

// New returns a Detector with no open turn.
func New(opts ...Option) *Detector {
	d := &Detector{now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process consumes one event and returns the results it produces, if any.
func (d *Detector) Process(t stt.Transcript) []SpeechResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch t.Event {
	case stt.EventSpeechStarted:
		return nil
	case stt.EventUtteranceEnd:
		return d.closeTurn()
	}

	text := strings.TrimSpace(t.Text)
	if !t.IsFinal {
		if text == "" {
			return nil
		}
		d.interim, d.imConf = text, clamp01(t.Confidence)
		return []SpeechResult{{
			Transcript:   d.joined(text),
			Confidence:   clamp01(t.Confidence),
			Alternatives: t.Alternatives,
		}}
	}

	if text != "" {
		d.finals = append(d.finals, text)
		d.confSum += clamp01(t.Confidence)
		d.interim = ""
		d.lastAlts = t.Alternatives
	}
	if t.SpeechFinal || text == "" {
		return d.closeTurn()
	}
	return []SpeechResult{{
		Transcript:   d.joined(""),
		Confidence:   clamp01(t.Confidence),
		Alternatives: t.Alternatives,
	}}
}

// Flush closes the open turn as if the provider had marked the end of speech.
// It returns nil when no turn is open.
func (d *Detector) Flush() []SpeechResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeTurn()
}

// Open reports whether any text has been heard since the last turn ended.
func (d *Detector) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.finals) > 0 || d.interim != ""
}

// Reset discards the open turn. The turn sequence keeps counting.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
}

// closeTurn must be called with d.mu held. A turn heard only through
// interims ends with the latest interim text.
func (d *Detector) closeTurn() []SpeechResult {
	text := d.joined("")
	conf := 0.0
	if n := len(d.finals); n > 0 {
		conf = d.confSum / float64(n)
	} else if d.interim != "" {
		text, conf = d.interim, d.imConf
	}
	if text == "" {
		return nil
	}
	alts := d.lastAlts
	if len(d.finals) != 1 || len(alts) == 0 {
		alts = []stt.Alternative{{Text: text, Confidence: conf}}
	}

	d.seq++
	id := fmt.Sprintf("turn_%d_%d", d.now().UnixMilli(), d.seq)
	d.clear()
	return []SpeechResult{{
		Transcript:   text,
		Confidence:   conf,
		IsFinal:      true,
		IsEndOfTurn:  true,
		TurnID:       id,
		Alternatives: alts,
	}}
}

func (d *Detector) clear() {
	d.finals = nil
	d.confSum = 0
	d.interim, d.imConf = "", 0
	d.lastAlts = nil
}

// joined must be called with d.mu held.
func (d *Detector) joined(tail string) string {
	parts := d.finals
	if tail != "" {
		parts = append(parts[:len(parts):len(parts)], tail)
	}
	return strings.Join(parts, " ")
}

// clamp01 maps NaN to 0.
func clamp01(v float64) float64 {
	if !(v >= 0) {
		return 0
	}
	return min(v, 1)
}
