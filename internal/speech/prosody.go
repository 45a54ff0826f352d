package speech

import (
	"regexp"
	"strings"
)

// Prosody bounds. Rate and pitch are multipliers relative to the engine's
// default; volume is absolute.
const (
	MinRate   = 0.7
	MaxRate   = 1.3
	MinPitch  = 0.8
	MaxPitch  = 1.2
	MinVolume = 0.5
	MaxVolume = 1.0
)

// Prosody is the delivery applied to one utterance.
type Prosody struct {
	Rate   float64
	Pitch  float64
	Volume float64
}

// Persona is a named speaking personality.
type Persona int

const (
	// PersonaNeutral has no adjustment.
	PersonaNeutral Persona = iota
	// PersonaAurora is energetic and bright.
	PersonaAurora
	// PersonaSage is calm and measured.
	PersonaSage
	// PersonaNova is warm and friendly.
	PersonaNova
	// PersonaAtlas is deep and authoritative.
	PersonaAtlas
	// PersonaLuna is soft and gentle.
	PersonaLuna
)

type personaProfile struct {
	name   string
	gender string
	base   Prosody
	// voiceHints are voice names this persona maps to, best first.
	voiceHints []string
}

var personas = map[Persona]personaProfile{
	PersonaNeutral: {name: "neutral", base: Prosody{Rate: 1.0, Pitch: 1.0, Volume: 0.9}},
	PersonaAurora:  {name: "aurora", gender: "female", base: Prosody{Rate: 1.1, Pitch: 1.05, Volume: 0.95}, voiceHints: []string{"aurora", "rachel", "bella", "jenny"}},
	PersonaSage:    {name: "sage", gender: "male", base: Prosody{Rate: 0.9, Pitch: 0.95, Volume: 0.85}, voiceHints: []string{"sage", "daniel", "george", "arthur"}},
	PersonaNova:    {name: "nova", gender: "female", base: Prosody{Rate: 1.0, Pitch: 1.02, Volume: 0.9}, voiceHints: []string{"nova", "sarah", "charlotte", "emily"}},
	PersonaAtlas:   {name: "atlas", gender: "male", base: Prosody{Rate: 0.95, Pitch: 0.9, Volume: 1.0}, voiceHints: []string{"atlas", "adam", "brian", "josh"}},
	PersonaLuna:    {name: "luna", gender: "female", base: Prosody{Rate: 0.92, Pitch: 1.05, Volume: 0.8}, voiceHints: []string{"luna", "lily", "grace", "serena"}},
}

// Personas returns every persona in declaration order.
func Personas() []Persona {
	return []Persona{PersonaNeutral, PersonaAurora, PersonaSage, PersonaNova, PersonaAtlas, PersonaLuna}
}

// String returns the lowercase persona name.
func (p Persona) String() string {
	if prof, ok := personas[p]; ok {
		return prof.name
	}
	return "unknown"
}

// ParsePersona maps a name to a Persona. Unknown names are neutral.
func ParsePersona(name string) (Persona, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for p, prof := range personas {
		if prof.name == n {
			return p, true
		}
	}
	return PersonaNeutral, false
}

func (p Persona) profile() personaProfile {
	if prof, ok := personas[p]; ok {
		return prof
	}
	return personas[PersonaNeutral]
}

// emotionRule scales the prosody when its predicate matches the raw text.
type emotionRule struct {
	name    string
	matches func(raw, lower string) bool
	rate    float64
	pitch   float64
	volume  float64
}

var (
	excitementWords    = regexp.MustCompile(`\b(amazing|awesome|incredible|fantastic|wow|great|love|wonderful)\b`)
	laughterWords      = regexp.MustCompile(`laugh|chuckle|giggle|\bha(ha)+\b|\bha ha\b|\blol\b`)
	contemplationWords = regexp.MustCompile(`\b(hmm+|perhaps|maybe|wonder|consider|think)\b`)
	whisperWords       = regexp.MustCompile(`whisper|\bquietly\b|\bsecret\b|\bsoftly\b`)
	shoutedWord        = regexp.MustCompile(`\b[A-Z]{3,}\b`)
)

// emotionRules are applied in order; every matching rule contributes.
var emotionRules = []emotionRule{
	{
		name:    "excitement",
		rate:    1.1,
		pitch:   1.1,
		volume:  1.05,
		matches: func(raw, lower string) bool { return strings.Contains(raw, "!") || excitementWords.MatchString(lower) },
	},
	{
		name:    "laughter",
		rate:    1.05,
		pitch:   1.08,
		volume:  1.0,
		matches: func(_, lower string) bool { return laughterWords.MatchString(lower) },
	},
	{
		name:   "contemplation",
		rate:   0.9,
		pitch:  0.97,
		volume: 0.95,
		matches: func(raw, lower string) bool {
			return strings.Contains(raw, "...") || contemplationWords.MatchString(lower)
		},
	},
	{
		name:    "whisper",
		rate:    0.9,
		pitch:   0.95,
		volume:  0.6,
		matches: func(_, lower string) bool { return whisperWords.MatchString(lower) },
	},
	{
		name:    "emphasis",
		rate:    0.95,
		pitch:   1.05,
		volume:  1.1,
		matches: func(raw, _ string) bool { return shoutedWord.MatchString(raw) },
	},
}

// ComputeProsody derives the delivery of raw (un-normalized) text for a
// persona. rate and pitch are caller multipliers; zero means neutral. The
// result always lies within the package bounds.
func ComputeProsody(raw string, persona Persona, rate, pitch float64) Prosody {
	p := persona.profile().base
	if rate > 0 {
		p.Rate *= rate
	}
	if pitch > 0 {
		p.Pitch *= pitch
	}
	lower := strings.ToLower(raw)
	for _, r := range emotionRules {
		if r.matches(raw, lower) {
			p.Rate *= r.rate
			p.Pitch *= r.pitch
			p.Volume *= r.volume
		}
	}
	return Prosody{
		Rate:   clamp(p.Rate, MinRate, MaxRate),
		Pitch:  clamp(p.Pitch, MinPitch, MaxPitch),
		Volume: clamp(p.Volume, MinVolume, MaxVolume),
	}
}

// clamp maps NaN to lo.
func clamp(v, lo, hi float64) float64 {
	if !(v >= lo) {
		return lo
	}
	return min(v, hi)
}
