package stt

import "time"

// EventType classifies the events carried on a session's Results channel.
type EventType int

const (
	// EventTranscript carries recognised text, interim or final.
	EventTranscript EventType = iota

	// EventUtteranceEnd marks the end of an utterance detected from a word gap.
	// It carries no text.
	EventUtteranceEnd

	// EventSpeechStarted marks the onset of speech. It carries no text.
	EventSpeechStarted
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	default:
		return "unknown"
	}
}

// Transcript represents a speech-to-text event from an STT provider.
// Interim and final transcripts, as well as utterance boundaries, use this type.
type Transcript struct {
	// Event classifies the record. The zero value is EventTranscript.
	Event EventType

	// Text is the transcribed speech content of the best alternative.
	Text string

	// IsFinal indicates that the provider will not revise this segment again.
	IsFinal bool

	// SpeechFinal indicates that the provider detected the end of the speaker's
	// utterance (endpointing) at the end of this segment.
	SpeechFinal bool

	// Confidence is the confidence of the best alternative (0.0–1.0). May be
	// zero if the provider does not report confidence.
	Confidence float64

	// Alternatives lists every hypothesis in provider rank order, the best one
	// first. May be nil.
	Alternatives []Alternative

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the segment started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the segment.
	Duration time.Duration
}

// Alternative is one recognition hypothesis.
type Alternative struct {
	Text       string
	Confidence float64
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
