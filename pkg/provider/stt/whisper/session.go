package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the normalised RMS energy below which a chunk is
	// considered silent. 0.01 ≈ 330 in 16-bit PCM units.
	defaultRMSThreshold = 0.01

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	defaultNoSpeechTimeoutMs   = 8_000
	defaultMaxFailures         = 3
)

// transcriber runs batch inference over one buffered utterance. Errors it
// returns must already be classified with an stt end reason.
type transcriber interface {
	transcribe(ctx context.Context, pcm []byte, format audio.Format, language string) (string, error)
}

// segmentConfig holds the silence segmentation parameters shared by both
// providers.
type segmentConfig struct {
	silenceThresholdMs  int
	maxBufferDurationMs int
	noSpeechTimeoutMs   int
	maxFailures         int
	rmsThreshold        float64
}

func defaultSegmentConfig() segmentConfig {
	return segmentConfig{
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		noSpeechTimeoutMs:   defaultNoSpeechTimeoutMs,
		maxFailures:         defaultMaxFailures,
		rmsThreshold:        defaultRMSThreshold,
	}
}

// session is a live whisper transcription session shared by [Provider] and
// [NativeProvider]. whisper.cpp is a batch engine, so the session buffers
// incoming PCM, segments utterances with an energy-based silence detector, and
// submits each utterance for inference. All buffering state is confined to
// processLoop.
//
// A session ends on its own with [stt.ErrNoSpeech] after noSpeechTimeoutMs of
// audio without speech, or with the transcriber's error after maxFailures
// consecutive inference failures.
type session struct {
	tr       transcriber
	format   audio.Format
	language string
	seg      segmentConfig

	audioCh chan []byte
	results chan stt.Transcript

	cancel context.CancelFunc
	done   chan struct{} // closed when the session stops accepting audio
	ended  chan struct{} // closed when processLoop has exited
	once   sync.Once

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*session)(nil)

func startSession(tr transcriber, format audio.Format, language string, seg segmentConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		tr:       tr,
		format:   format,
		language: language,
		seg:      seg,
		audioCh:  make(chan []byte, 256),
		results:  make(chan stt.Transcript, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// silence analysis and buffering.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Results returns the ordered transcript stream.
func (s *session) Results() <-chan stt.Transcript { return s.results }

// Err reports why the session ended on its own.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetKeywords always fails because whisper.cpp has no keyword boosting API.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keywords: %w", stt.ErrNotSupported)
}

// Close stops accepting audio, transcribes any pending speech, and waits for
// the session to finish. Calling Close more than once is safe.
func (s *session) Close() error {
	s.stop(nil)
	<-s.ended
	return nil
}

func (s *session) stop(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// processLoop is the single goroutine responsible for silence detection,
// audio buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer close(s.ended)
	defer close(s.results)
	defer s.cancel()

	var (
		buffer    []byte // accumulated PCM for the current utterance
		hadSpeech bool   // true once any high-energy chunk has been buffered
		silenceMs int    // consecutive silence accumulated after speech
		idleMs    int    // audio received without any speech
		failures  int    // consecutive inference failures
		offset    time.Duration
	)

	maxBufferBytes := int(int64(s.seg.maxBufferDurationMs) * int64(s.format.BytesPerSecond()) / 1000)

	// flush transcribes the buffered utterance. speechFinal marks a flush
	// triggered by trailing silence rather than the buffer limit. Delivery is
	// abandoned when abort closes. It returns false once the session has
	// failed too often to continue.
	flush := func(fctx context.Context, abort <-chan struct{}, speechFinal bool) bool {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silenceMs = nil, false, 0
			return true
		}
		pcm := buffer
		buffer, hadSpeech, silenceMs = nil, false, 0

		start := offset
		offset += audio.Duration(pcm, s.format)

		text, err := s.tr.transcribe(fctx, pcm, s.format, s.language)
		if err != nil {
			failures++
			slog.Warn("whisper: inference failed", "err", err, "consecutive", failures)
			if s.seg.maxFailures > 0 && failures >= s.seg.maxFailures {
				s.stop(err)
				return false
			}
			return true
		}
		failures = 0
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		t := stt.Transcript{
			Text:         text,
			IsFinal:      true,
			SpeechFinal:  speechFinal,
			Alternatives: []stt.Alternative{{Text: text}},
			Timestamp:    start,
			Duration:     audio.Duration(pcm, s.format),
		}
		select {
		case s.results <- t:
		case <-abort:
		case <-fctx.Done():
		}
		return true
	}

	// finalFlush uses a fresh context so a pending utterance is still
	// transcribed while the session shuts down.
	finalFlush := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		flush(fc, nil, true)
	}

	for {
		select {
		case <-s.done:
			s.mu.Lock()
			failed := s.err != nil
			s.mu.Unlock()
			if !failed {
				finalFlush()
			}
			return

		case chunk := <-s.audioCh:
			rms := audio.RMS(audio.ToFloat32(chunk, s.format.Channels))
			chunkMs := int(audio.Duration(chunk, s.format) / time.Millisecond)

			if rms < s.seg.rmsThreshold {
				if !hadSpeech {
					// Leading silence before any speech is discarded.
					offset += audio.Duration(chunk, s.format)
					idleMs += chunkMs
					if s.seg.noSpeechTimeoutMs > 0 && idleMs >= s.seg.noSpeechTimeoutMs {
						s.stop(fmt.Errorf("whisper: %w after %dms", stt.ErrNoSpeech, idleMs))
						return
					}
					continue
				}
				silenceMs += chunkMs
				buffer = append(buffer, chunk...)
				if silenceMs >= s.seg.silenceThresholdMs {
					if !flush(ctx, s.done, true) {
						return
					}
				}
				continue
			}

			hadSpeech = true
			idleMs = 0
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
				if !flush(ctx, s.done, false) {
					return
				}
			}
		}
	}
}
