// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings,
// eliminating HTTP overhead entirely. The model is loaded once and shared
// across all sessions; each inference gets its own whisper context.
//
// NativeProvider is the host recognition engine used for the local path.
type NativeProvider struct {
	model      whisperlib.Model
	language   string
	sampleRate int
	seg        segmentConfig

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the default audio sample rate in Hz. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets the consecutive-silence duration that
// closes an utterance. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio duration
// before a forced flush. Defaults to 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.maxBufferDurationMs = ms }
}

// WithNativeNoSpeechTimeoutMs sets how much speechless audio ends a session
// with [stt.ErrNoSpeech]. Zero disables the timeout. Defaults to 8 000 ms.
func WithNativeNoSpeechTimeoutMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.noSpeechTimeoutMs = ms }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:      model,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		seg:        defaultSegmentConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Calling Close more than once is safe.
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}

// StartStream opens a new transcription session against the shared model.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	format, lang := resolveStream(cfg, p.sampleRate, p.language)
	if format.SampleRate != whisperlib.SampleRate {
		slog.Debug("whisper: resampling input for native model",
			"from", format.SampleRate, "to", whisperlib.SampleRate)
	}
	return startSession(p, format, lang, p.seg), nil
}

// transcribe converts the buffered PCM to 16 kHz mono float32, runs
// inference in a fresh context, and returns the concatenated segment text.
func (p *NativeProvider) transcribe(_ context.Context, pcm []byte, format audio.Format, language string) (string, error) {
	mono := audio.ToMono16(pcm, format, whisperlib.SampleRate)
	samples := audio.ToFloat32(mono, 1)

	// Contexts are not thread-safe; the model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w: %w", stt.ErrAborted, err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w: %w", stt.ErrAborted, err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w: %w", stt.ErrAborted, err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
