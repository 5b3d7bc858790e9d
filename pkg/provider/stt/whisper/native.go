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

	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/stt"
)

// Compile-time assertions.
var (
	_ stt.Provider = (*NativeProvider)(nil)
	_ stt.Warmer   = (*NativeProvider)(nil)
)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and owned by the provider for the process lifetime.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint

	// mu serialises inference: whisper.cpp saturates the CPU on its own and
	// the call loop never has more than one utterance in flight.
	mu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when Transcribe is called with
// an empty language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of CPU threads used per inference. Zero
// keeps the whisper.cpp default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
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
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp over samples. Audio at a rate other than 16 kHz
// is resampled first, since whisper models are trained on 16 kHz input.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: whisper: %w", stt.ErrTranscription, err)
	}
	if language == "" {
		language = p.language
	}
	if sampleRate > 0 && sampleRate != defaultSampleRate {
		pcm := audio.ResampleMono16(audio.Float32ToPCM(samples), sampleRate, defaultSampleRate)
		samples = audio.PCMToFloat32(pcm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	text, err := p.infer(samples, stt.LanguageCode(language))
	if err != nil {
		return "", fmt.Errorf("%w: %w", stt.ErrTranscription, err)
	}
	return text, nil
}

// Warmup runs inference over half a second of silence so that the first
// real utterance does not pay for lazy allocations inside whisper.cpp.
func (p *NativeProvider) Warmup(ctx context.Context) error {
	_, err := p.Transcribe(ctx, make([]float32, warmupSamples), defaultSampleRate, "")
	return err
}

func (p *NativeProvider) infer(samples []float32, language string) (string, error) {
	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return cleanTranscript(strings.Join(parts, " ")), nil
}
