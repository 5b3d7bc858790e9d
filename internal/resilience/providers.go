package resilience

import (
	"context"

	"github.com/aiphone/aiphone/pkg/provider/llm"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// ---- LLM ----

// LLMFallback is an [llm.Provider] that fails over across dialogue backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ---- STT ----

// STTFallback is an [stt.Provider] that fails over across transcribers.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var (
	_ stt.Provider = (*STTFallback)(nil)
	_ stt.Warmer   = (*STTFallback)(nil)
)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in the order they are tried.
func (f *STTFallback) Names() []string { return f.group.Names() }

// Transcribe implements [stt.Provider].
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, samples, sampleRate, language)
	})
}

// Warmup warms the primary backend when it supports warm-up.
func (f *STTFallback) Warmup(ctx context.Context) error {
	if w, ok := f.group.Primary().(stt.Warmer); ok {
		return w.Warmup(ctx)
	}
	return nil
}

// ---- TTS ----

// TTSFallback is a [tts.Provider] that fails over across synthesizers.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in the order they are tried.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
