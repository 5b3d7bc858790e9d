// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., a Kokoro server,
// Coqui TTS, or ElevenLabs) and turns one reply into one playable WAV file.
// Replies are short and are played only once complete, so the contract is a
// single batch call.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSynthesis is wrapped by every error returned for a failed synthesis.
var ErrSynthesis = errors.New("tts: synthesis failed")

// Quantization selects the weight precision of a locally served model.
type Quantization string

// Supported quantizations.
const (
	QuantFP32  Quantization = "fp32"
	QuantFP16  Quantization = "fp16"
	QuantQ8    Quantization = "q8"
	QuantQ4    Quantization = "q4"
	QuantQ4F16 Quantization = "q4f16"
)

// DefaultQuantization is used when none is configured.
const DefaultQuantization = QuantQ4

// ParseQuantization returns the quantization named by s (case-insensitive).
func ParseQuantization(s string) (Quantization, error) {
	q := Quantization(strings.ToLower(strings.TrimSpace(s)))
	switch q {
	case QuantFP32, QuantFP16, QuantQ8, QuantQ4, QuantQ4F16:
		return q, nil
	default:
		return "", fmt.Errorf("tts: unknown quantization %q; valid: fp32, fp16, q8, q4, q4f16", s)
	}
}

// VoiceProfile describes the voice a reply is spoken in.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "bf_emma").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text in voice and returns a complete WAV file.
	// Failures wrap ErrSynthesis.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}
