// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider turns one finished recording into text. The call loop records a
// whole utterance before it transcribes, so the contract is a single batch
// call rather than a stream: the caller hands over mono float32 samples in
// [-1, 1] and receives the recognised text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrTranscription is wrapped by every error a Provider returns for a failed
// transcription, whether the model, the transport or the input was at fault.
var ErrTranscription = errors.New("stt: transcription failed")

// Provider is the abstraction over any Speech-to-Text backend.
type Provider interface {
	// Transcribe recognises speech in samples (mono float32, normalised to
	// [-1, 1]) captured at sampleRate Hz. language is a language name or
	// BCP-47 code; an empty string lets the backend pick its default.
	//
	// An utterance without recognisable speech yields an empty string and a
	// nil error. Failures wrap ErrTranscription.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)
}

// Warmer is implemented by providers that benefit from a throw-away request
// at startup, for example to page a model into memory.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Func adapts an ordinary function to the Provider interface.
type Func func(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)

// Transcribe calls f.
func (f Func) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	return f(ctx, samples, sampleRate, language)
}

// languageCodes maps the language names accepted in configuration to the
// codes whisper-style backends expect.
var languageCodes = map[string]string{
	"english":    "en",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"turkish":    "tr",
	"russian":    "ru",
	"japanese":   "ja",
	"chinese":    "zh",
}

// LanguageCode normalises a configured language to a short code. Names such
// as "english" map to "en"; anything else is returned unchanged.
func LanguageCode(lang string) string {
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	return lang
}
