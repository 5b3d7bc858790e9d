// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script transcripts per call and to inspect the audio the
// caller handed over.
//
// Example:
//
//	p := &mock.Provider{Texts: []string{"hello", "goodbye"}}
//	text, _ := p.Transcribe(ctx, samples, 16000, "en")
package mock

import (
	"context"
	"sync"

	"github.com/aiphone/aiphone/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// SampleCount is the number of samples passed in.
	SampleCount int
	// SampleRate is the sample rate passed in.
	SampleRate int
	// Language is the language passed in.
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts are returned in order, one per call. Once exhausted, Text is
	// returned.
	Texts []string

	// Text is the transcript returned after Texts is exhausted.
	Text string

	// Errs are returned in order, one per call, alongside Texts. A nil entry
	// means success. Once exhausted, Err is returned.
	Errs []error

	// Err is the error returned after Errs is exhausted.
	Err error

	// WarmupErr is returned by Warmup.
	WarmupErr error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	// WarmupCalls counts calls to Warmup.
	WarmupCalls int
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(_ context.Context, samples []float32, sampleRate int, language string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.Calls)
	p.Calls = append(p.Calls, TranscribeCall{
		SampleCount: len(samples),
		SampleRate:  sampleRate,
		Language:    language,
	})

	err := p.Err
	if i < len(p.Errs) {
		err = p.Errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(p.Texts) {
		return p.Texts[i], nil
	}
	return p.Text, nil
}

// Warmup counts the call and returns WarmupErr.
func (p *Provider) Warmup(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmupCalls++
	return p.WarmupErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.WarmupCalls = 0
}

// Ensure Provider implements stt.Provider at compile time.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Warmer   = (*Provider)(nil)
)
