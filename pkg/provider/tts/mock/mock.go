// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return canned WAV audio and to verify which texts and
// voices reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{}
//	wav, _ := p.Synthesize(ctx, "Hello!", tts.VoiceProfile{ID: "bf_emma"})
package mock

import (
	"context"
	"sync"

	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// WAV is returned by Synthesize. When nil a short silent 16 kHz mono WAV
	// is returned.
	WAV []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// ErrFor maps a text to an error returned only for that text.
	ErrFor map[string]error

	// Block, when non-nil, makes Synthesize wait until it is closed or the
	// context is done.
	Block chan struct{}

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns WAV or the configured error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ErrFor[text]; err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.WAV != nil {
		return p.WAV, nil
	}
	return audio.EncodeWAV(make([]byte, 320), audio.DefaultSampleRate, 1), nil
}

// Texts returns the texts of all recorded calls. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CallCount returns the number of recorded calls. Thread-safe.
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
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
