// Package kokoro provides a TTS provider for a locally served Kokoro-82M model.
//
// The provider targets any server exposing the OpenAI-compatible speech route
// POST /v1/audio/speech (for example Kokoro-FastAPI). The ONNX model id and
// its quantization are forwarded with every request so that the server can
// load the matching weights.
//
// Usage:
//
//	p, err := kokoro.New("http://localhost:8880",
//	    kokoro.WithModel("onnx-community/Kokoro-82M-v1.0-ONNX"),
//	    kokoro.WithQuantization(tts.QuantQ4),
//	)
//	wav, err := p.Synthesize(ctx, "Hello!", tts.VoiceProfile{ID: "bf_emma"})
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultModel is the Kokoro ONNX model id.
	DefaultModel = "onnx-community/Kokoro-82M-v1.0-ONNX"

	// DefaultVoice is the voice used when a request names none.
	DefaultVoice = "bf_emma"

	speechEndpoint = "/v1/audio/speech"
	defaultTimeout = 60 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model id. Defaults to DefaultModel.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithQuantization sets the weight precision. Defaults to tts.DefaultQuantization.
func WithQuantization(q tts.Quantization) Option {
	return func(p *Provider) { p.quantization = q }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements tts.Provider against a Kokoro speech server.
type Provider struct {
	serverURL    string
	model        string
	quantization tts.Quantization
	httpClient   *http.Client
}

// New creates a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("kokoro: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		model:        DefaultModel,
		quantization: tts.DefaultQuantization,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model returns the configured model id.
func (p *Provider) Model() string { return p.model }

// Quantization returns the configured weight precision.
func (p *Provider) Quantization() tts.Quantization { return p.quantization }

// speechRequest is the JSON body of POST /v1/audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	DType          string  `json:"dtype,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	wav, err := p.synthesize(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tts.ErrSynthesis, err)
	}
	return wav, nil
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("kokoro: text must not be empty")
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	body, err := json.Marshal(speechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          voiceID,
		ResponseFormat: "wav",
		Speed:          voice.SpeedFactor,
		DType:          string(p.quantization),
	})
	if err != nil {
		return nil, fmt.Errorf("kokoro: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+speechEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kokoro: POST %s: %w", speechEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kokoro: POST %s returned status %d: %s", speechEndpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read WAV response: %w", err)
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("kokoro: %w", err)
	}
	if info.SampleCount() == 0 {
		return nil, errors.New("kokoro: server returned no audio")
	}
	return wav, nil
}
