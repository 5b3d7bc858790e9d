// Package dialogue turns a caller transcript into the assistant's structured
// reply. It owns the conversation history format, the reply contract
// ({"response", "send_triage", "end_call"}) and the system prompt.
//
// The model backend is any [llm.Provider]; several backends can be chained
// with resilience.LLMFallback before they are handed to [New].
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aiphone/aiphone/pkg/provider/llm"
)

// DefaultMaxTokens caps the length of one reply.
const DefaultMaxTokens = 1024

// ErrDialogue is wrapped by every failure to obtain a reply from the model.
var ErrDialogue = errors.New("dialogue: request failed")

// Service sends caller turns to the dialogue model.
type Service struct {
	provider    llm.Provider
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Service)

// WithMaxTokens overrides [DefaultMaxTokens].
func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Zero keeps the backend
// default.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a Service backed by p.
func New(p llm.Provider, opts ...Option) *Service {
	s := &Service{
		provider:  p,
		maxTokens: DefaultMaxTokens,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send asks the model to answer userText given the earlier conversation in
// history. history must not already contain userText.
//
// A reply that is not JSON is not an error: it is wrapped by [ParseReply].
// Transport, authentication and empty-answer failures wrap [ErrDialogue].
func (s *Service) Send(ctx context.Context, userText string, history []Entry, systemPrompt string) (Reply, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, e := range history {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userContent(userText)})

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: systemPrompt,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrDialogue, err)
	}
	if resp == nil || resp.Content == "" {
		return Reply{}, fmt.Errorf("%w: %w", ErrDialogue, llm.ErrEmptyResponse)
	}

	s.logger.Debug("dialogue reply received",
		"model", resp.Model,
		"history_len", len(history),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	reply := ParseReply(resp.Content)
	if !reply.Structured {
		s.logger.Debug("dialogue reply is not structured JSON, wrapped as plain response")
	}
	return reply, nil
}
