package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aiphone/aiphone/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role converts to the
// matching SDK union member.
func TestConvertMessage_Roles(t *testing.T) {
	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system: OfSystem not set (err=%v)", err)
	}
	usr, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Errorf("user: OfUser not set (err=%v)", err)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Errorf("assistant: OfAssistant not set (err=%v)", err)
	}
}

// TestConvertMessage_UnknownRole checks that an unsupported role is rejected.
func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key unless
// a local server is addressed.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty API key")
	}
	if _, err := New("", "llama3", WithBaseURL("http://localhost:8000/v1/")); err != nil {
		t.Fatalf("local server without key: %v", err)
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestComplete_RoundTrip runs Complete against a fake chat completions
// endpoint and checks the request body and the decoded reply.
func TestComplete_RoundTrip(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxCompletionTokens int `json:"max_completion_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"response\":\"ok\"}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "triage",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:    1024,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"response":"ok"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 || resp.Model != "gpt-4o-mini" {
		t.Errorf("resp = %+v", resp)
	}
	if got.Model != "gpt-4o-mini" || got.MaxCompletionTokens != 1024 {
		t.Errorf("request model=%q max=%d", got.Model, got.MaxCompletionTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Errorf("request messages = %+v", got.Messages)
	}
}

// TestComplete_EmptyChoices checks that a reply without choices is an error.
func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "m", WithBaseURL(srv.URL+"/v1/"))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

// TestComplete_JSONObjectReplies checks that the response format is only sent
// when requested.
func TestComplete_JSONObjectReplies(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		var got struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m",` +
				`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{}"}}]}`))
		}))

		opts := []Option{WithBaseURL(srv.URL + "/v1/")}
		if enabled {
			opts = append(opts, WithJSONObjectReplies())
		}
		p, err := New("sk-test", "m", opts...)
		if err != nil {
			t.Fatal(err)
		}
		_, err = p.Complete(context.Background(), llm.CompletionRequest{
			SystemPrompt: "Answer in JSON.",
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		})
		srv.Close()
		if err != nil {
			t.Fatalf("enabled=%v: Complete: %v", enabled, err)
		}

		switch {
		case enabled && (got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object"):
			t.Errorf("enabled: response_format = %+v, want json_object", got.ResponseFormat)
		case !enabled && got.ResponseFormat != nil:
			t.Errorf("disabled: response_format = %+v, want absent", got.ResponseFormat)
		}
	}
}
