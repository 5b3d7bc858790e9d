package dialogue_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aiphone/aiphone/internal/dialogue"
	"github.com/aiphone/aiphone/pkg/provider/llm"
	"github.com/aiphone/aiphone/pkg/provider/llm/mock"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantResponse   string
		wantEnd        bool
		wantTriage     bool
		wantStructured bool
	}{
		{
			name:         "plain text is wrapped",
			raw:          "Sure, happy to help!",
			wantResponse: "Sure, happy to help!",
		},
		{
			name:           "structured reply",
			raw:            `{"response":"Goodbye!","send_triage":true,"end_call":true}`,
			wantResponse:   "Goodbye!",
			wantEnd:        true,
			wantTriage:     true,
			wantStructured: true,
		},
		{
			name:           "missing flags default to false",
			raw:            `{"response":"What seems to be the problem?"}`,
			wantResponse:   "What seems to be the problem?",
			wantStructured: true,
		},
		{
			name:           "string flags",
			raw:            `{"response":"Bye","end_call":"true","send_triage":"no"}`,
			wantResponse:   "Bye",
			wantEnd:        true,
			wantStructured: true,
		},
		{
			name:           "fenced json",
			raw:            "```json\n{\"response\":\"Okay.\",\"end_call\":false}\n```",
			wantResponse:   "Okay.",
			wantStructured: true,
		},
		{
			name:         "json array is wrapped",
			raw:          `["a","b"]`,
			wantResponse: `["a","b"]`,
		},
		{
			name:           "object without response is spoken verbatim",
			raw:            `{"end_call":true}`,
			wantResponse:   `{"end_call":true}`,
			wantEnd:        true,
			wantStructured: true,
		},
		{
			name:         "truncated json is wrapped",
			raw:          `{"response":"I am sor`,
			wantResponse: `{"response":"I am sor`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := dialogue.ParseReply(tc.raw)
			if r.Response != tc.wantResponse {
				t.Errorf("Response = %q, want %q", r.Response, tc.wantResponse)
			}
			if r.EndCall != tc.wantEnd || r.SendTriage != tc.wantTriage {
				t.Errorf("EndCall/SendTriage = %v/%v, want %v/%v", r.EndCall, r.SendTriage, tc.wantEnd, tc.wantTriage)
			}
			if r.Structured != tc.wantStructured {
				t.Errorf("Structured = %v, want %v", r.Structured, tc.wantStructured)
			}
			if r.Raw != tc.raw {
				t.Errorf("Raw = %q, want input", r.Raw)
			}
		})
	}
}

func TestReply_TriagePayload(t *testing.T) {
	r := dialogue.ParseReply(`{"response":"A doctor will call you back.","send_triage":true,"end_call":true,"summary":"Persistent cough for two weeks"}`)
	conv := []dialogue.Turn{
		{Role: "assistant", Text: "Hello! How can I help you today?"},
		{Role: "user", Text: "I have had a cough for two weeks."},
	}

	b, err := json.Marshal(r.TriagePayload(conv))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Response     string          `json:"response"`
		SendTriage   bool            `json:"send_triage"`
		EndCall      bool            `json:"end_call"`
		Summary      string          `json:"summary"`
		Conversation []dialogue.Turn `json:"conversation"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Summary != "Persistent cough for two weeks" {
		t.Errorf("summary = %q", got.Summary)
	}
	if !got.SendTriage || !got.EndCall || got.Response != "A doctor will call you back." {
		t.Errorf("reply fields = %+v", got)
	}
	if len(got.Conversation) != 2 || got.Conversation[1].Text != "I have had a cough for two weeks." {
		t.Errorf("conversation = %+v", got.Conversation)
	}
}

func TestReply_TriagePayloadEmptyConversation(t *testing.T) {
	b, err := json.Marshal(dialogue.Reply{Response: "bye"}.TriagePayload(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"conversation":[]`) {
		t.Errorf("payload = %s, want an empty conversation array", b)
	}
}

func TestHistory(t *testing.T) {
	var h dialogue.History
	h.AddGreeting("Hello! How can I help you today?")
	h.AddUser(`I need "help"`)
	h.AddAssistant(dialogue.ParseReply(`{"response":"Of course.","end_call":false}`))

	entries := h.Entries()
	if len(entries) != 3 || h.Len() != 3 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[1].Content != `{"transcription":"I need \"help\""}` {
		t.Errorf("user content = %s", entries[1].Content)
	}
	if entries[2].Content != `{"response":"Of course.","end_call":false}` {
		t.Errorf("assistant content = %s, want the raw reply", entries[2].Content)
	}

	want := []dialogue.Turn{
		{Role: llm.RoleAssistant, Text: "Hello! How can I help you today?"},
		{Role: llm.RoleUser, Text: `I need "help"`},
		{Role: llm.RoleAssistant, Text: "Of course."},
	}
	got := h.Simplified()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Simplified[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	h.Clear()
	if h.Len() != 0 || len(h.Simplified()) != 0 {
		t.Error("history not cleared")
	}
}

func TestService_Send(t *testing.T) {
	p := &mock.Provider{Responses: []string{"Sure, happy to help!"}}
	svc := dialogue.New(p)

	var h dialogue.History
	h.AddGreeting("Hello! How can I help you today?")

	reply, err := svc.Send(context.Background(), "Can you help me?", h.Entries(), "be brief")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != "Sure, happy to help!" || reply.EndCall || reply.SendTriage {
		t.Errorf("reply = %+v", reply)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != dialogue.DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, dialogue.DefaultMaxTokens)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != llm.RoleAssistant || req.Messages[0].Content != "Hello! How can I help you today?" {
		t.Errorf("messages[0] = %+v", req.Messages[0])
	}
	last := req.Messages[1]
	if last.Role != llm.RoleUser || last.Content != `{"transcription":"Can you help me?"}` {
		t.Errorf("messages[1] = %+v", last)
	}
	if h.Len() != 1 {
		t.Errorf("Send mutated history: len = %d", h.Len())
	}
}

func TestService_SendOptions(t *testing.T) {
	p := &mock.Provider{Responses: []string{`{"response":"ok"}`}}
	svc := dialogue.New(p, dialogue.WithMaxTokens(256), dialogue.WithTemperature(0.3))
	if _, err := svc.Send(context.Background(), "hi", nil, ""); err != nil {
		t.Fatal(err)
	}
	req := p.Calls()[0].Req
	if req.MaxTokens != 256 || req.Temperature != 0.3 {
		t.Errorf("MaxTokens/Temperature = %d/%v", req.MaxTokens, req.Temperature)
	}
}

func TestService_SendErrors(t *testing.T) {
	transport := errors.New("anthropic: 401 unauthorized")
	tests := []struct {
		name    string
		p       *mock.Provider
		wantErr error
	}{
		{"transport failure", &mock.Provider{CompleteErr: transport}, transport},
		{"nil response", &mock.Provider{}, llm.ErrEmptyResponse},
		{"empty content", &mock.Provider{CompleteResponse: &llm.CompletionResponse{}}, llm.ErrEmptyResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dialogue.New(tc.p).Send(context.Background(), "hello", nil, "")
			if !errors.Is(err, dialogue.ErrDialogue) {
				t.Errorf("err = %v, want ErrDialogue", err)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want it to wrap %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadPrompt(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(custom, []byte("You are a GP practice receptionist."), 0o644); err != nil {
		t.Fatal(err)
	}
	blank := filepath.Join(dir, "blank.txt")
	if err := os.WriteFile(blank, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		path         string
		want         string
		wantFromFile bool
		wantErr      bool
	}{
		{"custom file", custom, "You are a GP practice receptionist.", true, false},
		{"missing file", filepath.Join(dir, "nope.txt"), dialogue.DefaultPrompt, false, false},
		{"blank file", blank, dialogue.DefaultPrompt, false, false},
		{"no path", "", dialogue.DefaultPrompt, false, false},
		{"directory", dir, dialogue.DefaultPrompt, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, fromFile, err := dialogue.LoadPrompt(tc.path)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want || fromFile != tc.wantFromFile {
				t.Errorf("LoadPrompt = %q/%v, want %q/%v", got, fromFile, tc.want, tc.wantFromFile)
			}
		})
	}
}

func TestDefaultPrompt(t *testing.T) {
	if !strings.Contains(dialogue.DefaultPrompt, "spoken aloud") {
		t.Errorf("DefaultPrompt = %q", dialogue.DefaultPrompt)
	}
}
