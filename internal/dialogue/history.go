package dialogue

import (
	"encoding/json"
	"sync"

	"github.com/aiphone/aiphone/pkg/provider/llm"
)

// Turn is one entry of the simplified conversation submitted for triage.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Entry is one message of a call's conversation.
type Entry struct {
	// Role is llm.RoleUser or llm.RoleAssistant.
	Role string

	// Text is what was said: the transcript or the spoken response.
	Text string

	// Content is what the model sees for this entry.
	Content string
}

// History is the ordered conversation of one call. It is safe for concurrent
// use, although the call loop only touches it from one goroutine.
type History struct {
	mu      sync.Mutex
	entries []Entry
}

// AddUser appends a caller transcript. The model receives it as
// {"transcription": text}.
func (h *History) AddUser(text string) {
	h.add(Entry{Role: llm.RoleUser, Text: text, Content: userContent(text)})
}

// AddAssistant appends a model reply.
func (h *History) AddAssistant(r Reply) {
	content := r.Raw
	if content == "" {
		content = r.Response
	}
	h.add(Entry{Role: llm.RoleAssistant, Text: r.Response, Content: content})
}

// AddGreeting appends a scripted assistant line such as the call greeting.
func (h *History) AddGreeting(text string) {
	h.add(Entry{Role: llm.RoleAssistant, Text: text, Content: text})
}

func (h *History) add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
}

// Entries returns a copy of the conversation so far.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// Simplified returns the conversation as {role, text} pairs.
func (h *History) Simplified() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, Turn{Role: e.Role, Text: e.Text})
	}
	return out
}

func userContent(text string) string {
	b, err := json.Marshal(struct {
		Transcription string `json:"transcription"`
	}{text})
	if err != nil {
		return text
	}
	return string(b)
}
