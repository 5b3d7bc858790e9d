package dialogue

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Reply is the structured answer of the dialogue model.
type Reply struct {
	// Response is the text spoken to the caller.
	Response string `json:"response"`

	// SendTriage asks for the conversation to be submitted for triage.
	SendTriage bool `json:"send_triage"`

	// EndCall asks the call loop to hang up after this reply.
	EndCall bool `json:"end_call"`

	// Raw is the model output verbatim. It is what goes back into the
	// conversation history, so the model keeps seeing its own format.
	Raw string `json:"-"`

	// Extra holds every other top-level field of a JSON reply (for example a
	// triage summary) so it reaches the call-tracking API untouched.
	Extra map[string]json.RawMessage `json:"-"`

	// Structured reports whether the model answered with a JSON object.
	Structured bool `json:"-"`
}

// ParseReply decodes raw model output. Output that is not a JSON object is
// wrapped as a plain response that neither ends the call nor requests triage.
// A JSON object without a usable "response" field is spoken verbatim.
func ParseReply(raw string) Reply {
	r := Reply{Raw: raw}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFence(raw)), &obj); err != nil || obj == nil {
		r.Response = raw
		return r
	}

	r.Structured = true
	if v, ok := obj["response"]; ok {
		_ = json.Unmarshal(v, &r.Response)
	}
	if strings.TrimSpace(r.Response) == "" {
		r.Response = raw
	}
	r.SendTriage = decodeFlag(obj["send_triage"])
	r.EndCall = decodeFlag(obj["end_call"])

	delete(obj, "response")
	delete(obj, "send_triage")
	delete(obj, "end_call")
	if len(obj) > 0 {
		r.Extra = obj
	}
	return r
}

// decodeFlag accepts JSON booleans and the strings "true"/"false".
func decodeFlag(v json.RawMessage) bool {
	if len(v) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		b, _ = strconv.ParseBool(strings.TrimSpace(s))
	}
	return b
}

// stripFence removes a surrounding ```json ... ``` block.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "```"), "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 && !strings.ContainsAny(t[:nl], "{[") {
		t = t[nl+1:]
	}
	return strings.TrimSpace(t)
}

// TriagePayload builds the body submitted when a call ends with a triage
// request: every field of the reply plus the simplified conversation.
func (r Reply) TriagePayload(conversation []Turn) map[string]any {
	out := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = json.RawMessage(bytes.Clone(v))
	}
	out["response"] = r.Response
	out["send_triage"] = r.SendTriage
	out["end_call"] = r.EndCall
	if conversation == nil {
		conversation = []Turn{}
	}
	out["conversation"] = conversation
	return out
}
