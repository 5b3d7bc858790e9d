package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aiphone/aiphone/internal/resilience"
	"github.com/aiphone/aiphone/pkg/provider/llm"
	llmmock "github.com/aiphone/aiphone/pkg/provider/llm/mock"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	sttmock "github.com/aiphone/aiphone/pkg/provider/stt/mock"
	"github.com/aiphone/aiphone/pkg/provider/tts"
	ttsmock "github.com/aiphone/aiphone/pkg/provider/tts/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("anthropic: 529 overloaded")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"response":"hi"}`}}

	f := resilience.NewLLMFallback(primary, "anthropic", resilience.FallbackConfig{})
	f.AddFallback("openai", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"response":"hi"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.Calls()), len(secondary.Calls()))
	}
	if got := f.Names(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Names = %v", got)
	}
}

func TestSTTFallback_Transcribe(t *testing.T) {
	primary := &sttmock.Provider{Err: stt.ErrTranscription}
	secondary := &sttmock.Provider{Text: "book a table"}

	f := resilience.NewSTTFallback(primary, "whisper-server", resilience.FallbackConfig{})
	f.AddFallback("whisper-native", secondary)

	text, err := f.Transcribe(context.Background(), make([]float32, 160), 16000, "english")
	if err != nil {
		t.Fatal(err)
	}
	if text != "book a table" {
		t.Errorf("text = %q", text)
	}
}

func TestSTTFallback_AllFailKeepsClassification(t *testing.T) {
	f := resilience.NewSTTFallback(&sttmock.Provider{Err: stt.ErrTranscription}, "whisper", resilience.FallbackConfig{})
	_, err := f.Transcribe(context.Background(), nil, 16000, "english")
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, stt.ErrTranscription) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrTranscription", err)
	}
}

func TestSTTFallback_WarmupUsesPrimary(t *testing.T) {
	primary := &sttmock.Provider{}
	f := resilience.NewSTTFallback(primary, "whisper", resilience.FallbackConfig{})
	if err := f.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if primary.WarmupCalls != 1 {
		t.Errorf("WarmupCalls = %d, want 1", primary.WarmupCalls)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{Err: tts.ErrSynthesis}
	secondary := &ttsmock.Provider{}

	f := resilience.NewTTSFallback(primary, "kokoro", resilience.FallbackConfig{})
	f.AddFallback("coqui", secondary)

	wav, err := f.Synthesize(context.Background(), "Goodbye, have a nice day!", tts.VoiceProfile{ID: "bf_emma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(wav) == 0 {
		t.Error("empty WAV")
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "Goodbye, have a nice day!" {
		t.Errorf("secondary texts = %v", got)
	}
}
