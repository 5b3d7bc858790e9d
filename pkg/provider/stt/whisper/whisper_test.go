package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	"github.com/aiphone/aiphone/pkg/provider/stt/whisper"
)

// inferenceRequest captures what the fake server received.
type inferenceRequest struct {
	Language string
	Model    string
	WAV      audio.WAVInfo
}

// newMockServer creates a test server that answers POST /inference with a
// JSON body containing responseText and records each request.
func newMockServer(t *testing.T, responseText string) (*httptest.Server, *[]inferenceRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		info, err := audio.ParseWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		reqs = append(reqs, inferenceRequest{
			Language: r.FormValue("language"),
			Model:    r.FormValue("model"),
			WAV:      info,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestNew_EmptyURL(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_PostsWAV(t *testing.T) {
	srv, reqs := newMockServer(t, " Hello there. ")
	p, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), make([]float32, 8000), 16000, "english")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Hello there." {
		t.Errorf("text = %q, want %q", text, "Hello there.")
	}
	if len(*reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(*reqs))
	}
	got := (*reqs)[0]
	if got.Language != "en" {
		t.Errorf("language = %q, want en", got.Language)
	}
	if got.Model != "base.en" {
		t.Errorf("model = %q, want base.en", got.Model)
	}
	if got.WAV.SampleRate != 16000 || got.WAV.Channels != 1 || got.WAV.SampleCount() != 8000 {
		t.Errorf("wav = %+v, want 16000Hz mono 8000 samples", got.WAV)
	}
}

func TestTranscribe_DefaultLanguage(t *testing.T) {
	srv, reqs := newMockServer(t, "hi")
	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"))
	if _, err := p.Transcribe(context.Background(), make([]float32, 160), 16000, ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if (*reqs)[0].Language != "de" {
		t.Errorf("language = %q, want de", (*reqs)[0].Language)
	}
}

func TestTranscribe_StripsNonSpeechMarkers(t *testing.T) {
	srv, _ := newMockServer(t, " [BLANK_AUDIO] ")
	p, _ := whisper.New(srv.URL)
	text, err := p.Transcribe(context.Background(), make([]float32, 160), 16000, "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not loaded", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			p, _ := whisper.New(srv.URL)
			_, err := p.Transcribe(context.Background(), make([]float32, 160), 16000, "en")
			if !errors.Is(err, stt.ErrTranscription) {
				t.Fatalf("err = %v, want ErrTranscription", err)
			}
		})
	}
}

func TestTranscribe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := whisper.New(url)
	_, err := p.Transcribe(context.Background(), make([]float32, 160), 16000, "en")
	if !errors.Is(err, stt.ErrTranscription) {
		t.Fatalf("err = %v, want ErrTranscription", err)
	}
}

func TestWarmup(t *testing.T) {
	srv, reqs := newMockServer(t, "")
	p, _ := whisper.New(srv.URL)
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if len(*reqs) != 1 || (*reqs)[0].WAV.SampleCount() != 8000 {
		t.Errorf("warmup requests = %+v", *reqs)
	}
}
