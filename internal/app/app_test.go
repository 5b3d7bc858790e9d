package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/aiphone/aiphone/internal/app"
	"github.com/aiphone/aiphone/internal/call"
	"github.com/aiphone/aiphone/internal/calltrack"
	ctmock "github.com/aiphone/aiphone/internal/calltrack/mock"
	"github.com/aiphone/aiphone/internal/config"
	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/internal/ttscache"
	"github.com/aiphone/aiphone/pkg/audio"
	amock "github.com/aiphone/aiphone/pkg/audio/mock"
	llmmock "github.com/aiphone/aiphone/pkg/provider/llm/mock"
	sttmock "github.com/aiphone/aiphone/pkg/provider/stt/mock"
	ttsmock "github.com/aiphone/aiphone/pkg/provider/tts/mock"
)

const frameDur = 20 * time.Millisecond

func utterance() []audio.AudioFrame {
	return amock.Trace(frameDur,
		amock.Segment{Level: 0.3, Duration: 2 * time.Second},
		amock.Segment{Level: 0.01, Duration: 2 * time.Second},
	)
}

func quiet() []audio.AudioFrame {
	return amock.Trace(frameDur, amock.Segment{Level: 0.005, Duration: time.Second})
}

// testConfig returns a config that touches nothing outside the test's temp
// directories.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.VAD.MaxDuration = 500 * time.Millisecond
	cfg.Call.PromptFile = filepath.Join(t.TempDir(), "missing-prompt.txt")
	cfg.Call.RecordingDir = t.TempDir()
	cfg.TTS.CacheDir = t.TempDir()
	cfg.Providers.STT.BaseURL = ""
	cfg.Providers.TTS.BaseURL = ""
	return cfg
}

type fixture struct {
	src     *amock.Source
	stt     *sttmock.Provider
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	player  *amock.Player
	tracker *ctmock.Tracker
}

func newFixture(captures ...[]audio.AudioFrame) *fixture {
	return &fixture{
		src:     &amock.Source{Captures: captures},
		stt:     &sttmock.Provider{Text: "my prescription ran out"},
		llm:     &llmmock.Provider{Responses: []string{`{"response":"I will let the doctor know.","send_triage":false,"end_call":false}`}},
		tts:     &ttsmock.Provider{},
		player:  &amock.Player{},
		tracker: &ctmock.Tracker{ID: "7"},
	}
}

func (f *fixture) providers() *app.Providers {
	return &app.Providers{LLM: f.llm, STT: f.stt, TTS: f.tts, Source: f.src, Player: f.player}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, f *fixture) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, f.providers(),
		app.WithTracker(f.tracker),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	f := newFixture()
	p := f.providers()
	p.Source = nil
	if _, err := app.New(context.Background(), testConfig(t), p); err == nil {
		t.Fatal("expected error without an audio source")
	}
	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Fatal("expected error without providers")
	}
}

func TestRun_Call(t *testing.T) {
	t.Parallel()
	f := newFixture(utterance(), quiet())
	a := newApp(t, testConfig(t), f)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.stt.WarmupCalls != 1 {
		t.Errorf("stt warm-up calls = %d, want 1", f.stt.WarmupCalls)
	}
	texts := f.tts.Texts()
	if len(texts) == 0 || texts[0] != "Hello." {
		t.Fatalf("first synthesis = %q, want the warm-up", texts)
	}
	// Warm-up, every common phrase once, then only the reply: the greeting
	// comes from the cache.
	if want := 1 + len(ttscache.CommonPhrases) + 1; len(texts) != want {
		t.Errorf("synthesized %d texts, want %d: %q", len(texts), want, texts)
	}
	if texts[len(texts)-1] != "I will let the doctor know." {
		t.Errorf("last synthesis = %q", texts[len(texts)-1])
	}
	if n := len(f.llm.Calls()); n != 1 {
		t.Errorf("dialogue calls = %d, want 1", n)
	}

	statuses := f.tracker.Statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != calltrack.StatusCompleted {
		t.Errorf("statuses = %v, want completed last", statuses)
	}
	if f.tracker.Count("create") != 1 {
		t.Errorf("create calls = %d", f.tracker.Count("create"))
	}
	if a.Calls().IsActive() {
		t.Error("call still active after Run")
	}
}

func TestRun_SkipModelInitWithoutPreload(t *testing.T) {
	t.Parallel()
	f := newFixture(quiet())
	cfg := testConfig(t)
	cfg.Startup.SkipModelInit = true
	cfg.TTS.Preload = false
	a := newApp(t, cfg, f)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.stt.WarmupCalls != 0 {
		t.Errorf("stt warmed up %d times", f.stt.WarmupCalls)
	}
	if got := f.tts.Texts(); !slices.Equal(got, []string{call.DefaultGreeting}) {
		t.Errorf("synthesized %q, want only the greeting", got)
	}
}

func TestRun_WarmupFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(quiet())
	f.stt.WarmupErr = errors.New("model file missing")
	f.tts.ErrFor = map[string]error{"Hello.": errors.New("server starting")}
	cfg := testConfig(t)
	cfg.TTS.Preload = false
	a := newApp(t, cfg, f)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.player.PlayedPaths()) != 1 {
		t.Errorf("played %v, want the greeting", f.player.PlayedPaths())
	}
}

func TestRun_DialogueDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(utterance(), quiet())
	cfg := testConfig(t)
	cfg.Call.UseDialogue = false
	cfg.Startup.SkipModelInit = true
	cfg.TTS.Preload = false
	a := newApp(t, cfg, f)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.llm.Calls()); n != 0 {
		t.Errorf("dialogue called %d times", n)
	}
	texts := f.tts.Texts()
	if texts[len(texts)-1] != "my prescription ran out" {
		t.Errorf("synthesized %q, want the transcript echoed", texts)
	}
}

func TestRun_CustomGreetingIsPreloaded(t *testing.T) {
	t.Parallel()
	f := newFixture(quiet())
	cfg := testConfig(t)
	cfg.Call.Greeting = "Practice line, how can I help?"
	cfg.Startup.SkipModelInit = true
	a := newApp(t, cfg, f)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	texts := f.tts.Texts()
	if texts[0] != cfg.Call.Greeting {
		t.Errorf("first synthesis = %q", texts[0])
	}
	// The greeting was spoken from the cache.
	if n := len(texts); n != 1+len(ttscache.CommonPhrases) {
		t.Errorf("synthesized %d texts", n)
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)
	cfg.VAD.MaxDuration = 0 // listen until cancelled
	a := newApp(t, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !slices.Contains(f.tracker.Statuses(), calltrack.StatusListening) {
		select {
		case <-deadline:
			t.Fatal("call never started listening")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if info := a.Calls().Info(); info.CallID != "7" || info.StartedAt.IsZero() {
		t.Errorf("Info = %+v", info)
	}
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v", err)
	}
	if f.tracker.Statuses()[len(f.tracker.Statuses())-1] != calltrack.StatusCompleted {
		t.Errorf("statuses = %v", f.tracker.Statuses())
	}
}

func TestSessionManager_OneCallAtATime(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)
	cfg.VAD.MaxDuration = 0
	cfg.Startup.SkipModelInit = true
	cfg.TTS.Preload = false
	a := newApp(t, cfg, f)
	calls := a.Calls()

	if calls.Interrupt(context.Background()) {
		t.Error("Interrupt reported an active call before any call ran")
	}
	if (calls.Info() != app.SessionInfo{}) {
		t.Errorf("Info = %+v", calls.Info())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- calls.Run(ctx) }()
	deadline := time.After(5 * time.Second)
	for !slices.Contains(f.tracker.Statuses(), calltrack.StatusListening) {
		select {
		case <-deadline:
			t.Fatal("call never started listening")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !calls.IsActive() {
		t.Fatal("IsActive = false during the call")
	}

	if err := calls.Run(ctx); !errors.Is(err, app.ErrCallActive) {
		t.Errorf("second Run err = %v, want ErrCallActive", err)
	}
	if !calls.Interrupt(context.Background()) {
		t.Error("Interrupt did not see the active call")
	}
	calls.Interrupt(context.Background())
	cancel()
	<-errc

	completed := 0
	for _, s := range f.tracker.Statuses() {
		if s == calltrack.StatusCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("call completed %d times, want 1", completed)
	}
}

// ---- admin ----

func TestHandler(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := newApp(t, testConfig(t), f)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	resp, err := http.Get(srv.URL + "/call")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var info struct {
		Active bool   `json:"active"`
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Active || info.CallID != "" {
		t.Errorf("call info = %+v", info)
	}
}

func TestHandler_ReadinessFollowsModelServers(t *testing.T) {
	t.Parallel()
	whisper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer whisper.Close()

	cfg := testConfig(t)
	cfg.Providers.STT.BaseURL = whisper.URL
	f := newFixture()
	a := newApp(t, cfg, f)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	get := func() int {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := get(); code != http.StatusOK {
		t.Errorf("readyz with whisper up = %d", code)
	}
	whisper.Close()
	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("readyz with whisper down = %d", code)
	}
}

func TestNew_TelemetryServesMetrics(t *testing.T) {
	f := newFixture()
	a, err := app.New(context.Background(), testConfig(t), f.providers(), app.WithTracker(f.tracker))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d", resp.StatusCode)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), newFixture())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
