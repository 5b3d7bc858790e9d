// Package app wires all aiphone subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run warms the models up and runs a call, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via [Providers] and functional
// options (WithTracker, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aiphone/aiphone/internal/call"
	"github.com/aiphone/aiphone/internal/calltrack"
	"github.com/aiphone/aiphone/internal/config"
	"github.com/aiphone/aiphone/internal/dialogue"
	"github.com/aiphone/aiphone/internal/health"
	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/internal/recording"
	"github.com/aiphone/aiphone/internal/ttscache"
	"github.com/aiphone/aiphone/internal/turn"
	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/llm"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// warmupText is synthesized once at startup to load the speech model.
const warmupText = "Hello."

// Providers holds the collaborators built by main.go. LLM may be nil, in
// which case every transcript is spoken back unchanged.
type Providers struct {
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider
	Source audio.FrameSource
	Player audio.Player
}

// App owns all subsystem lifetimes and runs the call loop.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	tracker   calltrack.Tracker
	checkers  []health.Checker
	reporter  *calltrack.Reporter
	cache     *ttscache.Cache
	calls     *SessionManager
	admin     *http.Server
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTracker injects a call-tracking backend instead of creating one from
// config.
func WithTracker(t calltrack.Tracker) Option {
	return func(a *App) { a.tracker = t }
}

// WithMetrics injects the metric instruments. The admin server then serves
// no /metrics endpoint, since the instruments are not backed by the
// Prometheus exporter.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// Call tracking never prevents startup: a backend that cannot be reached is
// logged and replaced by [calltrack.Nop].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.Source == nil || providers.Player == nil {
		return nil, errors.New("app: STT, TTS, audio source and player are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Call tracking ─────────────────────────────────────────────────
	a.initTracking(ctx)
	a.reporter = calltrack.NewReporter(a.tracker,
		calltrack.WithTimeout(cfg.Tracking.Timeout),
		calltrack.WithMetrics(a.metrics),
		calltrack.WithLogger(a.logger),
	)

	// ── 3. Speech cache ──────────────────────────────────────────────────
	cache, err := ttscache.New(cfg.TTS.CacheDir, providers.TTS,
		ttscache.WithSpeed(cfg.TTS.Speed),
		ttscache.WithMetrics(a.metrics),
		ttscache.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init tts cache: %w", err)
	}
	a.cache = cache

	// ── 4. Calls ─────────────────────────────────────────────────────────
	deps := turn.Deps{
		Source:      providers.Source,
		Transcriber: providers.STT,
		Synthesizer: cache,
		Player:      providers.Player,
		Reporter:    a.reporter,
		Metrics:     a.metrics,
	}
	if cfg.Call.UseDialogue {
		if providers.LLM != nil {
			deps.Dialogue = dialogue.New(providers.LLM, dialogue.WithLogger(a.logger))
		} else {
			a.logger.Warn("dialogue enabled but no LLM available; transcripts will be spoken back")
		}
	}
	a.calls = NewSessionManager(SessionManagerConfig{
		Deps:    deps,
		Tracker: a.reporter,
		Call: call.Config{
			Turn:     a.turnConfig(),
			Greeting: cfg.Call.Greeting,
		},
		TurnOptions: []turn.Option{turn.WithRecordingOptions(recording.WithLogger(a.logger))},
		Logger:      a.logger,
	})

	// ── 5. Admin server ──────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OTel SDK unless metrics were injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aiphone"})
	if err != nil {
		return err
	}
	m, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return err
	}
	a.telemetry = tel
	a.metrics = m
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})
	return nil
}

// initTracking selects the call record backend unless one was injected.
func (a *App) initTracking(ctx context.Context) {
	if a.tracker != nil {
		return
	}
	a.tracker = calltrack.Nop{}

	switch backend := a.cfg.ResolvedTrackingBackend(); backend {
	case config.TrackingHTTP:
		client, err := calltrack.NewHTTPClient(a.cfg.Tracking.BaseURL)
		if err != nil {
			a.logger.Warn("call tracking disabled", "backend", backend, "err", err)
			return
		}
		a.tracker = client
		a.checkers = append(a.checkers, health.Reachable("tracking", a.cfg.Tracking.BaseURL, nil))

	case config.TrackingPostgres:
		store, err := calltrack.NewPGStore(ctx, a.cfg.Tracking.PostgresDSN)
		if err != nil {
			a.logger.Warn("call tracking disabled", "backend", backend, "err", err)
			return
		}
		a.tracker = store
		a.checkers = append(a.checkers, health.Checker{Name: "tracking", Check: store.Ping})
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})

	default:
		a.logger.Info("call tracking disabled")
	}
}

// turnConfig maps the config onto the turn controller's settings.
func (a *App) turnConfig() turn.Config {
	cfg := a.cfg
	prompt, fromFile, err := dialogue.LoadPrompt(cfg.Call.PromptFile)
	switch {
	case err != nil:
		a.logger.Warn("using built-in system prompt", "path", cfg.Call.PromptFile, "err", err)
	case !fromFile:
		a.logger.Info("prompt file not found, using built-in system prompt", "path", cfg.Call.PromptFile)
	default:
		a.logger.Info("system prompt loaded", "path", cfg.Call.PromptFile)
	}

	return turn.Config{
		Recording: recording.Config{
			SampleRate:      audio.DefaultSampleRate,
			MaxDuration:     cfg.VAD.MaxDuration,
			RequiredSilence: cfg.VAD.Silence,
			ThresholdStart:  cfg.VAD.Threshold,
			ThresholdStop:   cfg.VAD.Threshold,
			WindowSize:      cfg.VAD.WindowSize,
			FlushDelay:      cfg.VAD.FlushDelay,
		},
		RecordingDir:           cfg.Call.RecordingDir,
		KeepRecordings:         cfg.Call.KeepRecordings,
		Language:               cfg.Call.Language,
		Voice:                  cfg.TTS.Voice,
		SystemPrompt:           prompt,
		ResetContext:           !cfg.Call.UseContext,
		Cues:                   turn.Cues{Start: cfg.Audio.CueStart, Stop: cfg.Audio.CueStop},
		MaxConsecutiveFailures: cfg.Call.MaxConsecutiveFailures,
	}
}

// initAdmin builds the admin handler and, when an address is configured,
// the server that Run starts.
func (a *App) initAdmin() {
	checkers := append(a.checkers, a.providerCheckers()...)

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	mux.HandleFunc("GET /call", a.serveCallInfo)
	a.handler = observe.Middleware(a.metrics)(mux)

	if a.cfg.Admin.ListenAddr != "" {
		a.admin = &http.Server{
			Addr:              a.cfg.Admin.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
}

// providerCheckers returns readiness checks for the local model servers.
func (a *App) providerCheckers() []health.Checker {
	var out []health.Checker
	sttEntry, ttsEntry := a.cfg.Providers.STT, a.cfg.Providers.TTS
	switch {
	case sttEntry.Name == "whisper" && sttEntry.BaseURL != "":
		out = append(out, health.Reachable("stt", sttEntry.BaseURL, nil))
	case sttEntry.Name == "whisper-native" && sttEntry.Model != "":
		out = append(out, health.FileExists("stt", sttEntry.Model))
	}
	if (ttsEntry.Name == "kokoro" || ttsEntry.Name == "coqui") && ttsEntry.BaseURL != "" {
		out = append(out, health.Reachable("tts", ttsEntry.BaseURL, nil))
	}
	return out
}

// Handler returns the admin HTTP handler serving /healthz, /readyz, /call
// and, when telemetry is installed, /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the call runner.
func (a *App) Calls() *SessionManager { return a.calls }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin server, warms the models up, preloads the common
// phrases and runs one call. It returns when the call ends: nil for a normal
// end, ctx.Err() when interrupted, the fatal error otherwise.
func (a *App) Run(ctx context.Context) error {
	if a.admin != nil {
		ln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			return fmt.Errorf("app: admin server: %w", err)
		}
		a.logger.Info("admin server listening", "addr", ln.Addr().String())
		go func() {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin server stopped", "err", err)
			}
		}()
	}

	a.warmup(ctx)
	a.preload(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return a.calls.Run(ctx)
}

// warmup loads the speech model, then the transcription model. Each step is
// bounded by the warm-up timeout; a failure is logged and startup continues.
func (a *App) warmup(ctx context.Context) {
	if a.cfg.Startup.SkipModelInit {
		a.logger.Info("model warm-up skipped")
		return
	}
	voice := tts.VoiceProfile{ID: a.cfg.TTS.Voice, SpeedFactor: a.cfg.TTS.Speed}
	a.warm(ctx, "tts", func(ctx context.Context) error {
		_, err := a.providers.TTS.Synthesize(ctx, warmupText, voice)
		return err
	})
	if w, ok := a.providers.STT.(stt.Warmer); ok {
		a.warm(ctx, "stt", w.Warmup)
	}
}

func (a *App) warm(ctx context.Context, model string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	timeout := a.cfg.Startup.WarmupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := fn(wctx); err != nil {
		a.logger.Warn("model warm-up failed, continuing without it", "model", model, "timeout", timeout, "err", err)
		return
	}
	a.logger.Info("model ready", "model", model, "took", time.Since(start).Round(time.Millisecond))
}

// preload fills the speech cache with the common phrases and the greeting.
func (a *App) preload(ctx context.Context) {
	if !a.cfg.TTS.Preload {
		return
	}
	phrases := ttscache.CommonPhrases
	if g := a.cfg.Call.Greeting; g != "" && g != call.DefaultGreeting {
		phrases = append([]string{g}, phrases...)
	}
	n, err := a.cache.Preload(ctx, a.cfg.TTS.Voice, phrases...)
	if err != nil {
		a.logger.Warn("preloading common phrases failed", "synthesized", n, "err", err)
		return
	}
	a.logger.Info("common phrases preloaded", "synthesized", n, "cached", len(phrases)-n)
}

// Interrupt marks the active call completed, if any.
func (a *App) Interrupt(ctx context.Context) {
	a.calls.Interrupt(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It closes the record of a
// call still in progress, stops the admin server, then runs the closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.calls.Interrupt(ctx) {
			a.logger.Info("active call marked completed")
		}

		if a.admin != nil {
			if err := a.admin.Shutdown(ctx); err != nil {
				a.logger.Warn("admin server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type callInfo struct {
	Active    bool      `json:"active"`
	CallID    string    `json:"call_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// serveCallInfo reports the active call.
func (a *App) serveCallInfo(w http.ResponseWriter, _ *http.Request) {
	info := a.calls.Info()
	writeJSON(w, callInfo{
		Active:    a.calls.IsActive(),
		CallID:    info.CallID,
		StartedAt: info.StartedAt,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
