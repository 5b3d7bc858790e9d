// Command aiphone answers a phone-style voice call on the local microphone and
// speakers: it greets the caller, records each utterance until the caller
// falls silent, transcribes it, asks the dialogue model for a reply and
// speaks the reply back.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/aiphone/aiphone/internal/app"
	"github.com/aiphone/aiphone/internal/config"
	"github.com/aiphone/aiphone/internal/resilience"
	"github.com/aiphone/aiphone/pkg/audio/portaudio"
	"github.com/aiphone/aiphone/pkg/provider/llm"
	"github.com/aiphone/aiphone/pkg/provider/llm/anyllm"
	"github.com/aiphone/aiphone/pkg/provider/llm/openai"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	"github.com/aiphone/aiphone/pkg/provider/stt/whisper"
	"github.com/aiphone/aiphone/pkg/provider/tts"
	"github.com/aiphone/aiphone/pkg/provider/tts/coqui"
	"github.com/aiphone/aiphone/pkg/provider/tts/elevenlabs"
	"github.com/aiphone/aiphone/pkg/provider/tts/kokoro"
)

// placeholderAPIKey is the value shipped in the example .env file.
const placeholderAPIKey = "your_api_key_here"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.listDevices {
		return listDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "aiphone: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(flags, os.Getenv)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aiphone: config file %q not found\n", flags.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aiphone: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("aiphone starting",
		"config", flags.configPath,
		"log_level", cfg.LogLevel,
		"tracking", cfg.ResolvedTrackingBackend(),
	)

	if flags.configPath != "" {
		watcher, err := config.NewWatcher(flags.configPath,
			func(old, cur *config.Config) { onConfigChange(&level, old, cur) },
			config.WithLoader(func(data []byte) (*config.Config, error) {
				return loadConfigFrom(bytes.NewReader(data), flags, os.Getenv)
			}),
		)
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closers, err := buildProviders(cfg, reg)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	providers.Source = portaudio.NewCapture(
		portaudio.WithDevice(cfg.Audio.InputDevice),
		portaudio.WithDeviceFormat(cfg.Audio.SampleRate, 1),
		portaudio.WithFrameDuration(cfg.Audio.FrameDuration),
	)
	providers.Player = portaudio.NewPlayback()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, press Ctrl+C to hang up")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("call ended with error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Configuration ─────────────────────────────────────────────────────────────

// loadConfig layers the optional config file, the environment and the flags.
func loadConfig(flags *cliFlags, getenv func(string) string) (*config.Config, error) {
	if flags.configPath == "" {
		return loadConfigFrom(nil, flags, getenv)
	}
	f, err := os.Open(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", flags.configPath, err)
	}
	defer f.Close()
	return loadConfigFrom(f, flags, getenv)
}

// loadConfigFrom decodes r (nil means no file) and applies the environment
// and the flags on top before validating.
func loadConfigFrom(r io.Reader, flags *cliFlags, getenv func(string) string) (*config.Config, error) {
	cfg := config.Defaults()
	if r != nil {
		// The file alone may be incomplete until env and flags are applied,
		// so it is validated only once everything is layered.
		var err error
		if cfg, err = config.Decode(r); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg, getenv)
	flags.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func onConfigChange(level *slog.LevelVar, old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changed; restart to apply", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{"anthropic", "openai", "gemini", "deepseek", "mistral", "groq", "llamacpp"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Settings that do not belong to a single provider entry are read from cfg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native talks to the Chat Completions API through the official SDK,
	// which also covers OpenAI-compatible servers that any-llm does not list.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if optBool(entry.Options, "json_mode") {
			opts = append(opts, openai.WithJSONObjectReplies())
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("kokoro", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if entry.Model != "" {
			opts = append(opts, kokoro.WithModel(entry.Model))
		}
		if cfg.TTS.Quantization != "" {
			q, err := tts.ParseQuantization(cfg.TTS.Quantization)
			if err != nil {
				return nil, err
			}
			opts = append(opts, kokoro.WithQuantization(q))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, kokoro.WithTimeout(d))
		}
		return kokoro.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := optInt(entry.Options, "output_sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The returned closers must be closed on exit, also on error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{}
	var closers []io.Closer
	track := func(p any) {
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	if cfg.Call.UseDialogue {
		primary, err := createLLM(reg, cfg.Providers.LLM)
		if err != nil {
			return nil, closers, err
		}
		if primary != nil && len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.LLMFallbacks {
				p, err := createLLM(reg, entry)
				if err != nil || p == nil {
					slog.Warn("skipping llm fallback", "name", entry.Name, "err", err)
					continue
				}
				fb.AddFallback(entry.Name, p)
			}
			slog.Info("llm fallback chain", "order", fb.Names())
			ps.LLM = fb
		} else if primary != nil {
			ps.LLM = primary
		}
	}

	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, closers, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	track(primarySTT)
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = primarySTT
	if len(cfg.Providers.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				slog.Warn("skipping stt fallback", "name", entry.Name, "err", err)
				continue
			}
			track(p)
			fb.AddFallback(entry.Name, p)
		}
		slog.Info("stt fallback chain", "order", fb.Names())
		ps.STT = fb
	}

	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, closers, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	track(primaryTTS)
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)
	ps.TTS = primaryTTS
	if len(cfg.Providers.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.TTSFallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				slog.Warn("skipping tts fallback", "name", entry.Name, "err", err)
				continue
			}
			track(p)
			fb.AddFallback(entry.Name, p)
		}
		slog.Info("tts fallback chain", "order", fb.Names())
		ps.TTS = fb
	}

	return ps, closers, nil
}

// createLLM builds one dialogue backend. A hosted backend without an API key
// yields nil so the call can still run, speaking transcripts back.
func createLLM(reg *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "anthropic" && (entry.APIKey == "" || entry.APIKey == placeholderAPIKey) {
		slog.Warn("no anthropic API key configured (set CLAUDE_API_KEY), skipping anthropic")
		return nil, nil
	}
	p, err := reg.CreateLLM(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("unknown llm provider, skipping", "name", entry.Name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func listDevices() int {
	devices, err := portaudio.InputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aiphone: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Printf("%s %-40s %2d ch  %6.0f Hz\n", mark, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         aiphone — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	if ps.LLM != nil {
		printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	} else {
		printRow("LLM", "(echo transcript)")
	}
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.TTS.Voice)
	printRow("Quantization", cfg.TTS.Quantization)
	printRow("Threshold", fmt.Sprintf("%.3f", cfg.VAD.Threshold))
	printRow("Silence", cfg.VAD.Silence.String())
	if cfg.VAD.MaxDuration > 0 {
		printRow("Max duration", cfg.VAD.MaxDuration.String())
	} else {
		printRow("Max duration", "(disabled)")
	}
	printRow("Context", onOff(cfg.Call.UseContext))
	printRow("Tracking", string(cfg.ResolvedTrackingBackend()))
	if cfg.Admin.ListenAddr != "" {
		printRow("Listen addr", cfg.Admin.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a boolean option. Absent or non-boolean values are false.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration extracts a duration option written as "30s" or as seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
