package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"anthropic", "openai", "openai-native", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp"},
	"stt": {"whisper", "whisper-native"},
	"tts": {"kokoro", "coqui", "elevenlabs"},
}

// Load reads the YAML configuration file at path on top of [Defaults] and
// returns a validated [Config]. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		return cfg, Validate(cfg)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is [LoadFromReader] without validation, for callers that layer
// more settings on top before calling [Validate].
func Decode(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Variables that are already set win. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the environment as returned by getenv (usually
// [os.Getenv]). Empty variables are ignored. The CLAUDE_* variables only
// apply when the primary LLM is anthropic.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if cfg.Providers.LLM.Name == "anthropic" {
		set(&cfg.Providers.LLM.APIKey, "CLAUDE_API_KEY")
		set(&cfg.Providers.LLM.BaseURL, "CLAUDE_API_URL")
		set(&cfg.Providers.LLM.Model, "CLAUDE_MODEL")
	}
	set(&cfg.Tracking.BaseURL, "API_BASE_URL")
	set(&cfg.Tracking.PostgresDSN, "DATABASE_URL")
	set(&cfg.Call.Language, "LANGUAGE")
	set(&cfg.Providers.STT.Model, "WHISPER_MODEL")
	set(&cfg.Providers.STT.BaseURL, "WHISPER_URL")
	set(&cfg.Providers.TTS.BaseURL, "TTS_URL")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive, got %s", cfg.Audio.FrameDuration))
	}

	// VAD
	if t := cfg.VAD.Threshold; !(t > 0 && t <= 1) {
		errs = append(errs, fmt.Errorf("vad.threshold %.3f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.Silence <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence must be positive, got %s", cfg.VAD.Silence))
	}
	if cfg.VAD.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("vad.max_duration must not be negative, got %s", cfg.VAD.MaxDuration))
	}
	if cfg.VAD.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("vad.window_size must be at least 1, got %d", cfg.VAD.WindowSize))
	}
	if cfg.VAD.FlushDelay < 0 {
		errs = append(errs, fmt.Errorf("vad.flush_delay must not be negative, got %s", cfg.VAD.FlushDelay))
	}

	// Call
	if cfg.Call.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("call.max_consecutive_failures must be at least 1, got %d", cfg.Call.MaxConsecutiveFailures))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Call.UseDialogue && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required when call.use_dialogue is true"))
	}
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTSFallbacks)...)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// TTS
	if cfg.TTS.Quantization != "" {
		if _, err := tts.ParseQuantization(cfg.TTS.Quantization); err != nil {
			errs = append(errs, fmt.Errorf("tts.quantization: %w", err))
		}
	}
	if cfg.TTS.Speed != 0 && (cfg.TTS.Speed < 0.5 || cfg.TTS.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.5, 2.0]", cfg.TTS.Speed))
	}
	if cfg.TTS.CacheDir == "" {
		errs = append(errs, errors.New("tts.cache_dir is required"))
	}

	// Tracking
	if !cfg.Tracking.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("tracking.backend %q is invalid; valid values: http, postgres, none", cfg.Tracking.Backend))
	}
	if cfg.Tracking.Backend == TrackingPostgres && cfg.Tracking.PostgresDSN == "" {
		errs = append(errs, errors.New("tracking.postgres_dsn is required when tracking.backend is postgres"))
	}
	if cfg.Tracking.Backend == TrackingHTTP && cfg.Tracking.BaseURL == "" {
		// The call still runs; only its record is lost.
		slog.Warn("tracking.backend is http but no base_url is set; calls will not be recorded")
	}
	if cfg.Tracking.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tracking.timeout must not be negative, got %s", cfg.Tracking.Timeout))
	}

	if cfg.Startup.WarmupTimeout < 0 {
		errs = append(errs, fmt.Errorf("startup.warmup_timeout must not be negative, got %s", cfg.Startup.WarmupTimeout))
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, fb := range entries {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
