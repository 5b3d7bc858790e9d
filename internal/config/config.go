// Package config defines the configuration schema for aiphone and provides
// loading, validation, environment overrides, and a provider registry.
//
// Settings are layered: [Defaults], then the optional YAML file, then the
// environment (including a .env file), then command-line flags. Each layer
// only overrides what it sets.
package config

import (
	"log/slog"
	"time"
)

// LogLevel is the minimum level of emitted log records.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the defined LogLevel constants.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TrackingBackend selects where call records are kept.
type TrackingBackend string

const (
	// TrackingAuto picks http when tracking.base_url is set, postgres when
	// tracking.postgres_dsn is set, and none otherwise.
	TrackingAuto     TrackingBackend = ""
	TrackingHTTP     TrackingBackend = "http"
	TrackingPostgres TrackingBackend = "postgres"
	TrackingNone     TrackingBackend = "none"
)

// IsValid reports whether b is one of the defined TrackingBackend constants.
func (b TrackingBackend) IsValid() bool {
	switch b {
	case TrackingAuto, TrackingHTTP, TrackingPostgres, TrackingNone:
		return true
	}
	return false
}

// Config is the root configuration structure for aiphone.
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Admin     AdminConfig     `yaml:"admin"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Call      CallConfig      `yaml:"call"`
	Providers ProvidersConfig `yaml:"providers"`
	TTS       TTSConfig       `yaml:"tts"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Startup   StartupConfig   `yaml:"startup"`
}

// AdminConfig configures the optional HTTP server exposing /metrics,
// /healthz and /readyz.
type AdminConfig struct {
	// ListenAddr is the TCP address, e.g. ":9090". Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig holds the local audio devices.
type AudioConfig struct {
	// InputDevice is a substring of the capture device name. Empty selects
	// the system default.
	InputDevice string `yaml:"input_device"`

	// SampleRate is the rate the capture device is opened at. Frames are
	// converted to 16 kHz mono before detection and transcription.
	SampleRate int `yaml:"sample_rate"`

	// FrameDuration is the length of one captured frame.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// CueStart and CueStop are WAV files played right before and right after
	// listening. Empty disables the cue.
	CueStart string `yaml:"cue_start"`
	CueStop  string `yaml:"cue_stop"`
}

// VADConfig tunes the energy-based end-of-speech detection.
type VADConfig struct {
	// Threshold is the normalized level separating speech from silence.
	Threshold float64 `yaml:"threshold"`

	// Silence is how long the caller must be quiet before a recording ends.
	// At most one second of it is ever waited for.
	Silence time.Duration `yaml:"silence"`

	// MaxDuration caps one recording. Zero disables the cap.
	MaxDuration time.Duration `yaml:"max_duration"`

	// WindowSize is the number of frames in the rolling average.
	WindowSize int `yaml:"window_size"`

	// FlushDelay is waited between closing and validating a recording.
	FlushDelay time.Duration `yaml:"flush_delay"`
}

// CallConfig holds the behaviour of a call.
type CallConfig struct {
	// Greeting is spoken when the call starts. Empty uses the built-in one.
	Greeting string `yaml:"greeting"`

	// Language is passed to the transcriber, e.g. "english" or "de".
	Language string `yaml:"language"`

	// UseDialogue sends transcripts to the dialogue model. When false the
	// transcript is spoken back as is.
	UseDialogue bool `yaml:"use_dialogue"`

	// UseContext keeps the conversation across turns. When false the model
	// only sees the greeting and the latest transcript.
	UseContext bool `yaml:"use_context"`

	// PromptFile holds the system prompt. A missing file falls back to the
	// built-in prompt.
	PromptFile string `yaml:"prompt_file"`

	// RecordingDir holds the per-turn recordings. Empty uses the system
	// temporary directory.
	RecordingDir string `yaml:"recording_dir"`

	// KeepRecordings leaves recordings on disk after transcription.
	KeepRecordings bool `yaml:"keep_recordings"`

	// MaxConsecutiveFailures ends the call after this many failed turns in
	// a row.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// ProvidersConfig selects the backend for each collaborator.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary LLM fails or its
	// circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block for a single provider.
type ProviderEntry struct {
	// Name selects the registered factory, e.g. "anthropic" or "whisper".
	Name string `yaml:"name"`

	// APIKey is the authentication credential for the provider API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For local
	// servers (whisper, kokoro, coqui) it is the server address.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier, e.g. "claude-3-opus-20240229".
	Model string `yaml:"model"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// TTSConfig holds synthesis settings that are independent of the backend.
type TTSConfig struct {
	// Voice is the backend voice ID.
	Voice string `yaml:"voice"`

	// Quantization is the model precision for locally served models:
	// fp32, fp16, q8, q4 or q4f16.
	Quantization string `yaml:"quantization"`

	// Speed adjusts the speaking rate (0.5–2.0). Zero keeps the backend
	// default.
	Speed float64 `yaml:"speed"`

	// CacheDir holds synthesized replies keyed by text and voice.
	CacheDir string `yaml:"cache_dir"`

	// Preload synthesizes the common phrases at startup.
	Preload bool `yaml:"preload"`
}

// TrackingConfig selects and configures the call record backend.
type TrackingConfig struct {
	Backend TrackingBackend `yaml:"backend"`

	// BaseURL is the dashboard API root; records live under /api/call.
	BaseURL string `yaml:"base_url"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Timeout bounds each tracking request.
	Timeout time.Duration `yaml:"timeout"`
}

// StartupConfig controls model warm-up.
type StartupConfig struct {
	// SkipModelInit skips warming up the synthesis and transcription models.
	SkipModelInit bool `yaml:"skip_model_init"`

	// WarmupTimeout bounds each model warm-up. A warm-up that fails or times
	// out is logged and startup continues.
	WarmupTimeout time.Duration `yaml:"warmup_timeout"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		LogLevel: LogInfo,
		Audio: AudioConfig{
			SampleRate:    16000,
			FrameDuration: 20 * time.Millisecond,
		},
		VAD: VADConfig{
			Threshold:   0.045,
			Silence:     time.Second,
			MaxDuration: 15 * time.Second,
			WindowSize:  5,
		},
		Call: CallConfig{
			Language:               "english",
			UseDialogue:            true,
			UseContext:             true,
			PromptFile:             "prompt.txt",
			MaxConsecutiveFailures: 3,
		},
		Providers: ProvidersConfig{
			LLM: ProviderEntry{Name: "anthropic", Model: "claude-3-opus-20240229"},
			STT: ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080"},
			TTS: ProviderEntry{Name: "kokoro", BaseURL: "http://localhost:8880"},
		},
		TTS: TTSConfig{
			Voice:        "bf_emma",
			Quantization: "q4",
			CacheDir:     ".tts_cache",
			Preload:      true,
		},
		Tracking: TrackingConfig{
			Timeout: 10 * time.Second,
		},
		Startup: StartupConfig{
			WarmupTimeout: 30 * time.Second,
		},
	}
}

// ResolvedTrackingBackend returns the backend to use, resolving
// [TrackingAuto] from the configured endpoints.
func (c *Config) ResolvedTrackingBackend() TrackingBackend {
	if c.Tracking.Backend != TrackingAuto {
		return c.Tracking.Backend
	}
	switch {
	case c.Tracking.BaseURL != "":
		return TrackingHTTP
	case c.Tracking.PostgresDSN != "":
		return TrackingPostgres
	default:
		return TrackingNone
	}
}
