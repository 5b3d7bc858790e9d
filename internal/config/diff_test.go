package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/aiphone/aiphone/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	d := config.Diff(cfg, config.Defaults())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Defaults()
	new := config.Defaults()
	new.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Defaults()
	new := config.Defaults()
	new.VAD.MaxDuration = 30 * time.Second
	new.Tracking.BaseURL = "http://dashboard"
	new.Providers.STT.Options = map[string]any{"threads": 8}

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("log level did not change")
	}
	want := []string{"vad", "providers", "tracking"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("diff reported empty")
	}
}
