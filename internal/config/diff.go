package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied while running; every other change takes effect on the next
// start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that are not applied live,
	// in schema order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"admin", old.Admin, new.Admin},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"call", old.Call, new.Call},
		{"providers", old.Providers, new.Providers},
		{"tts", old.TTS, new.TTS},
		{"tracking", old.Tracking, new.Tracking},
		{"startup", old.Startup, new.Startup},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
