package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/aiphone/aiphone/internal/config"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// optional holds a flag value together with whether it was given.
type optional[T any] struct {
	value T
	ok    bool
}

func (o *optional[T]) set(v T) {
	o.value = v
	o.ok = true
}

// lenientValue is a [flag.Value] that never fails parsing. A value that does
// not parse or is out of range is logged and dropped, leaving the default.
type lenientValue[T any] struct {
	name  string
	dst   *optional[T]
	parse func(string) (T, error)
}

func (v *lenientValue[T]) String() string {
	if v == nil || v.dst == nil || !v.dst.ok {
		return ""
	}
	return fmt.Sprint(v.dst.value)
}

func (v *lenientValue[T]) Set(s string) error {
	parsed, err := v.parse(s)
	if err != nil {
		slog.Warn("ignoring invalid flag value, keeping default", "flag", v.name, "value", s, "err", err)
		return nil
	}
	v.dst.set(parsed)
	return nil
}

// toggle is one half of a -x / -no-x pair writing to the same optional.
type toggle struct {
	name string
	dst  *optional[bool]
	on   bool
}

func (t *toggle) IsBoolFlag() bool { return true }

func (t *toggle) String() string { return "" }

func (t *toggle) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("ignoring invalid flag value, keeping default", "flag", t.name, "value", s, "err", err)
		return nil
	}
	t.dst.set(b == t.on)
	return nil
}

// cliFlags are the command-line settings. Only flags that were given
// override the configuration.
type cliFlags struct {
	configPath    string
	promptFile    string
	ttsModel      string
	inputDevice   string
	adminAddr     string
	listDevices   bool
	skipModelInit bool
	noTimeout     bool

	threshold    optional[float64]
	silence      optional[time.Duration]
	maxDuration  optional[time.Duration]
	quantization optional[tts.Quantization]
	debug        optional[bool]
	useClaude    optional[bool]
	useContext   optional[bool]

	given map[string]bool
}

// parseFlags parses args (without the program name). Usage and parse errors
// are written to output.
func parseFlags(args []string, output io.Writer) (*cliFlags, error) {
	f := &cliFlags{given: make(map[string]bool)}
	fs := flag.NewFlagSet("aiphone", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&f.configPath, "config", "", "path to an optional YAML configuration file")
	fs.StringVar(&f.promptFile, "prompt", "prompt.txt", "path to the system prompt file")
	fs.StringVar(&f.ttsModel, "tts-model", "", "synthesis model id")
	fs.StringVar(&f.inputDevice, "input-device", "", "capture device name (default: system default)")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "listen address for /metrics, /healthz and /readyz")
	fs.BoolVar(&f.listDevices, "list-devices", false, "list capture devices and exit")
	fs.BoolVar(&f.skipModelInit, "skip-model-init", false, "skip warming up the synthesis and transcription models")
	fs.BoolVar(&f.noTimeout, "no-timeout", false, "disable the maximum recording duration")

	fs.Var(&lenientValue[float64]{name: "threshold", dst: &f.threshold, parse: parseThreshold},
		"threshold", "speech level threshold between 0 and 1 (default 0.045)")
	fs.Var(&lenientValue[time.Duration]{name: "silence", dst: &f.silence, parse: parseSeconds(false)},
		"silence", "seconds of silence that end a recording (default 1)")
	fs.Var(&lenientValue[time.Duration]{name: "max-duration", dst: &f.maxDuration, parse: parseSeconds(true)},
		"max-duration", "maximum recording length in seconds, 0 disables (default 15)")
	fs.Var(&lenientValue[tts.Quantization]{name: "tts-quantization", dst: &f.quantization, parse: tts.ParseQuantization},
		"tts-quantization", "synthesis model precision: fp32, fp16, q8, q4 or q4f16 (default q4)")

	fs.Var(&toggle{name: "debug", dst: &f.debug, on: true}, "debug", "enable debug logging")
	fs.Var(&toggle{name: "no-debug", dst: &f.debug, on: false}, "no-debug", "disable debug logging")
	fs.Var(&toggle{name: "use-claude", dst: &f.useClaude, on: true}, "use-claude", "answer with the dialogue model")
	fs.Var(&toggle{name: "no-claude", dst: &f.useClaude, on: false}, "no-claude", "speak the transcript back instead of asking the dialogue model")
	fs.Var(&toggle{name: "use-context", dst: &f.useContext, on: true}, "use-context", "keep the conversation across turns")
	fs.Var(&toggle{name: "no-context", dst: &f.useContext, on: false}, "no-context", "send only the latest transcript to the dialogue model")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(output, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return nil, errors.New("unexpected arguments")
	}
	fs.Visit(func(fl *flag.Flag) { f.given[fl.Name] = true })
	return f, nil
}

// apply writes the given flags onto cfg.
func (f *cliFlags) apply(cfg *config.Config) {
	if f.given["prompt"] {
		cfg.Call.PromptFile = f.promptFile
	}
	if f.given["tts-model"] {
		cfg.Providers.TTS.Model = f.ttsModel
	}
	if f.given["input-device"] {
		cfg.Audio.InputDevice = f.inputDevice
	}
	if f.given["admin-addr"] {
		cfg.Admin.ListenAddr = f.adminAddr
	}
	if f.skipModelInit {
		cfg.Startup.SkipModelInit = true
	}

	if f.threshold.ok {
		cfg.VAD.Threshold = f.threshold.value
	}
	if f.silence.ok {
		cfg.VAD.Silence = f.silence.value
	}
	if f.maxDuration.ok {
		cfg.VAD.MaxDuration = f.maxDuration.value
	}
	if f.noTimeout {
		cfg.VAD.MaxDuration = 0
	}
	if f.quantization.ok {
		cfg.TTS.Quantization = string(f.quantization.value)
	}

	if f.debug.ok {
		if f.debug.value {
			cfg.LogLevel = config.LogDebug
		} else if cfg.LogLevel == config.LogDebug {
			cfg.LogLevel = config.LogInfo
		}
	}
	if f.useClaude.ok {
		cfg.Call.UseDialogue = f.useClaude.value
	}
	if f.useContext.ok {
		cfg.Call.UseContext = f.useContext.value
	}
}

func parseThreshold(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if !(v > 0 && v <= 1) {
		return 0, fmt.Errorf("%v is out of range (0, 1]", v)
	}
	return v, nil
}

// maxSeconds is the longest duration, in seconds, a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// parseSeconds accepts a number of seconds ("1.5") or a duration ("1500ms").
func parseSeconds(allowZero bool) func(string) (time.Duration, error) {
	return func(s string) (time.Duration, error) {
		var d time.Duration
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			if math.IsNaN(secs) || math.Abs(secs) > maxSeconds {
				return 0, fmt.Errorf("%v seconds is out of range", secs)
			}
			d = time.Duration(secs * float64(time.Second))
		} else if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%q is neither seconds nor a duration", s)
		}
		switch {
		case d < 0:
			return 0, fmt.Errorf("%s must not be negative", d)
		case d == 0 && !allowZero:
			return 0, errors.New("must be positive")
		}
		return d, nil
	}
}
