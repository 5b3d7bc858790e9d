// Package silence classifies a stream of audio frames into talking and silent
// stretches using a rolling average of frame energy.
//
// A [Detector] is owned by exactly one recording session and constructed fresh
// for every session, so no energy history carries over between turns.
package silence

import (
	"fmt"
	"math"
	"time"

	"github.com/aiphone/aiphone/pkg/audio"
)

// MinThreshold is the lowest accepted threshold. Levels below 0.5 % of full
// scale sit inside the noise floor of a 16-bit microphone capture, so a
// smaller stop threshold would never report silence and a smaller start
// threshold would treat hiss as speech.
const MinThreshold = 0.005

// DefaultThreshold is the threshold used when none is configured.
const DefaultThreshold = 0.045

// State is the classification of the most recent smoothed energy level.
type State int

const (
	// Talking means the smoothed energy is at or above the stop threshold.
	Talking State = iota

	// Silent means the smoothed energy is below the stop threshold.
	Silent
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Talking:
		return "talking"
	case Silent:
		return "silent"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the detector thresholds.
type Config struct {
	// ThresholdStart is the smoothed level speech must reach before a
	// recording is considered to contain speech at all.
	ThresholdStart float64

	// ThresholdStop is the smoothed level below which audio counts as silence.
	ThresholdStop float64

	// WindowSize is the rolling-average length in frames. Default: 5.
	WindowSize int
}

// ClampThreshold limits v to [MinThreshold, 1]. NaN maps to DefaultThreshold.
func ClampThreshold(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultThreshold
	}
	return min(max(v, MinThreshold), 1)
}

// Detector tracks talking/silence state over a frame stream. It is not safe
// for concurrent use.
type Detector struct {
	start, stop float64
	win         *Window

	state         State
	silenceSince  time.Duration
	speechStarted bool
	avg           float64
}

// New returns a detector in the Talking state with an empty window. The
// thresholds in cfg are clamped with [ClampThreshold].
func New(cfg Config) *Detector {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Detector{
		start: ClampThreshold(cfg.ThresholdStart),
		stop:  ClampThreshold(cfg.ThresholdStop),
		win:   NewWindow(size),
		state: Talking,
	}
}

// Observe scores frame, updates the rolling window and returns the new state.
// The silence clock is keyed on frame timestamps, so the result does not
// depend on how quickly frames are delivered.
func (d *Detector) Observe(frame audio.AudioFrame) State {
	d.win.Push(Level(frame))
	d.avg = d.win.Average()

	if d.avg >= d.start {
		d.speechStarted = true
	}
	if d.avg < d.stop {
		if d.state == Talking {
			d.state = Silent
			d.silenceSince = frame.Timestamp
		}
		return d.state
	}
	d.state = Talking
	d.silenceSince = 0
	return d.state
}

// State returns the state after the most recent Observe.
func (d *Detector) State() State { return d.state }

// SilenceStartedAt returns the timestamp of the frame that began the current
// silent stretch. ok is false while talking.
func (d *Detector) SilenceStartedAt() (at time.Duration, ok bool) {
	if d.state != Silent {
		return 0, false
	}
	return d.silenceSince, true
}

// SilentFor returns how long the current silent stretch has lasted at
// timestamp now, or 0 while talking.
func (d *Detector) SilentFor(now time.Duration) time.Duration {
	at, ok := d.SilenceStartedAt()
	if !ok || now < at {
		return 0
	}
	return now - at
}

// SpeechStarted reports whether any smoothed level so far reached the start
// threshold.
func (d *Detector) SpeechStarted() bool { return d.speechStarted }

// Average returns the smoothed level computed by the most recent Observe.
func (d *Detector) Average() float64 { return d.avg }

// Thresholds returns the effective (clamped) start and stop thresholds.
func (d *Detector) Thresholds() (start, stop float64) { return d.start, d.stop }
