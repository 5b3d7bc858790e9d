package silence_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/aiphone/aiphone/internal/silence"
	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/audio/mock"
)

const frameDur = 20 * time.Millisecond

func frame(level float64, seq uint64) audio.AudioFrame {
	return mock.Frame(level, seq, frameDur)
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name  string
		level float64
	}{
		{"silence", 0},
		{"quiet", 0.01},
		{"loud", 0.9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := silence.Level(frame(tc.level, 0))
			if math.Abs(got-tc.level) > 1.0/32768 {
				t.Errorf("Level = %f, want %f", got, tc.level)
			}
		})
	}
	if got := silence.Level(audio.AudioFrame{}); got != 0 {
		t.Errorf("Level(empty) = %f, want 0", got)
	}
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := silence.NewWindow(3)
	if w.Average() != 0 {
		t.Fatalf("empty average = %f", w.Average())
	}
	for _, v := range []float64{0.3, 0.3, 0.3} {
		w.Push(v)
	}
	w.Push(0.9) // evicts one 0.3
	want := (0.3 + 0.3 + 0.9) / 3
	if math.Abs(w.Average()-want) > 1e-12 {
		t.Errorf("Average = %f, want %f", w.Average(), want)
	}
	if w.Len() != 3 || w.Cap() != 3 {
		t.Errorf("Len/Cap = %d/%d, want 3/3", w.Len(), w.Cap())
	}
	w.Reset()
	if w.Len() != 0 || w.Average() != 0 {
		t.Errorf("after Reset Len=%d Average=%f", w.Len(), w.Average())
	}
}

func TestNewWindow_MinimumSize(t *testing.T) {
	if got := silence.NewWindow(0).Cap(); got != 1 {
		t.Errorf("Cap = %d, want 1", got)
	}
}

func TestClampThreshold(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, silence.MinThreshold},
		{-1, silence.MinThreshold},
		{0.001, silence.MinThreshold},
		{0.045, 0.045},
		{1, 1},
		{3, 1},
		{math.NaN(), silence.DefaultThreshold},
		{math.Inf(1), 1},
		{math.Inf(-1), silence.MinThreshold},
	}
	for _, tc := range tests {
		if got := silence.ClampThreshold(tc.in); got != tc.want {
			t.Errorf("ClampThreshold(%f) = %f, want %f", tc.in, got, tc.want)
		}
	}
}

func TestDetector_Transitions(t *testing.T) {
	d := silence.New(silence.Config{ThresholdStart: 0.3, ThresholdStop: 0.3})

	if d.State() != silence.Talking {
		t.Fatalf("initial state = %v, want talking", d.State())
	}
	if _, ok := d.SilenceStartedAt(); ok {
		t.Fatal("SilenceStartedAt set before any frame")
	}

	var seq uint64
	observe := func(level float64) silence.State {
		s := d.Observe(frame(level, seq))
		seq++
		return s
	}

	for range 5 {
		if s := observe(0.9); s != silence.Talking {
			t.Fatalf("loud frame state = %v", s)
		}
	}
	if !d.SpeechStarted() {
		t.Fatal("SpeechStarted = false after loud frames")
	}

	// Average stays >= 0.3 until four quiet frames are in the window.
	for i := range 3 {
		if s := observe(0.01); s != silence.Talking {
			t.Fatalf("quiet frame %d: state = %v, want talking (smoothing)", i, s)
		}
	}
	if s := observe(0.01); s != silence.Silent {
		t.Fatalf("state = %v, want silent", s)
	}
	started, ok := d.SilenceStartedAt()
	if !ok || started != 8*frameDur {
		t.Fatalf("SilenceStartedAt = %v/%v, want %v/true", started, ok, 8*frameDur)
	}

	// Staying silent keeps the original start.
	observe(0.01)
	observe(0.0)
	if again, _ := d.SilenceStartedAt(); again != started {
		t.Errorf("SilenceStartedAt moved from %v to %v", started, again)
	}
	if got := d.SilentFor(10 * frameDur); got != 2*frameDur {
		t.Errorf("SilentFor = %v, want %v", got, 2*frameDur)
	}

	// Back to talking clears the start.
	for range 5 {
		observe(0.9)
	}
	if d.State() != silence.Talking {
		t.Fatalf("state = %v, want talking", d.State())
	}
	if _, ok := d.SilenceStartedAt(); ok {
		t.Error("SilenceStartedAt still set while talking")
	}
	if d.SilentFor(time.Hour) != 0 {
		t.Error("SilentFor non-zero while talking")
	}
}

func TestDetector_BackgroundNoiseDoesNotStartSpeech(t *testing.T) {
	d := silence.New(silence.Config{ThresholdStart: 0.2, ThresholdStop: 0.05})
	for i := range 100 {
		d.Observe(frame(0.1, uint64(i)))
	}
	if d.SpeechStarted() {
		t.Error("noise below the start threshold counted as speech")
	}
	if d.State() != silence.Talking {
		t.Errorf("state = %v, want talking (noise above stop threshold)", d.State())
	}
}

func TestDetector_ClampsThresholds(t *testing.T) {
	d := silence.New(silence.Config{ThresholdStart: 0, ThresholdStop: 0})
	start, stop := d.Thresholds()
	if start != silence.MinThreshold || stop != silence.MinThreshold {
		t.Errorf("thresholds = %f/%f, want %f", start, stop, silence.MinThreshold)
	}
	// A digitally silent frame must still register as silence.
	if s := d.Observe(frame(0, 0)); s != silence.Silent {
		t.Errorf("state = %v, want silent", s)
	}
}

// TestDetector_NeverSilentAboveStop checks on random energy traces that the
// detector is Talking whenever the smoothed average is at or above the stop
// threshold, and that traces kept above the threshold never go Silent.
func TestDetector_NeverSilentAboveStop(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	const stop = 0.2

	for trial := range 200 {
		d := silence.New(silence.Config{ThresholdStart: stop, ThresholdStop: stop})
		dips := trial%2 == 0
		for i := range 250 {
			lvl := stop + 0.01 + rng.Float64()*(1-stop-0.01)
			if dips && rng.IntN(6) == 0 {
				lvl = rng.Float64() * stop
			}
			s := d.Observe(frame(lvl, uint64(i)))
			if d.Average() >= stop && s == silence.Silent {
				t.Fatalf("trial %d frame %d: Silent with smoothed average %f >= %f", trial, i, d.Average(), stop)
			}
			if !dips && s == silence.Silent {
				t.Fatalf("trial %d frame %d: Silent on a trace that never dips", trial, i)
			}
		}
	}
}

func TestDetector_SilenceStartIffSilent(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	d := silence.New(silence.Config{ThresholdStart: 0.1, ThresholdStop: 0.1})
	for i := range 2000 {
		s := d.Observe(frame(rng.Float64()*0.2, uint64(i)))
		_, ok := d.SilenceStartedAt()
		if ok != (s == silence.Silent) {
			t.Fatalf("frame %d: state %v with SilenceStartedAt ok=%v", i, s, ok)
		}
	}
}

func TestState_String(t *testing.T) {
	if silence.Talking.String() != "talking" || silence.Silent.String() != "silent" {
		t.Error("unexpected state names")
	}
	if silence.State(9).String() != "State(9)" {
		t.Errorf("unknown = %q", silence.State(9).String())
	}
}
