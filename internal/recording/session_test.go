package recording_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aiphone/aiphone/internal/recording"
	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/audio/mock"
)

const frameDur = 20 * time.Millisecond

// virtualClock is a [recording.Clock] driven by frame timestamps. The mock
// source advances it just before each frame is sent, so deadlines fire at the
// same point in the frame stream on every run.
type virtualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*virtualTimer
	fired  int
}

type virtualTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	done    bool
}

func (c *virtualClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.done || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *virtualClock) advance(to time.Duration) {
	c.mu.Lock()
	if to > c.now {
		c.now = to
	}
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.stopped && t.at <= c.now {
			t.done = true
			c.fired++
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *virtualClock) firedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

func (c *virtualClock) allStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if !t.stopped {
			return false
		}
	}
	return true
}

// newSession wires a scripted source to a virtual clock and an unbuffered
// frame channel so the source never runs more than one frame ahead.
func newSession(t *testing.T, frames []audio.AudioFrame, cfg recording.Config) (*recording.Session, *mock.Source, *virtualClock) {
	t.Helper()
	clock := &virtualClock{}
	src := &mock.Source{
		Captures:   [][]audio.AudioFrame{frames},
		BeforeSend: func(f audio.AudioFrame) { clock.advance(f.Timestamp) },
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "recording.wav")
	}
	cfg.FrameBuffer = -1
	return recording.New(src, cfg, recording.WithClock(clock)), src, clock
}

func TestStopsAfterConfirmedSilence(t *testing.T) {
	frames := mock.Trace(frameDur,
		mock.Segment{Level: 0.9, Duration: 3 * time.Second},
		mock.Segment{Level: 0.01, Duration: 2 * time.Second},
	)
	s, _, clock := newSession(t, frames, recording.Config{
		MaxDuration:     15 * time.Second,
		RequiredSilence: time.Second,
		ThresholdStart:  0.3,
		ThresholdStop:   0.3,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != recording.StopSilence {
		t.Errorf("StopReason = %v, want silence", res.StopReason)
	}
	// Smoothing enters Silent on the 4th quiet frame (3.06s); one second of
	// confirmed silence later is the frame at 4.06s.
	stopAt := time.Duration(res.Frames-1) * frameDur
	if stopAt < 4*time.Second || stopAt > 4100*time.Millisecond {
		t.Errorf("stopped at %v, want ~4s", stopAt)
	}
	if res.Duration < 4*time.Second || res.Duration > 4100*time.Millisecond {
		t.Errorf("Duration = %v, want ~4s", res.Duration)
	}
	if clock.firedCount() != 0 {
		t.Errorf("deadline fired %d times on a natural stop", clock.firedCount())
	}
	if !clock.allStopped() {
		t.Error("deadline timer not disarmed after natural stop")
	}
}

func TestDeadlineStopsSilentRecording(t *testing.T) {
	frames := mock.Trace(frameDur, mock.Segment{Level: 0.01, Duration: 20 * time.Second})
	s, src, clock := newSession(t, frames, recording.Config{
		MaxDuration:     10 * time.Second,
		RequiredSilence: time.Second,
		ThresholdStart:  0.3,
		ThresholdStop:   0.3,
	})

	res, err := s.Run(context.Background())
	if res.StopReason != recording.StopTimeout {
		t.Fatalf("StopReason = %v, want timeout", res.StopReason)
	}
	if !errors.Is(err, recording.ErrNoSpeechDetected) {
		t.Errorf("err = %v, want ErrNoSpeechDetected", err)
	}
	if clock.firedCount() != 1 {
		t.Errorf("deadline fired %d times, want 1", clock.firedCount())
	}
	// Frames 0..499 cover [0s, 10s); the frame at 10s fires the deadline.
	if res.Frames < 499 || res.Frames > 500 {
		t.Errorf("Frames = %d, want 499 or 500", res.Frames)
	}
	if sent := src.SentFrames(); sent > 501 {
		t.Errorf("source sent %d frames after the forced stop", sent)
	}
	if res.Path != "" {
		t.Errorf("Path = %q, want empty on error", res.Path)
	}
}

func TestTimeoutAfterSpeechIsOk(t *testing.T) {
	frames := mock.Trace(frameDur, mock.Segment{Level: 0.8, Duration: 5 * time.Second})
	s, _, _ := newSession(t, frames, recording.Config{
		MaxDuration:    2 * time.Second,
		ThresholdStart: 0.1,
		ThresholdStop:  0.1,
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != recording.StopTimeout {
		t.Errorf("StopReason = %v, want timeout", res.StopReason)
	}
	if res.Duration > 2*time.Second+frameDur {
		t.Errorf("Duration = %v, want <= 2s", res.Duration)
	}
}

// TestNaturalStopFiresOnce runs random talk/silence traces and checks that
// the natural stop wins exactly once and the deadline never also fires.
func TestNaturalStopFiresOnce(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := range 25 {
		talk := time.Duration(1+rng.IntN(40)) * 100 * time.Millisecond
		required := time.Duration(2+rng.IntN(20)) * 100 * time.Millisecond
		frames := mock.Trace(frameDur,
			mock.Segment{Level: 0.5 + rng.Float64()*0.4, Duration: talk},
			mock.Segment{Level: rng.Float64() * 0.02, Duration: 3 * time.Second},
		)
		s, _, clock := newSession(t, frames, recording.Config{
			MaxDuration:     talk + 2500*time.Millisecond,
			RequiredSilence: required,
			ThresholdStart:  0.2,
			ThresholdStop:   0.2,
		})
		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("trial %d: Run: %v", trial, err)
		}
		if res.StopReason != recording.StopSilence {
			t.Fatalf("trial %d: StopReason = %v, want silence", trial, res.StopReason)
		}
		if clock.firedCount() != 0 {
			t.Fatalf("trial %d: deadline also fired", trial)
		}
		confirm := min(required, recording.MaxSilenceConfirm)
		if got := time.Duration(res.Frames-1) * frameDur; got < talk+confirm {
			t.Fatalf("trial %d: stopped at %v before %v of silence", trial, got, confirm)
		}
	}
}

func TestOkResultMatchesArtifact(t *testing.T) {
	frames := mock.Trace(frameDur,
		mock.Segment{Level: 0.01, Duration: 500 * time.Millisecond},
		mock.Segment{Level: 0.6, Duration: time.Second},
		mock.Segment{Level: 0.0, Duration: 2 * time.Second},
	)
	s, _, _ := newSession(t, frames, recording.Config{
		RequiredSilence: 1500 * time.Millisecond,
		ThresholdStart:  0.1,
		ThresholdStop:   0.1,
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	fi, err := os.Stat(res.Path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if fi.Size() <= 44 {
		t.Fatalf("artifact size = %d, want > 44", fi.Size())
	}
	info, err := recording.Validate(res.Path)
	if err != nil {
		t.Fatalf("Validate disagrees with Ok result: %v", err)
	}
	if info.SampleCount() != res.SampleCount {
		t.Errorf("SampleCount = %d, artifact has %d", res.SampleCount, info.SampleCount())
	}
	// Leading silence is trimmed to the pre-roll window.
	if res.Duration > 2500*time.Millisecond {
		t.Errorf("Duration = %v, leading silence not trimmed", res.Duration)
	}
}

func TestDeviceErrors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		src := &mock.Source{OpenErr: audio.ErrDeviceUnavailable}
		s := recording.New(src, recording.Config{Path: filepath.Join(t.TempDir(), "r.wav")})
		res, err := s.Run(context.Background())
		if !errors.Is(err, recording.ErrDevice) || !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("err = %v, want ErrDevice wrapping ErrDeviceUnavailable", err)
		}
		if res.StopReason != recording.StopStreamEnded {
			t.Errorf("StopReason = %v", res.StopReason)
		}
	})

	t.Run("mid-capture failure", func(t *testing.T) {
		boom := errors.New("usb unplugged")
		src := &mock.Source{
			Captures:   [][]audio.AudioFrame{mock.Trace(frameDur, mock.Segment{Level: 0.5, Duration: time.Second})},
			CaptureErr: boom,
		}
		path := filepath.Join(t.TempDir(), "r.wav")
		s := recording.New(src, recording.Config{Path: path, ThresholdStart: 0.1, ThresholdStop: 0.1})
		_, err := s.Run(context.Background())
		if !errors.Is(err, recording.ErrDevice) || !errors.Is(err, boom) {
			t.Fatalf("err = %v, want ErrDevice wrapping cause", err)
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Error("partial recording left on disk")
		}
	})

	t.Run("sink cannot be created", func(t *testing.T) {
		src := &mock.Source{}
		s := recording.New(src, recording.Config{Path: filepath.Join(t.TempDir(), "missing", "r.wav")})
		_, err := s.Run(context.Background())
		if !errors.Is(err, recording.ErrDevice) {
			t.Fatalf("err = %v, want ErrDevice", err)
		}
		if src.CaptureCalls != 0 {
			t.Error("capture started without a sink")
		}
	})
}

func TestParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &mock.Source{
		Captures: [][]audio.AudioFrame{mock.Trace(frameDur, mock.Segment{Level: 0.5, Duration: 200 * time.Millisecond})},
	}
	src.BeforeSend = func(f audio.AudioFrame) {
		if f.Seq == 5 {
			cancel()
		}
	}
	path := filepath.Join(t.TempDir(), "r.wav")
	s := recording.New(src, recording.Config{Path: path, ThresholdStart: 0.1, ThresholdStop: 0.1, FrameBuffer: -1})
	_, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("cancelled recording left on disk")
	}
}

func TestRunOnlyOnce(t *testing.T) {
	frames := mock.Trace(frameDur, mock.Segment{Level: 0.9, Duration: time.Second}, mock.Segment{Level: 0, Duration: 2 * time.Second})
	s, _, _ := newSession(t, frames, recording.Config{ThresholdStart: 0.1, ThresholdStop: 0.1, RequiredSilence: 500 * time.Millisecond})
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("second Run succeeded, want error")
	}
}

func TestSilenceConfirm(t *testing.T) {
	tests := []struct {
		required, want time.Duration
	}{
		{0, time.Second},
		{300 * time.Millisecond, 300 * time.Millisecond},
		{2 * time.Second, time.Second},
	}
	for _, tc := range tests {
		s := recording.New(&mock.Source{}, recording.Config{RequiredSilence: tc.required})
		if got := s.SilenceConfirm(); got != tc.want {
			t.Errorf("SilenceConfirm(%v) = %v, want %v", tc.required, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	header := filepath.Join(dir, "header.wav")
	if err := os.WriteFile(header, audio.EncodeWAV(nil, 16000, 1), 0o644); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(garbage, []byte("not a wav file at all, definitely not"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(dir, "good.wav")
	if err := os.WriteFile(good, audio.EncodeWAV(make([]byte, 640), 16000, 1), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{filepath.Join(dir, "missing.wav"), empty, header, garbage} {
		if _, err := recording.Validate(p); !errors.Is(err, recording.ErrEmptyOrMissingFile) {
			t.Errorf("Validate(%s) = %v, want ErrEmptyOrMissingFile", filepath.Base(p), err)
		}
	}
	info, err := recording.Validate(good)
	if err != nil {
		t.Fatalf("Validate(good): %v", err)
	}
	if info.SampleCount() != 320 {
		t.Errorf("SampleCount = %d, want 320", info.SampleCount())
	}
}

func TestStopReason_String(t *testing.T) {
	for r, want := range map[recording.StopReason]string{
		recording.StopNone:        "none",
		recording.StopSilence:     "silence",
		recording.StopTimeout:     "timeout",
		recording.StopStreamEnded: "stream_ended",
		recording.StopCancelled:   "cancelled",
	} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(r), got, want)
		}
	}
}
