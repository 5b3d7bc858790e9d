// Package recording owns one capture-to-file cycle: it streams microphone
// frames into a WAV file until the speaker has clearly stopped talking or a
// maximum duration elapses, then validates the artifact.
//
// A [Session] is single-use. Each turn constructs a fresh one so that the
// rolling energy window never carries over from a previous turn.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiphone/aiphone/internal/silence"
	"github.com/aiphone/aiphone/pkg/audio"
)

// MaxSilenceConfirm caps the silence needed to end a recording. The
// configured required silence is used when it is shorter.
const MaxSilenceConfirm = time.Second

// defaultFrameBuffer is the capacity of the channel between the capture
// goroutine and the session loop.
const defaultFrameBuffer = 64

// Sentinel errors classifying a failed recording. Use [errors.Is].
var (
	// ErrNoSpeechDetected means the smoothed level never reached the start
	// threshold before the recording stopped. It is a benign end of call.
	ErrNoSpeechDetected = errors.New("recording: no speech detected")

	// ErrEmptyOrMissingFile means the recording stopped but the artifact is
	// missing or holds no samples. It is a benign end of call.
	ErrEmptyOrMissingFile = errors.New("recording: recording file is empty or missing")

	// ErrDevice wraps capture device and file I/O failures.
	ErrDevice = errors.New("recording: device error")

	errAlreadyRun = errors.New("recording: session already run")
)

// StopReason records which path ended a recording.
type StopReason int

const (
	// StopNone means the session never reached a stop (for example it failed
	// to open its sink).
	StopNone StopReason = iota

	// StopSilence is the natural end of speech: confirmed silence after the
	// speaker had started talking.
	StopSilence

	// StopTimeout means the max-duration deadline fired first.
	StopTimeout

	// StopStreamEnded means the frame source finished on its own, either
	// because the device failed or because a finite source ran out.
	StopStreamEnded

	// StopCancelled means the parent context was cancelled.
	StopCancelled
)

// String returns the lower-case name of the reason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopSilence:
		return "silence"
	case StopTimeout:
		return "timeout"
	case StopStreamEnded:
		return "stream_ended"
	case StopCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Result describes a finished recording. StopReason is filled in whenever the
// capture ran to a stop, including when Run also returns an error.
type Result struct {
	// Path of the WAV artifact. Empty unless Run returned a nil error.
	Path string

	// Duration of recorded audio.
	Duration time.Duration

	// SampleCount is the number of samples in the artifact.
	SampleCount int

	// StopReason is the path that ended the capture.
	StopReason StopReason

	// Frames is the number of frames scored by the silence detector.
	Frames int
}

// Config holds the parameters of one recording.
type Config struct {
	// Path is the file the recording is written to. Its directory must exist.
	Path string

	// SampleRate of the incoming frames. Default: 16000.
	SampleRate int

	// MaxDuration force-stops the recording. Zero disables the deadline.
	MaxDuration time.Duration

	// RequiredSilence is the configured end-of-speech silence. The effective
	// confirmation is min(MaxSilenceConfirm, RequiredSilence).
	RequiredSilence time.Duration

	// ThresholdStart and ThresholdStop configure the silence detector.
	ThresholdStart float64
	ThresholdStop  float64

	// WindowSize is the rolling-average length. Default: 5.
	WindowSize int

	// FlushDelay is waited after the sink is closed and before validation.
	FlushDelay time.Duration

	// FrameBuffer is the capacity of the frame channel. Negative means
	// unbuffered; zero selects the default.
	FrameBuffer int
}

// Clock schedules the max-duration deadline.
type Clock interface {
	// AfterFunc calls f in its own goroutine after d and returns a function
	// that cancels the call. The cancel function reports whether it stopped
	// the call before it ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Session is one capture-to-file cycle.
type Session struct {
	cfg    Config
	source audio.FrameSource
	clock  Clock
	logger *slog.Logger
	ran    atomic.Bool
}

// Option is a functional option for [New].
type Option func(*Session)

// WithClock replaces the wall clock used for the max-duration deadline.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New returns a session that records from source according to cfg.
func New(source audio.FrameSource, cfg Config, opts ...Option) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	s := &Session{
		cfg:    cfg,
		source: source,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SilenceConfirm returns the silence that ends this session's recording.
func (s *Session) SilenceConfirm() time.Duration {
	if s.cfg.RequiredSilence <= 0 {
		return MaxSilenceConfirm
	}
	return min(MaxSilenceConfirm, s.cfg.RequiredSilence)
}

// Run captures until confirmed silence, the deadline, a device failure or
// ctx cancellation, and returns the validated recording.
//
// Errors wrap one of [ErrNoSpeechDetected], [ErrEmptyOrMissingFile] or
// [ErrDevice], or are ctx.Err() when the parent context was cancelled. Run
// may be called only once per Session.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, errAlreadyRun
	}
	log := s.logger.With("path", s.cfg.Path)

	sink, err := audio.CreateWAV(s.cfg.Path, s.cfg.SampleRate, 1)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create sink: %w", ErrDevice, err)
	}

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()

	frames := make(chan audio.AudioFrame, s.frameBuffer())
	var g errgroup.Group
	g.Go(func() error {
		defer close(frames)
		return s.source.Capture(captureCtx, frames)
	})

	var (
		stopOnce sync.Once
		stopped  = make(chan struct{})
		reason   StopReason
	)
	// stop assigns the stop reason exactly once; later callers are no-ops.
	stop := func(r StopReason) bool {
		first := false
		stopOnce.Do(func() {
			reason = r
			first = true
			close(stopped)
			cancelCapture()
		})
		return first
	}

	disarm := func() bool { return false }
	if s.cfg.MaxDuration > 0 {
		disarm = s.clock.AfterFunc(s.cfg.MaxDuration, func() {
			if stop(StopTimeout) {
				log.Info("recording stopped at maximum duration", "max_duration", s.cfg.MaxDuration)
			}
		})
	}

	det := silence.New(silence.Config{
		ThresholdStart: s.cfg.ThresholdStart,
		ThresholdStop:  s.cfg.ThresholdStop,
		WindowSize:     s.cfg.WindowSize,
	})
	confirm := s.SilenceConfirm()
	preroll := make([]audio.AudioFrame, 0, max(s.cfg.WindowSize, silence.DefaultWindowSize))
	writing := false
	processed := 0
	var writeErr error

loop:
	for {
		select {
		case <-stopped:
			break loop
		case <-ctx.Done():
			stop(StopCancelled)
			break loop
		case f, ok := <-frames:
			if !ok {
				stop(StopStreamEnded)
				break loop
			}
			// A frame that raced with a stop is discarded.
			select {
			case <-stopped:
				break loop
			default:
			}

			state := det.Observe(f)
			processed++
			if processed%10 == 0 {
				log.Debug("audio level", "seq", f.Seq, "level", silence.Level(f), "avg", det.Average(), "state", state)
			}

			if writing {
				writeErr = sink.WriteFrame(f)
			} else {
				if len(preroll) == cap(preroll) {
					preroll = append(preroll[:0], preroll[1:]...)
				}
				preroll = append(preroll, f)
				if det.SpeechStarted() {
					log.Debug("speech started", "seq", f.Seq, "avg", det.Average())
					writing = true
					for _, pf := range preroll {
						if writeErr = sink.WriteFrame(pf); writeErr != nil {
							break
						}
					}
					preroll = nil
				}
			}
			if writeErr != nil {
				stop(StopStreamEnded)
				break loop
			}

			if det.SpeechStarted() && state == silence.Silent && det.SilentFor(f.Timestamp) >= confirm {
				if stop(StopSilence) {
					disarm()
					log.Debug("silence confirmed, stopping", "silent_for", det.SilentFor(f.Timestamp))
				}
				break loop
			}
		}
	}

	disarm()
	cancelCapture()
	audio.Drain(frames)
	captureErr := g.Wait()
	closeErr := sink.Close()

	res := Result{StopReason: reason, Frames: processed}

	if reason == StopCancelled || (ctx.Err() != nil && reason != StopSilence && reason != StopTimeout) {
		_ = os.Remove(s.cfg.Path)
		return res, ctx.Err()
	}
	if captureErr != nil && (reason == StopSilence || reason == StopTimeout) {
		// The recording was already complete when the device failed.
		log.Debug("capture error after stop ignored", "stop_reason", reason, "err", captureErr)
		captureErr = nil
	}
	if captureErr != nil {
		_ = os.Remove(s.cfg.Path)
		return res, fmt.Errorf("%w: %w", ErrDevice, captureErr)
	}
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(s.cfg.Path)
		return res, fmt.Errorf("%w: write %s: %w", ErrDevice, filepath.Base(s.cfg.Path), errors.Join(writeErr, closeErr))
	}
	if !det.SpeechStarted() {
		_ = os.Remove(s.cfg.Path)
		return res, ErrNoSpeechDetected
	}

	if s.cfg.FlushDelay > 0 {
		t := time.NewTimer(s.cfg.FlushDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		}
	}

	info, err := Validate(s.cfg.Path)
	if err != nil {
		return res, err
	}
	res.Path = s.cfg.Path
	res.SampleCount = info.SampleCount()
	res.Duration = time.Duration(res.SampleCount) * time.Second / time.Duration(info.SampleRate)
	log.Info("recording complete",
		"stop_reason", reason,
		"duration", res.Duration,
		"samples", res.SampleCount,
	)
	return res, nil
}

func (s *Session) frameBuffer() int {
	switch {
	case s.cfg.FrameBuffer < 0:
		return 0
	case s.cfg.FrameBuffer == 0:
		return defaultFrameBuffer
	default:
		return s.cfg.FrameBuffer
	}
}

// Validate checks that path is a readable WAV file holding at least one
// sample. Any failure wraps [ErrEmptyOrMissingFile].
func Validate(path string) (audio.WAVInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return audio.WAVInfo{}, fmt.Errorf("%w: %w", ErrEmptyOrMissingFile, err)
	}
	if fi.Size() == 0 {
		return audio.WAVInfo{}, fmt.Errorf("%w: %s is zero bytes", ErrEmptyOrMissingFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.WAVInfo{}, fmt.Errorf("%w: %w", ErrEmptyOrMissingFile, err)
	}
	info, err := audio.ParseWAV(data)
	if err != nil {
		return audio.WAVInfo{}, fmt.Errorf("%w: %w", ErrEmptyOrMissingFile, err)
	}
	if info.SampleCount() == 0 || info.SampleRate <= 0 {
		return audio.WAVInfo{}, fmt.Errorf("%w: %s holds no samples", ErrEmptyOrMissingFile, path)
	}
	return info, nil
}
