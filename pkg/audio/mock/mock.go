// Package mock provides in-memory implementations of [audio.FrameSource] and
// [audio.Player] for use in unit tests, together with helpers that synthesise
// frame sequences with a known energy trace.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields that
// the test sets to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{Captures: [][]audio.AudioFrame{
//	    mock.Trace(20*time.Millisecond,
//	        mock.Segment{Level: 0.9, Duration: 3 * time.Second},
//	        mock.Segment{Level: 0.01, Duration: 2 * time.Second},
//	    ),
//	}}
package mock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/aiphone/aiphone/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a scripted [audio.FrameSource]. The i-th call to Capture replays
// Captures[i]; when the script for a call is exhausted Capture either returns
// CaptureErr (simulating a device failure) or, when CaptureErr is nil, blocks
// like an idle live device until ctx is cancelled.
type Source struct {
	mu sync.Mutex

	// Captures holds the frames emitted by successive Capture calls.
	Captures [][]audio.AudioFrame

	// OpenErr is returned immediately by Capture, before any frame is sent.
	OpenErr error

	// CaptureErr is returned after the scripted frames have been sent.
	CaptureErr error

	// BeforeSend, when set, is called with each frame just before it is sent.
	// Tests use it to advance a virtual clock in step with frame timestamps.
	BeforeSend func(audio.AudioFrame)

	// CaptureCalls records how many times Capture was called.
	CaptureCalls int

	// Sent records how many frames were delivered across all calls.
	Sent int
}

var _ audio.FrameSource = (*Source)(nil)

// Capture implements [audio.FrameSource].
func (s *Source) Capture(ctx context.Context, out chan<- audio.AudioFrame) error {
	s.mu.Lock()
	idx := s.CaptureCalls
	s.CaptureCalls++
	openErr, captureErr, before := s.OpenErr, s.CaptureErr, s.BeforeSend
	var frames []audio.AudioFrame
	if idx < len(s.Captures) {
		frames = s.Captures[idx]
	}
	s.mu.Unlock()

	if openErr != nil {
		return openErr
	}

	for _, f := range frames {
		if ctx.Err() != nil {
			return nil
		}
		if before != nil {
			before(f)
		}
		select {
		case out <- f:
			s.mu.Lock()
			s.Sent++
			s.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
	if captureErr != nil {
		return captureErr
	}
	<-ctx.Done()
	return nil
}

// SentFrames returns the number of frames delivered so far.
func (s *Source) SentFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sent
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player] that records every path it is asked to play.
type Player struct {
	mu sync.Mutex

	// PlayErr is returned by every Play call.
	PlayErr error

	// PlayErrFor, when it has an entry for a path, overrides PlayErr for it.
	PlayErrFor map[string]error

	// Played records the path of every Play call in order.
	Played []string
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Played = append(p.Played, path)
	if err, ok := p.PlayErrFor[path]; ok {
		return err
	}
	if p.PlayErr != nil {
		return p.PlayErr
	}
	return ctx.Err()
}

// PlayedPaths returns a copy of the recorded paths.
func (p *Player) PlayedPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Played))
	copy(out, p.Played)
	return out
}

// ─── Frame helpers ────────────────────────────────────────────────────────────

// Segment is a stretch of constant energy in a synthetic trace.
type Segment struct {
	// Level is the normalised mean absolute amplitude in [0, 1].
	Level float64

	// Duration is the length of the segment.
	Duration time.Duration
}

// Trace builds consecutive 16 kHz mono frames of length frameDur whose mean
// absolute amplitude follows segs. Sequence numbers and timestamps start at
// zero and are continuous across segments.
func Trace(frameDur time.Duration, segs ...Segment) []audio.AudioFrame {
	var frames []audio.AudioFrame
	var seq uint64
	for _, seg := range segs {
		n := int(seg.Duration / frameDur)
		for range n {
			frames = append(frames, Frame(seg.Level, seq, frameDur))
			seq++
		}
	}
	return frames
}

// Frame builds a single 16 kHz mono frame with sequence index seq whose mean
// absolute amplitude divided by 32768 equals level (clamped to what int16 can
// represent).
func Frame(level float64, seq uint64, frameDur time.Duration) audio.AudioFrame {
	amp := level * 32768
	if amp > 32767 {
		amp = 32767
	}
	if amp < 0 {
		amp = 0
	}
	a := int16(amp)
	data := make([]byte, audio.FrameBytes(audio.DefaultSampleRate, frameDur))
	for i := 0; i+1 < len(data); i += 2 {
		s := a
		if (i/2)%2 == 1 {
			s = -a
		}
		binary.LittleEndian.PutUint16(data[i:], uint16(s))
	}
	return audio.AudioFrame{
		Data:       data,
		SampleRate: audio.DefaultSampleRate,
		Channels:   1,
		Seq:        seq,
		Timestamp:  time.Duration(seq) * frameDur,
	}
}
