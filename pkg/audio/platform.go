// Package audio defines the interfaces and types for local audio capture and
// playback used by the call loop.
//
// The two primary abstractions are:
//
//   - [FrameSource] streams fixed-size PCM frames from a capture device.
//   - [Player] plays a finished audio artifact (a WAV file) to the caller.
//
// Implementations live in device-specific adapter packages (audio/portaudio)
// and in audio/mock for tests.
//
// This package lives under pkg/ because external code (alternative capture
// backends such as a SIP media bridge) is expected to implement [FrameSource]
// and [Player].
package audio

import (
	"context"
	"errors"
)

// ErrPlayback is wrapped by every [Player] failure so callers can classify it
// with errors.Is.
var ErrPlayback = errors.New("audio: playback failed")

// ErrDeviceUnavailable is returned by [FrameSource.Capture] when the capture
// device cannot be opened at all. Unlike transient read errors this condition
// does not resolve by retrying the next turn.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// FrameSource yields timestamped PCM frames from a live capture device.
//
// Capture opens the device, sends frames on out in arrival order and blocks
// until ctx is cancelled or the device fails. It returns nil when it stopped
// because ctx was cancelled, and a non-nil error on any device or I/O failure.
// Capture must not close out; the caller owns the channel. Sends on out must
// select on ctx.Done() so that a cancelled capture never blocks on a consumer
// that has stopped reading.
//
// Frame sequence numbers and timestamps restart at zero for every call to
// Capture. A FrameSource is owned by exactly one capture at a time; calling
// Capture concurrently on the same source is not supported.
type FrameSource interface {
	Capture(ctx context.Context, out chan<- AudioFrame) error
}

// Player plays an audio artifact and blocks until playback has completed or
// ctx is cancelled.
//
// Implementations must wrap failures with [ErrPlayback].
type Player interface {
	Play(ctx context.Context, path string) error
}

// PlayerFunc adapts an ordinary function to the [Player] interface.
type PlayerFunc func(ctx context.Context, path string) error

// Play calls f(ctx, path).
func (f PlayerFunc) Play(ctx context.Context, path string) error {
	return f(ctx, path)
}
