// Package portaudio implements [audio.FrameSource] and [audio.Player] on top of
// the PortAudio library, giving the call loop direct access to the local
// microphone and speakers.
//
// Every Capture and Play call initialises PortAudio and terminates it on
// return. PortAudio reference-counts Initialize/Terminate pairs, so capture
// and playback may overlap with cue sounds without tearing each other down.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/aiphone/aiphone/pkg/audio"
)

// Capture streams microphone audio as fixed-size 16 kHz mono frames.
//
// Devices that cannot open the pipeline format directly can be opened at their
// native rate and channel count via [WithDeviceFormat]; frames are converted
// before they are sent.
type Capture struct {
	device    string
	native    audio.Format
	target    audio.Format
	frameSize time.Duration
}

var _ audio.FrameSource = (*Capture)(nil)

// Option is a functional option for [NewCapture].
type Option func(*Capture)

// WithDevice selects an input device by its PortAudio name. An unknown name
// falls back to the default input device with a warning.
func WithDevice(name string) Option {
	return func(c *Capture) { c.device = name }
}

// WithDeviceFormat opens the device at the given native sample rate and
// channel count instead of the pipeline format.
func WithDeviceFormat(sampleRate, channels int) Option {
	return func(c *Capture) {
		c.native = audio.Format{SampleRate: sampleRate, Channels: channels}
	}
}

// WithFrameDuration sets the length of each emitted frame. Defaults to
// [audio.DefaultFrameDuration].
func WithFrameDuration(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.frameSize = d
		}
	}
}

// NewCapture returns a microphone [audio.FrameSource] emitting 16 kHz mono
// frames.
func NewCapture(opts ...Option) *Capture {
	target := audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1}
	c := &Capture{
		native:    target,
		target:    target,
		frameSize: audio.DefaultFrameDuration,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capture implements [audio.FrameSource]. It returns an error wrapping
// [audio.ErrDeviceUnavailable] when the input stream cannot be opened.
func (c *Capture) Capture(ctx context.Context, out chan<- audio.AudioFrame) error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialise: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	defer func() { _ = pa.Terminate() }()

	framesPerBuffer := int(int64(c.native.SampleRate) * int64(c.frameSize) / int64(time.Second))
	buf := make([]int16, framesPerBuffer*c.native.Channels)

	stream, err := c.open(buf, framesPerBuffer)
	if err != nil {
		return fmt.Errorf("portaudio: open input stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start input stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	defer func() { _ = stream.Stop() }()

	conv := audio.FormatConverter{Target: c.target}
	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("portaudio: input overflowed, samples lost", "seq", seq)
			} else {
				return fmt.Errorf("portaudio: read: %w", err)
			}
		}

		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		frame := conv.Convert(audio.AudioFrame{
			Data:       data,
			SampleRate: c.native.SampleRate,
			Channels:   c.native.Channels,
			Seq:        seq,
			Timestamp:  time.Duration(seq) * c.frameSize,
		})
		seq++
		if frame.Data == nil {
			continue
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Capture) open(buf []int16, framesPerBuffer int) (*pa.Stream, error) {
	if c.device == "" || c.device == "default" {
		return pa.OpenDefaultStream(c.native.Channels, 0, float64(c.native.SampleRate), framesPerBuffer, buf)
	}
	dev, err := findInputDevice(c.device)
	if err != nil {
		slog.Warn("portaudio: input device not found, using default", "device", c.device, "err", err)
		return pa.OpenDefaultStream(c.native.Channels, 0, float64(c.native.SampleRate), framesPerBuffer, buf)
	}
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: c.native.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.native.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	return pa.OpenStream(params, buf)
}

func findInputDevice(name string) (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device named %q", name)
}

// DeviceInfo describes an input device.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// InputDevices lists the capture devices PortAudio can see. The health check
// uses it to report whether a microphone is present.
func InputDevices() ([]DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialise: %w", err)
	}
	defer func() { _ = pa.Terminate() }()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var defaultName string
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels == 0 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         dev.Name == defaultName,
		})
	}
	return out, nil
}
