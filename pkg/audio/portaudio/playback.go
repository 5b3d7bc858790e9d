package portaudio

import (
	"context"
	"encoding/binary"
	"fmt"

	pa "github.com/gordonklaus/portaudio"

	"github.com/aiphone/aiphone/pkg/audio"
)

// playbackBufferFrames is the number of sample frames written per
// stream.Write call. Cancellation is checked between writes.
const playbackBufferFrames = 1024

// Playback plays WAV files on the default output device.
type Playback struct{}

var _ audio.Player = (*Playback)(nil)

// NewPlayback returns a speaker [audio.Player].
func NewPlayback() *Playback {
	return &Playback{}
}

// Play implements [audio.Player]. The output stream is opened at the file's
// own sample rate and channel count.
func (p *Playback) Play(ctx context.Context, path string) error {
	pcm, info, err := audio.ReadWAVFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrPlayback, err)
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return fmt.Errorf("%w: %s: invalid format %d Hz / %d ch", audio.ErrPlayback, path, info.SampleRate, info.Channels)
	}
	if err := p.play(ctx, pcm, info); err != nil {
		return fmt.Errorf("%w: %s: %w", audio.ErrPlayback, path, err)
	}
	return nil
}

func (p *Playback) play(ctx context.Context, pcm []byte, info audio.WAVInfo) error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialise: %w", err)
	}
	defer func() { _ = pa.Terminate() }()

	buf := make([]int16, playbackBufferFrames*info.Channels)
	stream, err := pa.OpenDefaultStream(0, info.Channels, float64(info.SampleRate), playbackBufferFrames, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	defer func() { _ = stream.Stop() }()

	total := len(pcm) / 2
	for pos := 0; pos < total; pos += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range buf {
			if pos+i < total {
				buf[i] = int16(binary.LittleEndian.Uint16(pcm[(pos+i)*2:]))
			} else {
				buf[i] = 0
			}
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}
