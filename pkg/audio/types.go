package audio

import (
	"encoding/binary"
	"time"
)

const (
	// DefaultSampleRate is the capture rate used by the call loop. 16 kHz mono
	// is what whisper.cpp expects, so recordings need no resampling.
	DefaultSampleRate = 16000

	// DefaultFrameDuration is the length of one captured frame.
	DefaultFrameDuration = 20 * time.Millisecond
)

// AudioFrame represents a single frame of captured audio.
// Frames are the atomic unit of the capture path: produced by a [FrameSource],
// scored by the silence detector and appended to the recording sink. A frame is
// never modified after it has been sent on a channel.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (16000 for the microphone path).
	SampleRate int

	// Channels is always 1 on the capture path.
	Channels int

	// Seq is the zero-based sequence index of the frame within its capture.
	// It increases by exactly one per frame.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of 16-bit samples per channel in the frame.
func (f AudioFrame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}

// Sample returns the i-th 16-bit sample of the frame.
func (f AudioFrame) Sample(i int) int16 {
	return int16(binary.LittleEndian.Uint16(f.Data[2*i:]))
}

// FrameBytes returns the byte length of one mono 16-bit frame of duration d at
// sampleRate.
func FrameBytes(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate)*int64(d)/int64(time.Second)) * 2
}

// PCMToFloat32 converts 16-bit signed little-endian PCM to float32 samples in
// [-1, 1), the layout expected by whisper.cpp.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM converts float32 samples to 16-bit signed little-endian PCM,
// clamping values outside [-1, 1].
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s*32767)))
	}
	return out
}
