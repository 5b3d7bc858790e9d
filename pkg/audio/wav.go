package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// wavHeaderSize is the size of the canonical 44-byte PCM WAV header
	// written by [EncodeWAV] and [WAVWriter].
	wavHeaderSize = 44

	bitsPerSample = 16
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // byte length of the PCM payload, clamped to the buffer
	SampleRate int
	Channels   int
}

// SampleCount returns the number of 16-bit samples per channel in the data
// chunk.
func (i WAVInfo) SampleCount() int {
	ch := i.Channels
	if ch <= 0 {
		ch = 1
	}
	return i.DataSize / (2 * ch)
}

// putWAVHeader writes a canonical PCM header describing dataSize bytes of
// audio into buf, which must be at least 44 bytes long.
func putWAVHeader(buf []byte, dataSize, sampleRate, channels int) {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// EncodeWAV wraps 16-bit signed little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	putWAVHeader(buf, len(pcm), sampleRate, channels)
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// ParseWAV walks the RIFF chunks of wav and returns the location and format
// of the PCM payload. The fmt chunk size may vary, so the data offset is
// located by scanning rather than assumed to be 44.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
					return WAVInfo{}, fmt.Errorf("audio: unsupported WAV format tag %d", format)
				}
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataSize = min(chunkSize, len(wav)-info.DataOffset)
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV data missing data chunk")
}

// ReadWAVFile loads a WAV file and returns its PCM payload and format.
func ReadWAVFile(path string) ([]byte, WAVInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WAVInfo{}, err
	}
	info, err := ParseWAV(data)
	if err != nil {
		return nil, WAVInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	return data[info.DataOffset : info.DataOffset+info.DataSize], info, nil
}

// WAVWriter streams PCM into a WAV file. The header is written with a zero
// data size on creation and patched by [WAVWriter.Close], so a file that was
// never closed still parses as an empty recording.
type WAVWriter struct {
	f          *os.File
	sampleRate int
	channels   int
	written    int
	closed     bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var hdr [wavHeaderSize]byte
	putWAVHeader(hdr[:], 0, sampleRate, channels)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &WAVWriter{f: f, sampleRate: sampleRate, channels: channels}, nil
}

// Write appends raw PCM bytes.
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(pcm)
	w.written += n
	return n, err
}

// WriteFrame appends the PCM payload of frame.
func (w *WAVWriter) WriteFrame(frame AudioFrame) error {
	_, err := w.Write(frame.Data)
	return err
}

// BytesWritten returns the number of PCM bytes written so far.
func (w *WAVWriter) BytesWritten() int { return w.written }

// Path returns the file path of the recording.
func (w *WAVWriter) Path() string { return w.f.Name() }

// Close patches the header sizes, syncs the file to disk and closes it.
// Calling Close more than once is a no-op.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var hdr [wavHeaderSize]byte
	putWAVHeader(hdr[:], w.written, w.sampleRate, w.channels)
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		_ = w.f.Close()
		return err
	}
	if _, err := w.f.Write(hdr[:]); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
