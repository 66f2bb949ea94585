package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCM is decoded audio as interleaved float32 samples in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the length of the audio in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 || p.Channels == 0 {
		return 0
	}
	return float64(len(p.Samples)/p.Channels) / float64(p.SampleRate)
}

var (
	// ErrNotWAV is returned by DecodeWAV for payloads without a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a WAV payload")
	// ErrUnsupportedWAV is returned by DecodeWAV for sample encodings other
	// than integer PCM and 32-bit IEEE float.
	ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding")
)

// WAV format tags.
const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV parses an integer PCM or 32-bit float WAV payload into
// normalized float32 samples.
func DecodeWAV(b []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}

	bitDepth := int(dec.BitDepth)
	format := dec.WavAudioFormat
	if format == wavFormatExtensible {
		format = extensibleSubFormat(b)
	}
	switch {
	case format == wavFormatPCM:
	case format == wavFormatFloat && bitDepth == 32:
	default:
		return nil, fmt.Errorf("%w: format %#04x, %d bits", ErrUnsupportedWAV, dec.WavAudioFormat, bitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode WAV: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("audio: decode WAV: missing format")
	}

	samples := make([]float32, len(buf.Data))
	switch {
	case format == wavFormatFloat:
		// The decoder reads 32-bit words as integers; keep their bits.
		for i, v := range buf.Data {
			samples[i] = math.Float32frombits(uint32(int32(v)))
		}
	case bitDepth == 8:
		// 8-bit PCM is unsigned.
		for i, v := range buf.Data {
			samples[i] = float32(v-128) / 128
		}
	default:
		scale := float32(math.Pow(2, float64(bitDepth-1)))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	}

	return &PCM{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// extensibleSubFormat returns the format tag carried in the sub-format GUID
// of a WAVE_FORMAT_EXTENSIBLE fmt chunk, or 0 when there is none.
func extensibleSubFormat(b []byte) uint16 {
	for off := 12; off+8 <= len(b); {
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		if string(b[off:off+4]) == "fmt " {
			// 16 base bytes, cbSize, valid bits, channel mask, then the GUID.
			if size < 26 || off+8+26 > len(b) {
				return 0
			}
			return binary.LittleEndian.Uint16(b[off+8+24:])
		}
		off += 8 + size + size%2
	}
	return 0
}

// EncodeWAV frames float32 samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate, channels int) ([]byte, error) {
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, channels, 1)

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalize WAV: %w", err)
	}
	return ws.buf, nil
}

// WrapPCM16 frames little-endian 16-bit PCM bytes as a WAV file.
func WrapPCM16(pcm []byte, sampleRate, channels int) ([]byte, error) {
	return EncodeWAV(FloatFromPCM16(pcm), sampleRate, channels)
}

// PCM16 converts float32 samples to little-endian signed 16-bit PCM.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// FloatFromPCM16 converts little-endian signed 16-bit PCM to float32 samples.
func FloatFromPCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

func toInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("audio: negative seek position")
	}
	w.pos = int(abs)
	return abs, nil
}
