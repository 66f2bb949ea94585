package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// rawWAV assembles a mono WAV file by hand. extensible wraps format in a
// WAVE_FORMAT_EXTENSIBLE fmt chunk.
func rawWAV(format uint16, bits, rate int, extensible bool, data []byte) []byte {
	le := binary.LittleEndian
	fmtChunk := make([]byte, 16)
	tag := format
	if extensible {
		tag = wavFormatExtensible
	}
	le.PutUint16(fmtChunk[0:], tag)
	le.PutUint16(fmtChunk[2:], 1)
	le.PutUint32(fmtChunk[4:], uint32(rate))
	le.PutUint32(fmtChunk[8:], uint32(rate*bits/8))
	le.PutUint16(fmtChunk[12:], uint16(bits/8))
	le.PutUint16(fmtChunk[14:], uint16(bits))
	if extensible {
		ext := make([]byte, 24)
		le.PutUint16(ext[0:], 22)
		le.PutUint16(ext[2:], uint16(bits))
		le.PutUint32(ext[4:], 0x4)
		le.PutUint16(ext[8:], format)
		copy(ext[10:], "\x00\x00\x00\x00\x10\x00\x80\x00\x00\xAA\x00\x38\x9B\x71")
		fmtChunk = append(fmtChunk, ext...)
	}

	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, le, uint32(4+8+len(fmtChunk)+8+len(data)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, le, uint32(len(fmtChunk)))
	b.Write(fmtChunk)
	b.WriteString("data")
	_ = binary.Write(&b, le, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

func float32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func TestEncodeDecodeWAV(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 0.5, -0.5, 0.99}
	data, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatalf("EncodeWAV() produced no RIFF/WAVE header: %q", data[:12])
	}
	if want := 44 + len(samples)*2; len(data) != want {
		t.Errorf("len(data) = %d, want %d", len(data), want)
	}

	pcm, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if pcm.SampleRate != 16000 || pcm.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 16000Hz/1ch", pcm.SampleRate, pcm.Channels)
	}
	if len(pcm.Samples) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(pcm.Samples), len(samples))
	}
	for i := range samples {
		if math.Abs(float64(pcm.Samples[i]-samples[i])) > 1e-3 {
			t.Errorf("sample[%d] = %f, want %f", i, pcm.Samples[i], samples[i])
		}
	}
}

func TestDecodeWAVRejectsOtherFormats(t *testing.T) {
	if _, err := DecodeWAV([]byte("fLaC not a wav file at all")); err == nil {
		t.Error("DecodeWAV() should fail for FLAC bytes")
	}
}

func TestDecodeWAVFloat(t *testing.T) {
	in := []float32{0.01, -0.25, 0.5, -1, 0}
	for _, extensible := range []bool{false, true} {
		pcm, err := DecodeWAV(rawWAV(wavFormatFloat, 32, 24000, extensible, float32LE(in)))
		if err != nil {
			t.Fatalf("extensible=%v: DecodeWAV() error = %v", extensible, err)
		}
		if pcm.SampleRate != 24000 || pcm.Channels != 1 {
			t.Errorf("extensible=%v: format = %d Hz x %d", extensible, pcm.SampleRate, pcm.Channels)
		}
		if !equalSamples(pcm.Samples, in) {
			t.Errorf("extensible=%v: samples = %v, want %v", extensible, pcm.Samples, in)
		}
	}
}

func TestDecodeWAVExtensiblePCM(t *testing.T) {
	in := []float32{0.5, -0.5, 0.25}
	pcm, err := DecodeWAV(rawWAV(wavFormatPCM, 16, 16000, true, PCM16(in)))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	for i := range in {
		if math.Abs(float64(pcm.Samples[i]-in[i])) > 1e-3 {
			t.Errorf("sample[%d] = %f, want %f", i, pcm.Samples[i], in[i])
		}
	}
}

func TestDecodeWAVUnsigned8Bit(t *testing.T) {
	pcm, err := DecodeWAV(rawWAV(wavFormatPCM, 8, 8000, false, []byte{128, 192, 0, 64}))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	want := []float32{0, 0.5, -1, -0.5}
	if !equalSamples(pcm.Samples, want) {
		t.Errorf("samples = %v, want %v", pcm.Samples, want)
	}
}

func TestDecodeWAVRejectsUnsupportedEncodings(t *testing.T) {
	tests := []struct {
		name       string
		format     uint16
		bits       int
		extensible bool
	}{
		{"float64", wavFormatFloat, 64, false},
		{"a-law", 0x0006, 8, false},
		{"extensible mu-law", 0x0007, 8, true},
	}
	for _, tt := range tests {
		data := rawWAV(tt.format, tt.bits, 8000, tt.extensible, make([]byte, 800))
		if _, err := DecodeWAV(data); !errors.Is(err, ErrUnsupportedWAV) {
			t.Errorf("%s: DecodeWAV() error = %v, want ErrUnsupportedWAV", tt.name, err)
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5}
	pcm := PCM16(in)
	if len(pcm) != 8 {
		t.Fatalf("len(PCM16) = %d, want 8", len(pcm))
	}
	out := FloatFromPCM16(pcm)
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Errorf("sample[%d] = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestPCM16Clamps(t *testing.T) {
	out := FloatFromPCM16(PCM16([]float32{2, -2}))
	if out[0] < 0.99 || out[1] > -0.99 {
		t.Errorf("out-of-range samples not clamped: %v", out)
	}
}

func TestWrapPCM16(t *testing.T) {
	raw := PCM16(make([]float32, 160))
	data, err := WrapPCM16(raw, 16000, 1)
	if err != nil {
		t.Fatalf("WrapPCM16() error = %v", err)
	}
	if name, _ := SniffFormat(data); name != "audio.wav" {
		t.Errorf("SniffFormat(WrapPCM16) = %q, want audio.wav", name)
	}
}
