// Package audio prepares captured or uploaded audio for the transcription
// backends: container sniffing, silence trimming, resampling, and PCM/WAV
// framing. It also owns microphone capture.
package audio

import (
	"bytes"
	"log/slog"
	"math"
)

const (
	// DefaultSilenceThreshold is the absolute amplitude below which a sample
	// counts as silent.
	DefaultSilenceThreshold float32 = 0.02
	// DefaultMinSilence is the shortest silent run, in seconds, that is cut.
	DefaultMinSilence = 0.5
	// TargetSampleRate is the rate batch uploads are resampled to.
	TargetSampleRate = 16000
)

const (
	defaultFilename = "audio.mp3"
	defaultMIME     = "audio/mpeg"
)

// SniffFormat inspects the leading bytes of an audio payload and returns an
// upload filename and MIME type. Unknown payloads get the MP3 label.
func SniffFormat(b []byte) (filename, mimeType string) {
	if len(b) < 12 {
		if len(b) >= 3 && isMP3(b) {
			return "audio.mp3", "audio/mpeg"
		}
		return defaultFilename, defaultMIME
	}

	switch {
	case bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return "audio.wav", "audio/wav"
	case bytes.Equal(b[0:4], []byte("fLaC")):
		return "audio.flac", "audio/flac"
	case bytes.Equal(b[0:4], []byte("OggS")):
		return "audio.ogg", "audio/ogg"
	case bytes.Equal(b[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "audio.webm", "audio/webm"
	case bytes.Equal(b[4:8], []byte("ftyp")):
		return "audio.m4a", "audio/mp4"
	case isMP3(b):
		return "audio.mp3", "audio/mpeg"
	}
	return defaultFilename, defaultMIME
}

// isMP3 matches an ID3v2 tag or an MPEG audio frame sync.
func isMP3(b []byte) bool {
	if bytes.HasPrefix(b, []byte("ID3")) {
		return true
	}
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}

// TrimSilence removes sub-threshold runs longer than minSilence seconds.
// Only the first channel is inspected; interleaved frames are kept whole.
// If no silence worth cutting is found the input slice is returned as is.
func TrimSilence(samples []float32, channels, sampleRate int, threshold float32, minSilence float64) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	minRun := int(minSilence * float64(sampleRate))
	if frames == 0 || minRun <= 0 {
		return samples
	}

	type span struct{ start, end int }
	var spans []span

	spanStart := 0
	run := 0
	for i := 0; i < frames; i++ {
		v := samples[i*channels]
		if v < 0 {
			v = -v
		}
		if v < threshold {
			run++
			continue
		}
		if run > minRun {
			if end := i - run; end > spanStart {
				spans = append(spans, span{spanStart, end})
			}
			spanStart = i
		}
		run = 0
	}

	end := frames
	if run > minRun {
		end = frames - run
	}
	if end > spanStart {
		spans = append(spans, span{spanStart, end})
	}

	if len(spans) == 0 || (len(spans) == 1 && spans[0].start == 0 && spans[0].end == frames) {
		return samples
	}

	kept := 0
	for _, s := range spans {
		kept += s.end - s.start
	}
	out := make([]float32, 0, kept*channels)
	for _, s := range spans {
		out = append(out, samples[s.start*channels:s.end*channels]...)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
// It is lossy (no anti-aliasing filter) but cheap, which is enough for
// speech headed to an ASR model.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(math.Round(float64(len(samples)) * ratio))
	out := make([]float32, outLen)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + frac*(samples[next]-samples[idx])
	}
	return out
}

// Resampler is the streaming form of Resample. It carries the
// interpolation phase and the last input sample from one buffer to the
// next, so a stream split into buffers resamples the same as the whole
// stream would. The final input sample is held until the next call.
type Resampler struct {
	from, to int
	step     float64 // input samples per output sample
	pos      float64 // next output position relative to the next buffer
	last     float32
}

// NewResampler returns a Resampler converting fromRate to toRate.
func NewResampler(fromRate, toRate int) *Resampler {
	r := &Resampler{from: fromRate, to: toRate}
	if fromRate > 0 && toRate > 0 {
		r.step = float64(fromRate) / float64(toRate)
	}
	return r
}

// FromRate returns the input rate.
func (r *Resampler) FromRate() int { return r.from }

// Process resamples the next buffer of the stream.
func (r *Resampler) Process(samples []float32) []float32 {
	n := len(samples)
	if n == 0 {
		return nil
	}
	if r.step == 0 || r.from == r.to {
		out := make([]float32, n)
		copy(out, samples)
		return out
	}

	out := make([]float32, 0, int(float64(n)/r.step)+1)
	pos := r.pos
	for {
		base := math.Floor(pos)
		idx := int(base)
		if idx+1 >= n {
			break
		}
		a := r.last
		if idx >= 0 {
			a = samples[idx]
		}
		b := samples[idx+1]
		out = append(out, a+float32(pos-base)*(b-a))
		pos += r.step
	}
	// pos >= n-1 here, so the carried position never reaches below -1,
	// where r.last stands in for samples[-1].
	r.pos = pos - float64(n)
	r.last = samples[n-1]
	return out
}

// Downmix averages interleaved channels into a single mono channel.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// OptimizeOptions controls Optimize.
type OptimizeOptions struct {
	TrimSilence bool
	Threshold   float32
	MinSilence  float64
	TargetRate  int
}

// DefaultOptimizeOptions returns the settings used for batch uploads.
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{
		TrimSilence: true,
		Threshold:   DefaultSilenceThreshold,
		MinSilence:  DefaultMinSilence,
		TargetRate:  TargetSampleRate,
	}
}

// Optimize shrinks a WAV payload: mono downmix, silence trimming, and
// resampling to the target rate, re-encoded as 16-bit PCM WAV. Payloads
// that are not WAV, or that fail any step, are returned unchanged.
func Optimize(b []byte, opts OptimizeOptions) []byte {
	if name, _ := SniffFormat(b); name != "audio.wav" {
		return b
	}

	pcm, err := DecodeWAV(b)
	if err != nil {
		slog.Debug("audio: optimize skipped", "error", err)
		return b
	}

	samples := Downmix(pcm.Samples, pcm.Channels)
	if opts.TrimSilence {
		samples = TrimSilence(samples, 1, pcm.SampleRate, opts.Threshold, opts.MinSilence)
	}

	rate := pcm.SampleRate
	if opts.TargetRate > 0 && opts.TargetRate < rate {
		samples = Resample(samples, rate, opts.TargetRate)
		rate = opts.TargetRate
	}
	if len(samples) == 0 {
		return b
	}

	out, err := EncodeWAV(samples, rate, 1)
	if err != nil {
		slog.Debug("audio: optimize re-encode failed", "error", err)
		return b
	}
	if len(out) >= len(b) {
		return b
	}

	slog.Debug("audio: optimized payload",
		"before_bytes", len(b), "after_bytes", len(out),
		"from_rate", pcm.SampleRate, "to_rate", rate)
	return out
}
