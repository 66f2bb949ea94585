package audio

import "time"

// FrameBuffer accumulates 16-bit PCM for a single streaming session and
// hands it out in chunks once a byte threshold is crossed. It is not safe
// for concurrent use; the owning session serializes access.
type FrameBuffer struct {
	sampleRate int
	channels   int
	threshold  int
	buf        []byte
}

// NewFrameBuffer creates a buffer that flushes once it holds at least
// thresholdBytes. A threshold of zero flushes on every append.
func NewFrameBuffer(sampleRate, channels, thresholdBytes int) *FrameBuffer {
	if channels < 1 {
		channels = 1
	}
	return &FrameBuffer{
		sampleRate: sampleRate,
		channels:   channels,
		threshold:  thresholdBytes,
	}
}

// ThresholdForDuration returns the byte count of d worth of 16-bit PCM.
func ThresholdForDuration(sampleRate, channels int, d time.Duration) int {
	return int(d.Seconds()*float64(sampleRate)) * channels * 2
}

// Append adds pcm to the buffer. If the threshold is reached the whole
// buffered chunk is returned and the buffer is cleared; otherwise nil.
func (b *FrameBuffer) Append(pcm []byte) []byte {
	b.buf = append(b.buf, pcm...)
	if len(b.buf) == 0 || len(b.buf) < b.threshold {
		return nil
	}
	return b.Flush()
}

// Flush drains the buffer and returns its contents, or nil when empty.
func (b *FrameBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	return out
}

// Len returns the number of buffered bytes.
func (b *FrameBuffer) Len() int { return len(b.buf) }

// Reset discards buffered audio.
func (b *FrameBuffer) Reset() { b.buf = nil }

// SampleRate returns the rate of the buffered PCM.
func (b *FrameBuffer) SampleRate() int { return b.sampleRate }

// Duration returns how much audio is buffered.
func (b *FrameBuffer) Duration() time.Duration {
	if b.sampleRate == 0 {
		return 0
	}
	frames := len(b.buf) / (2 * b.channels)
	return time.Duration(float64(frames) / float64(b.sampleRate) * float64(time.Second))
}
