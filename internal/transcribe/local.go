package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/models"
)

// LocalTranscriber runs on-device inference through the model manager.
type LocalTranscriber struct {
	manager    *models.Manager
	entry      models.Entry
	processing atomic.Bool
}

// NewLocalTranscriber binds a local catalog entry to its manager.
func NewLocalTranscriber(manager *models.Manager, entry models.Entry) *LocalTranscriber {
	return &LocalTranscriber{manager: manager, entry: entry}
}

// Name returns the backend id.
func (l *LocalTranscriber) Name() string { return l.entry.ID() }

// Available reports whether the model is loaded and ready.
func (l *LocalTranscriber) Available() bool {
	return l.manager != nil && l.manager.IsLoaded(l.entry.ID())
}

// IsProcessing reports whether inference is running.
func (l *LocalTranscriber) IsProcessing() bool { return l.processing.Load() }

// Transcribe decodes a WAV payload, converts it to mono 16kHz, and runs
// inference. Only WAV input is supported on-device.
func (l *LocalTranscriber) Transcribe(ctx context.Context, data []byte) (*Result, error) {
	if !l.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	defer l.processing.Store(false)

	if !l.Available() {
		return nil, fmt.Errorf("%w: %s is not loaded", ErrBackendNotAvailable, l.entry.ID())
	}
	if len(data) == 0 {
		return nil, ErrInvalidAudioData
	}

	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudioData, err)
	}
	samples := audio.Downmix(pcm.Samples, pcm.Channels)
	samples = audio.Resample(samples, pcm.SampleRate, audio.TargetSampleRate)
	if len(samples) == 0 {
		return nil, ErrInvalidAudioData
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := l.manager.Process(samples)
	if err != nil {
		if errors.Is(err, models.ErrNotLoaded) {
			return nil, fmt.Errorf("%w: %v", ErrBackendNotAvailable, err)
		}
		return nil, fmt.Errorf("transcribe: local inference: %w", err)
	}
	slog.Debug("transcribe: local inference complete",
		"model", l.entry.ID(), "audio_s", pcm.Duration(), "elapsed", time.Since(start))

	return &Result{
		Text:     text,
		Language: l.entry.FixedLanguage,
		Duration: pcm.Duration(),
		Backend:  l.entry.ID(),
	}, nil
}
