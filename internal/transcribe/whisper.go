//go:build whisper

package transcribe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-relay/internal/models"
)

// WhisperRuntime wraps a whisper.cpp model for on-device speech-to-text.
type WhisperRuntime struct {
	model whisper.Model
}

// NewWhisperRuntime returns an unloaded whisper.cpp runtime.
func NewWhisperRuntime() models.Runtime {
	return &WhisperRuntime{}
}

// Load opens the first ggml weights file in dir. A file whisper.cpp cannot
// parse is reported as corrupted so the manager re-downloads it.
func (t *WhisperRuntime) Load(dir string) error {
	path, err := findWeights(dir)
	if err != nil {
		return err
	}
	model, err := whisper.New(path)
	if err != nil {
		return fmt.Errorf("transcribe: load whisper model %q: %w: %v", path, models.ErrCorrupted, err)
	}
	t.model = model
	return nil
}

// Close releases the whisper model resources.
func (t *WhisperRuntime) Close() error {
	if t.model != nil {
		err := t.model.Close()
		t.model = nil
		return err
	}
	return nil
}

// Process transcribes mono 16kHz float32 audio samples to text.
func (t *WhisperRuntime) Process(samples []float32) (string, error) {
	if t.model == nil {
		return "", models.ErrNotLoaded
	}
	ctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("transcribe: create context: %w", err)
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("transcribe: process: %w", err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcribe: next segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}

	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func findWeights(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("transcribe: read model dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".bin") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("transcribe: no .bin weights in %s: %w", dir, models.ErrCorrupted)
}
