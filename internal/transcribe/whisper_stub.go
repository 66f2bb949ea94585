//go:build !whisper

package transcribe

import (
	"fmt"

	"github.com/chaz8081/gostt-relay/internal/models"
)

// NewWhisperRuntime returns a runtime that always fails to load. Build with
// -tags whisper to link whisper.cpp.
func NewWhisperRuntime() models.Runtime {
	return whisperStub{}
}

type whisperStub struct{}

func (whisperStub) Load(dir string) error {
	return fmt.Errorf("%w: built without whisper.cpp (model dir: %s)", ErrBackendNotAvailable, dir)
}

func (whisperStub) Process([]float32) (string, error) {
	return "", ErrBackendNotAvailable
}

func (whisperStub) Close() error { return nil }
