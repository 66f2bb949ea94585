package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chaz8081/gostt-relay/internal/models"
)

// echoRuntime records the samples it is given.
type echoRuntime struct {
	got []float32
}

func (r *echoRuntime) Load(string) error { return nil }

func (r *echoRuntime) Process(samples []float32) (string, error) {
	if len(samples) > 16000 {
		r.got = samples
	}
	return "local text", nil
}

func (r *echoRuntime) Close() error { return nil }

func newLocal(t *testing.T, load bool) (*LocalTranscriber, *echoRuntime) {
	t.Helper()
	entry, ok := models.DefaultCatalog().Local()
	if !ok {
		t.Fatal("default catalog has no local model")
	}
	cache := t.TempDir()
	dir := filepath.Join(cache, entry.ID())
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range entry.Files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), []byte("weights"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	rt := &echoRuntime{}
	mgr := models.NewManager(models.ManagerOptions{
		CacheDir:   cache,
		NewRuntime: func() models.Runtime { return rt },
		Backoff:    -1,
	})
	t.Cleanup(func() { _ = mgr.Close() })

	if load {
		if _, err := mgr.Load(context.Background(), entry.ID(), false); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	return NewLocalTranscriber(mgr, entry), rt
}

func TestLocalTranscribe(t *testing.T) {
	lt, rt := newLocal(t, true)

	// 2s at 44.1kHz is resampled to 16kHz before inference
	res, err := lt.Transcribe(context.Background(), toneWAV(t, 44100, 2, 0, 2))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if res.Text != "local text" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("Language = %q, want fixed language en", res.Language)
	}
	if res.Duration < 1.99 || res.Duration > 2.01 {
		t.Errorf("Duration = %v, want 2", res.Duration)
	}
	if len(rt.got) < 31990 || len(rt.got) > 32010 {
		t.Errorf("runtime got %d samples, want ~32000 at 16kHz", len(rt.got))
	}
	if lt.IsProcessing() {
		t.Error("IsProcessing() = true after completion")
	}
}

func TestLocalNotLoaded(t *testing.T) {
	lt, _ := newLocal(t, false)
	if lt.Available() {
		t.Error("Available() = true before Load")
	}
	_, err := lt.Transcribe(context.Background(), toneWAV(t, 16000, 1, 0, 1))
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Transcribe() error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestLocalInvalidAudio(t *testing.T) {
	lt, _ := newLocal(t, true)
	for _, data := range [][]byte{nil, []byte("ID3 definitely not a wav file")} {
		if _, err := lt.Transcribe(context.Background(), data); !errors.Is(err, ErrInvalidAudioData) {
			t.Errorf("Transcribe(%q) error = %v, want ErrInvalidAudioData", data, err)
		}
	}
}
