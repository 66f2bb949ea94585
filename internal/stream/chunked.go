package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
)

// ChunkTranscriber transcribes one self-contained audio payload.
// *transcribe.BatchAdapter satisfies it.
type ChunkTranscriber interface {
	Transcribe(ctx context.Context, data []byte, language, prompt string) (*transcribe.Result, error)
}

// ChunkedTransport emulates a streaming backend with periodic HTTP posts.
// Each chunk of PCM is framed as WAV and transcribed in order; every
// result is emitted as EventCompleted carrying the whole transcript so
// far, so sessions pair it with DeltaReplace.
type ChunkedTransport struct {
	client ChunkTranscriber

	mu       sync.Mutex
	closeMu  sync.RWMutex // held shared by senders, exclusively to close channels
	cfg      SessionConfig
	queue    chan []byte
	pending  sync.WaitGroup
	events   chan Event
	closed   bool
	text     string
	ctx      context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}

// NewChunkedTransport returns a transport posting chunks through client.
func NewChunkedTransport(client ChunkTranscriber) *ChunkedTransport {
	return &ChunkedTransport{
		client: client,
		queue:  make(chan []byte, eventsBacklog),
		events: make(chan Event, eventsBacklog),
	}
}

// Connect starts the upload worker. There is no handshake.
func (t *ChunkedTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("stream: transport closed")
	}
	if t.cancel != nil {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.workerWG.Add(1)
	go t.worker()
	return nil
}

// Configure records the session settings and acknowledges them.
func (t *ChunkedTransport) Configure(_ context.Context, cfg SessionConfig) error {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	t.emit(Event{Type: EventReady})
	return nil
}

// SendAudio queues one PCM16 chunk for upload.
func (t *ChunkedTransport) SendAudio(ctx context.Context, pcm []byte) error {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()

	t.mu.Lock()
	if t.closed || t.ctx == nil {
		t.mu.Unlock()
		return errors.New("stream: transport not open")
	}
	done := t.ctx.Done()
	t.pending.Add(1)
	t.mu.Unlock()

	select {
	case t.queue <- pcm:
		return nil
	case <-ctx.Done():
		t.pending.Done()
		return ctx.Err()
	case <-done:
		t.pending.Done()
		return errors.New("stream: transport closed")
	}
}

// Commit waits for queued chunks to be transcribed.
func (t *ChunkedTransport) Commit(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the inbound event stream.
func (t *ChunkedTransport) Events() <-chan Event { return t.events }

// Close stops the worker. Results of uploads still in flight are dropped.
func (t *ChunkedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closeMu.Lock()
	close(t.queue)
	t.closeMu.Unlock()

	t.workerWG.Wait()

	t.closeMu.Lock()
	close(t.events)
	t.closeMu.Unlock()
	return nil
}

func (t *ChunkedTransport) worker() {
	defer t.workerWG.Done()
	for pcm := range t.queue {
		t.upload(pcm)
		t.pending.Done()
	}
}

func (t *ChunkedTransport) upload(pcm []byte) {
	t.mu.Lock()
	cfg := t.cfg
	ctx := t.ctx
	t.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	wav, err := audio.WrapPCM16(pcm, cfg.SampleRate, 1)
	if err != nil {
		slog.Warn("stream: framing chunk failed", "error", err)
		return
	}

	var text string
	res, err := t.client.Transcribe(ctx, wav, cfg.Language, "")
	switch {
	case err == nil:
		text = strings.TrimSpace(res.Text)
	case ctx.Err() != nil:
		return
	case errors.Is(err, transcribe.ErrInvalidAudioData):
		// Quiet or too-short chunks are not session failures.
		slog.Debug("stream: chunk skipped", "error", err)
	default:
		t.emit(Event{Type: EventError, Err: err})
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	switch {
	case text == "":
	case t.text == "":
		t.text = text
	default:
		t.text += " " + text
	}
	full := t.text
	t.mu.Unlock()

	// Every chunk is acknowledged, even when it added no text.
	t.emit(Event{Type: EventCompleted, Text: full})
}

func (t *ChunkedTransport) emit(ev Event) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()

	t.mu.Lock()
	closed, ctx := t.closed, t.ctx
	t.mu.Unlock()
	if closed || ctx == nil {
		return
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}
