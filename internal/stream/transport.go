package stream

import "context"

// SessionConfig is sent to the backend once connected.
type SessionConfig struct {
	Model      string
	Language   string // explicit code, or "" to let the backend detect
	SampleRate int
}

// EventType discriminates backend events.
type EventType int

const (
	// EventReady means the backend accepted the session configuration.
	EventReady EventType = iota
	// EventDelta carries an incremental transcript fragment.
	EventDelta
	// EventCompleted carries final text for one utterance or chunk.
	EventCompleted
	// EventError is a backend-reported failure.
	EventError
	// EventClosed means the backend went away.
	EventClosed
	// EventCommitted means the backend closed an input item (by voice
	// activity or an explicit commit) and will transcribe it. ItemID is
	// empty when a commit found nothing to close.
	EventCommitted
)

// Event is one inbound message from a backend.
type Event struct {
	Type   EventType
	ItemID string
	Text   string
	Err    error
}

// Transport moves a session's audio to a backend and its events back.
// Events is closed once the transport has shut down.
type Transport interface {
	Connect(ctx context.Context) error
	Configure(ctx context.Context, cfg SessionConfig) error
	SendAudio(ctx context.Context, pcm []byte) error
	Commit(ctx context.Context) error
	Events() <-chan Event
	Close() error
}
