package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 5 * time.Second
	eventsBacklog = 64
)

// WSTransport speaks the OpenAI realtime transcription protocol over a
// WebSocket: JSON frames discriminated by "type".
type WSTransport struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer

	mu      sync.Mutex // guards conn writes
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	started bool

	closeOnce sync.Once
}

// NewWSTransport returns a transport for the realtime endpoint at rawURL.
func NewWSTransport(rawURL, apiKey string) *WSTransport {
	return &WSTransport{
		URL:    rawURL,
		APIKey: apiKey,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan Event, eventsBacklog),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint. It may be called again after a failure.
func (t *WSTransport) Connect(ctx context.Context) error {
	select {
	case <-t.done:
		return errors.New("stream: transport closed")
	default:
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("stream: invalid realtime URL %q", t.URL)
	}
	q := u.Query()
	if q.Get("intent") == "" {
		q.Set("intent", "transcription")
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := t.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stream: dial %s: %w (HTTP %d)", u.Host, err, resp.StatusCode)
		}
		return fmt.Errorf("stream: dial %s: %w", u.Host, err)
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		conn.Close()
		return errors.New("stream: transport closed")
	default:
	}
	t.conn = conn
	t.started = true
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Configure sends session.update declaring PCM16 input and text output.
func (t *WSTransport) Configure(_ context.Context, cfg SessionConfig) error {
	transcription := map[string]any{"model": cfg.Model}
	if cfg.Language != "" {
		transcription["language"] = cfg.Language
	}
	return t.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":                []string{"text"},
			"input_audio_format":        "pcm16",
			"input_audio_transcription": transcription,
			"turn_detection":            map[string]any{"type": "server_vad"},
		},
	})
}

// SendAudio appends base64 PCM16 to the remote input buffer.
func (t *WSTransport) SendAudio(_ context.Context, pcm []byte) error {
	return t.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit finalizes the remote input buffer.
func (t *WSTransport) Commit(_ context.Context) error {
	return t.writeJSON(map[string]any{"type": "input_audio_buffer.commit"})
}

// Events returns the inbound event stream.
func (t *WSTransport) Events() <-chan Event { return t.events }

// Close sends a close frame and closes the connection.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.conn == nil {
			if !t.started {
				close(t.events)
			}
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("stream: not connected")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer close(t.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ev := Event{Type: EventClosed}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ev.Err = err
			}
			t.emit(ev)
			return
		}
		ev, ok := parseRealtimeEvent(data)
		if !ok {
			continue
		}
		if !t.emit(ev) {
			return
		}
	}
}

// emit delivers ev unless the transport has been closed.
func (t *WSTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

type realtimeMessage struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseRealtimeEvent(data []byte) (Event, bool) {
	var msg realtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("stream: undecodable realtime frame", "error", err)
		return Event{}, false
	}

	switch msg.Type {
	case "session.created", "session.updated",
		"transcription_session.created", "transcription_session.updated":
		return Event{Type: EventReady}, true
	case "conversation.item.input_audio_transcription.delta":
		return Event{Type: EventDelta, ItemID: msg.ItemID, Text: msg.Delta}, true
	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventCompleted, ItemID: msg.ItemID, Text: msg.Transcript}, true
	case "input_audio_buffer.committed":
		return Event{Type: EventCommitted, ItemID: msg.ItemID}, true
	case "error":
		if msg.Error != nil && msg.Error.Code == "input_audio_buffer_commit_empty" {
			// Voice activity already committed everything that was sent.
			return Event{Type: EventCommitted}, true
		}
		reason := "unknown error"
		if msg.Error != nil && msg.Error.Message != "" {
			reason = msg.Error.Message
		}
		return Event{Type: EventError, Err: errors.New(reason)}, true
	default:
		slog.Debug("stream: ignoring realtime event", "type", msg.Type)
		return Event{}, false
	}
}
