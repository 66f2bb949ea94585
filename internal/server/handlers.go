package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/router"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
)

const stopTimeout = 10 * time.Second

type handler struct {
	backend  Backend
	usage    UsageReporter
	upgrader websocket.Upgrader
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	list := h.backend.Models()
	if list == nil {
		list = []router.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": list})
}

func (h *handler) usageTotals(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		jsonError(w, "usage tracking is disabled", http.StatusNotFound)
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			jsonError(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	totals, err := h.usage.Totals(since)
	if err != nil {
		jsonError(w, "failed to read usage: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": totals})
}

// transcribe handles the OpenAI-style multipart upload: file, model,
// language, prompt, and for translations an optional target_language.
func (h *handler) transcribe(mode transcribe.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
				return
			}
			jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}

		f, _, err := r.FormFile("file")
		if err != nil {
			jsonError(w, "missing file", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			jsonError(w, "reading file: "+err.Error(), http.StatusBadRequest)
			return
		}

		req := transcribe.Request{
			Audio:          data,
			Mode:           mode,
			ModelID:        r.FormValue("model"),
			Language:       r.FormValue("language"),
			Prompt:         r.FormValue("prompt"),
			TargetLanguage: r.FormValue("target_language"),
		}
		res, err := h.backend.Transcribe(r.Context(), req)
		if err != nil {
			jsonError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// liveMessage is the JSON frame sent to live clients.
type liveMessage struct {
	Type     string  `json:"type"` // transcript, result, error
	Session  string  `json:"session,omitempty"`
	Text     string  `json:"text,omitempty"`
	Final    bool    `json:"final,omitempty"`
	State    string  `json:"state,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Backend  string  `json:"backend,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// live streams microphone audio over a WebSocket. Binary frames carry
// mono PCM16 at sample_rate; a text frame {"type":"stop"} or closing the
// socket ends the session.
func (h *handler) live(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rate := 16000
	if s := q.Get("sample_rate"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 8000 || n > 96000 {
			jsonError(w, "sample_rate must be between 8000 and 96000", http.StatusBadRequest)
			return
		}
		rate = n
	}

	sess, err := h.backend.StartLive(r.Context(), transcribe.Request{
		ModelID:  q.Get("model"),
		Language: q.Get("language"),
		Live:     true,
	})
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_, _ = h.backend.StopLive(ctx)
		return
	}
	defer conn.Close()

	if err := sess.Activate(); err != nil {
		slog.Debug("server: activate", "session", sess.ID(), "error", err)
	}

	var writeMu sync.Mutex
	send := func(m liveMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(m); err != nil {
			slog.Debug("server: live write failed", "session", sess.ID(), "error", err)
		}
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for u := range sess.Updates() {
			m := liveMessage{Type: "transcript", Session: u.SessionID, Text: u.Text, Final: u.Final, State: u.State.String()}
			if u.Err != nil {
				m.Error = u.Err.Error()
			}
			send(m)
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if typ == websocket.BinaryMessage {
			sess.AppendAudio(audio.FloatFromPCM16(data), rate)
			continue
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "stop" {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	res, err := h.backend.StopLive(ctx)
	<-forwarded

	switch {
	case res != nil:
		m := liveMessage{Type: "result", Session: sess.ID(), Text: res.Text, Duration: res.Duration, Backend: res.Backend}
		if err != nil {
			m.Error = err.Error()
		}
		send(m)
	case err != nil:
		send(liveMessage{Type: "error", Session: sess.ID(), Error: err.Error()})
	}

	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
}

// statusFor maps router errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *transcribe.APIError
	switch {
	case errors.Is(err, transcribe.ErrInvalidAudioData), errors.Is(err, transcribe.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, transcribe.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transcribe.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, transcribe.ErrModelAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, transcribe.ErrInsufficientCredits), errors.Is(err, transcribe.ErrSubscriptionLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, transcribe.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, transcribe.ErrBackendNotAvailable), errors.Is(err, transcribe.ErrAPIKeyNotSet):
		return http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr), errors.Is(err, transcribe.ErrInvalidResponse), errors.Is(err, transcribe.ErrSessionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encoding response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
