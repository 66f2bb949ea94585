package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/metrics"
	"github.com/chaz8081/gostt-relay/internal/models"
	"github.com/chaz8081/gostt-relay/internal/router"
	"github.com/chaz8081/gostt-relay/internal/stream"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
	"github.com/chaz8081/gostt-relay/internal/usage"
)

type fakeBackend struct {
	mu      sync.Mutex
	req     transcribe.Request
	res     *transcribe.Result
	err     error
	chunks  stream.ChunkTranscriber
	session *stream.Session
}

func (f *fakeBackend) Transcribe(_ context.Context, req transcribe.Request) (*transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	return f.res, f.err
}

func (f *fakeBackend) StartLive(ctx context.Context, req transcribe.Request) (*stream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	b := models.Backend{
		Kind: models.KindCloudChunked, Provider: "fireworks", ModelID: "fireworks-streaming",
		Caps: models.Capabilities{Streaming: true}, Delta: models.DeltaReplace,
	}
	s := stream.NewSession(b, stream.NewChunkedTransport(f.chunks), stream.Options{
		ConnectBackoff: -1, ReadyTimeout: time.Second, DrainTimeout: time.Second,
	})
	if err := s.Start(ctx, "whisper-v3-turbo", req.Language); err != nil {
		return nil, err
	}
	f.session = s
	return s, nil
}

func (f *fakeBackend) StopLive(ctx context.Context) (*transcribe.Result, error) {
	f.mu.Lock()
	s := f.session
	f.session = nil
	f.mu.Unlock()
	if s == nil {
		return nil, errors.New("no live session")
	}
	return s.Stop(ctx)
}

func (f *fakeBackend) Models() []router.ModelInfo {
	return []router.ModelInfo{{ID: "whisper-1", Provider: "openai", Kind: "cloud-batch", Available: true}}
}

type constChunks string

func (c constChunks) Transcribe(context.Context, []byte, string, string) (*transcribe.Result, error) {
	return &transcribe.Result{Text: string(c)}, nil
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if file != nil {
		fw, err := mw.CreateFormFile("file", "audio.wav")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(file)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func newTestServer(t *testing.T, b Backend, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(b, opts))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAndModels(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, Options{Gatherer: prometheus.NewRegistry()})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Data []router.ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "whisper-1" {
		t.Errorf("models = %+v", body.Data)
	}
}

func TestTranscriptionsEndpoint(t *testing.T) {
	fb := &fakeBackend{res: &transcribe.Result{Text: "hola", Language: "es", Duration: 2, Backend: "whisper-1"}}
	srv := newTestServer(t, fb, Options{Gatherer: prometheus.NewRegistry()})

	body, ctype := multipartBody(t, map[string]string{"model": "whisper-1", "language": "es", "prompt": "names"}, []byte("RIFF....WAVE"))
	resp, err := http.Post(srv.URL+"/v1/transcriptions", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got transcribe.Result
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "hola" || got.Backend != "whisper-1" {
		t.Errorf("result = %+v", got)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.req.ModelID != "whisper-1" || fb.req.Language != "es" || fb.req.Prompt != "names" || fb.req.Mode != transcribe.ModeTranscribe {
		t.Errorf("request = %+v", fb.req)
	}
	if string(fb.req.Audio) != "RIFF....WAVE" {
		t.Errorf("audio = %q", fb.req.Audio)
	}
}

func TestTranslationsEndpoint(t *testing.T) {
	fb := &fakeBackend{res: &transcribe.Result{Text: "bonjour"}}
	srv := newTestServer(t, fb, Options{Gatherer: prometheus.NewRegistry()})

	body, ctype := multipartBody(t, map[string]string{"target_language": "fr"}, []byte("data"))
	resp, err := http.Post(srv.URL+"/v1/translations", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.req.Mode != transcribe.ModeTranslate || fb.req.TargetLanguage != "fr" {
		t.Errorf("request = %+v", fb.req)
	}
}

func TestTranscriptionsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", transcribe.ErrInvalidAudioData), http.StatusBadRequest},
		{transcribe.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{transcribe.ErrModelNotFound, http.StatusNotFound},
		{transcribe.ErrModelAccessDenied, http.StatusForbidden},
		{transcribe.ErrInsufficientCredits, http.StatusPaymentRequired},
		{transcribe.ErrSubscriptionLimitExceeded, http.StatusPaymentRequired},
		{transcribe.ErrAlreadyProcessing, http.StatusConflict},
		{transcribe.ErrAPIKeyNotSet, http.StatusServiceUnavailable},
		{&transcribe.APIError{Backend: "groq", StatusCode: 500, Message: "boom"}, http.StatusBadGateway},
		{&transcribe.SessionError{Backend: "b", Reason: "connect"}, http.StatusBadGateway},
		{transcribe.ErrConnectionTimeout, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		fb := &fakeBackend{err: tt.err}
		srv := newTestServer(t, fb, Options{Gatherer: prometheus.NewRegistry()})
		body, ctype := multipartBody(t, nil, []byte("data"))
		resp, err := http.Post(srv.URL+"/v1/transcriptions", ctype, body)
		if err != nil {
			t.Fatal(err)
		}
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
		if e.Error.Message == "" {
			t.Errorf("%v: empty error message", tt.err)
		}
	}
}

func TestMissingFile(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, Options{Gatherer: prometheus.NewRegistry()})
	body, ctype := multipartBody(t, map[string]string{"model": "whisper-1"}, nil)
	resp, err := http.Post(srv.URL+"/v1/transcriptions", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	srv := newTestServer(t, &fakeBackend{}, Options{Metrics: m, Gatherer: reg})

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// The counter is updated after the response is written.
	want := `gostt_http_requests_total{endpoint="/v1/models",method="GET",status_code="200"} 1`
	var text []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		text, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(text), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("/metrics missing request counter:\n%s", text)
}

type fakeUsage []usage.Total

func (f fakeUsage) Totals(time.Time) ([]usage.Total, error) { return f, nil }

func TestUsageEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, Options{
		Gatherer: prometheus.NewRegistry(),
		Usage:    fakeUsage{{Backend: "whisper-1", Requests: 2, Seconds: 90}},
	})

	resp, err := http.Get(srv.URL + "/v1/usage?since=2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Data []usage.Total `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].Seconds != 90 {
		t.Errorf("usage = %+v", body.Data)
	}

	resp, err = http.Get(srv.URL + "/v1/usage?since=yesterday")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, Options{Gatherer: prometheus.NewRegistry()})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/transcriptions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestLiveWebSocket(t *testing.T) {
	fb := &fakeBackend{chunks: constChunks("hello live")}
	srv := newTestServer(t, fb, Options{Gatherer: prometheus.NewRegistry()})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live?model=fireworks-streaming&language=en&sample_rate=16000"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	// 2s of PCM16 at 16kHz fills one chunk.
	pcm := audio.PCM16(make([]float32, 32000))
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var result liveMessage
	for {
		var m liveMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("ReadJSON() error: %v", err)
		}
		if m.Type == "result" {
			result = m
			break
		}
	}
	if result.Text != "hello live" {
		t.Errorf("result text = %q", result.Text)
	}
	if result.Duration < 1.99 || result.Duration > 2.01 {
		t.Errorf("result duration = %v, want 2", result.Duration)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.req.Language != "en" || !fb.req.Live {
		t.Errorf("live request = %+v", fb.req)
	}
}

func TestLiveRejectedBeforeUpgrade(t *testing.T) {
	fb := &fakeBackend{err: fmt.Errorf("%w: busy", transcribe.ErrAlreadyProcessing)}
	srv := newTestServer(t, fb, Options{Gatherer: prometheus.NewRegistry()})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() should fail when no live slot is free")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("handshake response = %v, want 409", resp)
	}

	resp2, err := http.Get(srv.URL + "/v1/live?sample_rate=12")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("bad sample_rate: status = %d, want 400", resp2.StatusCode)
	}
}
