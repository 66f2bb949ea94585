package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-relay/internal/audio"
)

const (
	// DefaultMaxPayloadBytes is the upload cap of OpenAI-compatible endpoints.
	DefaultMaxPayloadBytes = 25 << 20
	// MinPayloadBytes rejects payloads too small to contain speech.
	MinPayloadBytes = 1024

	defaultResponseFormat = "json"
	defaultHTTPTimeout    = 5 * time.Minute
)

// TextTranslator translates finished text into another language.
type TextTranslator interface {
	TranslateText(ctx context.Context, text, targetLanguage string) (string, error)
}

// BatchConfig configures a BatchAdapter.
type BatchConfig struct {
	Name            string // backend id used in errors and logs
	BaseURL         string // e.g. https://api.openai.com/v1
	APIKey          string
	Model           string
	MaxPayloadBytes int64  // default DefaultMaxPayloadBytes
	ResponseFormat  string // default "json"
	HTTPClient      *http.Client
	// Translator handles translation targets other than English.
	Translator TextTranslator
}

// BatchAdapter uploads whole recordings to an OpenAI-compatible
// /audio/transcriptions endpoint. It serves one request at a time.
type BatchAdapter struct {
	cfg        BatchConfig
	client     *http.Client
	processing atomic.Bool
}

// NewBatchAdapter creates an adapter. Missing fields take defaults; the
// API key is only checked when a request is made.
func NewBatchAdapter(cfg BatchConfig) *BatchAdapter {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = defaultResponseFormat
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &BatchAdapter{cfg: cfg, client: client}
}

// Name returns the backend id.
func (a *BatchAdapter) Name() string { return a.cfg.Name }

// IsProcessing reports whether a request is in flight.
func (a *BatchAdapter) IsProcessing() bool { return a.processing.Load() }

// Transcribe uploads audio and returns the transcript. language may be a
// code, LanguageAuto, or empty; auto and empty omit the field so the
// provider detects the language.
func (a *BatchAdapter) Transcribe(ctx context.Context, data []byte, language, prompt string) (*Result, error) {
	if !a.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	defer a.processing.Store(false)

	fields := map[string]string{}
	if lang := (Request{Language: language}).ExplicitLanguage(); lang != "" {
		fields["language"] = lang
	}
	if prompt != "" {
		fields["prompt"] = prompt
	}

	res, err := a.upload(ctx, "/audio/transcriptions", data, fields)
	if err != nil {
		return nil, err
	}
	if res.Language == "" {
		res.Language = fields["language"]
	}
	return res, nil
}

// Translate uploads audio to /audio/translations, which always yields
// English. A non-English target is then produced by the configured
// TextTranslator.
func (a *BatchAdapter) Translate(ctx context.Context, data []byte, prompt, target string) (*Result, error) {
	if !a.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	defer a.processing.Store(false)

	fields := map[string]string{}
	if prompt != "" {
		fields["prompt"] = prompt
	}

	res, err := a.upload(ctx, "/audio/translations", data, fields)
	if err != nil {
		return nil, err
	}
	res.Language = "en"

	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" || target == "en" {
		return res, nil
	}
	if a.cfg.Translator == nil {
		return nil, fmt.Errorf("%w: no text translator for target %q", ErrBackendNotAvailable, target)
	}

	text, err := a.cfg.Translator.TranslateText(ctx, res.Text, target)
	if err != nil {
		return nil, fmt.Errorf("transcribe: translate to %s: %w", target, err)
	}
	res.Text = text
	res.Language = target
	res.Segments = nil
	return res, nil
}

func (a *BatchAdapter) validate(data []byte) error {
	if a.cfg.APIKey == "" {
		return fmt.Errorf("%w: %s", ErrAPIKeyNotSet, a.cfg.Name)
	}
	if len(data) < MinPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrInvalidAudioData, len(data))
	}
	if int64(len(data)) > a.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(data), a.cfg.MaxPayloadBytes)
	}
	return nil
}

func (a *BatchAdapter) endpoint(path string) (string, error) {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	u, err := url.Parse(base + path)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, a.cfg.BaseURL)
	}
	return u.String(), nil
}

func (a *BatchAdapter) upload(ctx context.Context, path string, data []byte, fields map[string]string) (*Result, error) {
	if err := a.validate(data); err != nil {
		return nil, err
	}
	endpoint, err := a.endpoint(path)
	if err != nil {
		return nil, err
	}

	body, contentType, err := a.multipartBody(data, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %s request: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %s read response: %w", a.cfg.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Backend: a.cfg.Name, StatusCode: resp.StatusCode, Message: apiMessage(respBody)}
	}

	var out struct {
		Text     *string   `json:"text"`
		Language string    `json:"language"`
		Duration float64   `json:"duration"`
		Segments []Segment `json:"segments"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.Text == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(string(respBody), 200))
	}

	slog.Debug("transcribe: batch request complete",
		"backend", a.cfg.Name, "path", path, "bytes", len(data), "elapsed", time.Since(start))

	return &Result{
		Text:     strings.TrimSpace(*out.Text),
		Language: out.Language,
		Duration: out.Duration,
		Segments: out.Segments,
		Backend:  a.cfg.Name,
	}, nil
}

func (a *BatchAdapter) multipartBody(data []byte, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename, mimeType := audio.SniffFormat(data)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("transcribe: write audio: %w", err)
	}

	if err := w.WriteField("model", a.cfg.Model); err != nil {
		return nil, "", fmt.Errorf("transcribe: write field: %w", err)
	}
	if err := w.WriteField("response_format", a.cfg.ResponseFormat); err != nil {
		return nil, "", fmt.Errorf("transcribe: write field: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("transcribe: write field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transcribe: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// apiMessage extracts error.message from an OpenAI-style error body, or
// falls back to the raw body.
func apiMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return truncate(strings.TrimSpace(string(body)), 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
