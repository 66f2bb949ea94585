// Package router selects a transcription backend for each request, applies
// entitlement and cost checks, and dispatches to the local model, a batch
// upload, or a live streaming session.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/metrics"
	"github.com/chaz8081/gostt-relay/internal/models"
	"github.com/chaz8081/gostt-relay/internal/stream"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
)

const (
	// LiveEstimateSeconds is the affordability check for a live session,
	// whose length is unknown when it starts.
	LiveEstimateSeconds = 60.0
	// compressedBytesPerSecond approximates 128 kbit/s for payloads whose
	// duration cannot be read from a WAV header.
	compressedBytesPerSecond = 16000
)

// Entitlement decides which backends a user may use and meters usage.
type Entitlement interface {
	CanUseBackend(backendID string) bool
	CanAffordEstimatedCost(seconds float64, backendID string) bool
	// ConsumeUsage charges finished work. It returns false if the balance
	// cannot cover it.
	ConsumeUsage(seconds float64, backendID string, isTranslation bool) bool
}

// SubscriptionStatus is implemented by entitlements that distinguish a
// paid plan's limit from an empty credit balance.
type SubscriptionStatus interface {
	Subscribed() bool
}

// Credentials resolves provider API keys.
type Credentials interface {
	LoadAPIKey(provider string) (string, bool)
}

// UsageSink receives a record of every billed request.
type UsageSink interface {
	Record(seconds float64, backendID string, cost float64, isTranslation bool)
}

// CostEstimate is the projected provider cost of an amount of audio.
type CostEstimate struct {
	BackendID string
	Seconds   float64
	Cost      float64 // USD
}

// Config wires a Router to its collaborators. Nil collaborators are
// permissive: no entitlement allows everything, no usage sink discards.
type Config struct {
	Catalog *models.Catalog
	Models  *models.Manager
	// LocalAvailable reports whether a local model can serve requests now.
	// Defaults to Models.IsLoaded.
	LocalAvailable func(modelID string) bool

	Entitlement Entitlement
	Credentials Credentials
	Usage       UsageSink
	Metrics     *metrics.Metrics

	// Providers maps a provider name to its OpenAI-compatible base URL.
	Providers    map[string]string
	RealtimeURL  string
	DefaultModel string

	Optimize       audio.OptimizeOptions
	HTTPClient     *http.Client
	SessionOptions stream.Options
}

// Router dispatches transcription requests.
type Router struct {
	cfg   Config
	local *transcribe.LocalTranscriber

	records sync.WaitGroup

	liveMu sync.Mutex
	live   *liveSlot
}

type liveSlot struct {
	session *stream.Session // nil while starting
	entry   models.Entry
	mode    transcribe.Mode
}

// New creates a Router. Catalog defaults to models.DefaultCatalog.
func New(cfg Config) *Router {
	if cfg.Catalog == nil {
		cfg.Catalog = models.DefaultCatalog()
	}
	if cfg.LocalAvailable == nil {
		mgr := cfg.Models
		cfg.LocalAvailable = func(id string) bool { return mgr != nil && mgr.IsLoaded(id) }
	}
	r := &Router{cfg: cfg}
	if entry, ok := cfg.Catalog.Local(); ok && cfg.Models != nil {
		r.local = transcribe.NewLocalTranscriber(cfg.Models, entry)
	}
	return r
}

// Route returns the backend that would serve req.
func (r *Router) Route(req transcribe.Request) (models.Backend, error) {
	entry, _, err := r.route(req)
	if err != nil {
		return models.Backend{}, err
	}
	return entry.Backend, nil
}

func (r *Router) route(req transcribe.Request) (models.Entry, float64, error) {
	id := r.selectedID(req)
	entry, ok := r.cfg.Catalog.Lookup(id)
	if !ok {
		return models.Entry{}, 0, fmt.Errorf("%w: %q", transcribe.ErrModelNotFound, id)
	}

	seconds := LiveEstimateSeconds
	if !req.Live {
		seconds = estimateSeconds(req.Audio)
	}

	entry, err := r.localOverride(req, entry)
	if err != nil {
		return models.Entry{}, 0, err
	}

	if ent := r.cfg.Entitlement; ent != nil {
		if !ent.CanUseBackend(entry.ID()) {
			return models.Entry{}, 0, fmt.Errorf("%w: %s", transcribe.ErrModelAccessDenied, entry.ID())
		}
		if !ent.CanAffordEstimatedCost(seconds, entry.ID()) {
			return models.Entry{}, 0, fmt.Errorf("%w: %.1fs on %s", r.limitErr(), seconds, entry.ID())
		}
	}

	b := entry.Backend
	switch {
	case req.Live && !b.Caps.Streaming:
		return models.Entry{}, 0, fmt.Errorf("%w: %s does not stream", transcribe.ErrBackendNotAvailable, b)
	case req.Live && req.Mode == transcribe.ModeTranslate:
		return models.Entry{}, 0, fmt.Errorf("%w: live translation", transcribe.ErrBackendNotAvailable)
	case !req.Live && b.Kind == models.KindCloudRealtime:
		return models.Entry{}, 0, fmt.Errorf("%w: %s only serves live audio", transcribe.ErrBackendNotAvailable, b)
	case req.Mode == transcribe.ModeTranslate && b.Kind != models.KindCloudBatch:
		return models.Entry{}, 0, fmt.Errorf("%w: %s cannot translate", transcribe.ErrBackendNotAvailable, b)
	}
	return entry, seconds, nil
}

func (r *Router) selectedID(req transcribe.Request) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	return r.cfg.DefaultModel
}

// localOverride sends English-only cloud batch requests to the on-device
// model when it is loaded and allowed and the payload is a WAV it can
// decode. Compressed formats stay on the cloud backend.
func (r *Router) localOverride(req transcribe.Request, selected models.Entry) (models.Entry, error) {
	if selected.Backend.IsLocal() {
		if !r.cfg.LocalAvailable(selected.ID()) {
			return models.Entry{}, fmt.Errorf("%w: %s is not loaded", transcribe.ErrBackendNotAvailable, selected.ID())
		}
		return selected, nil
	}

	local, ok := r.cfg.Catalog.Local()
	if !ok || req.Live || req.Mode != transcribe.ModeTranscribe {
		return selected, nil
	}
	if selected.Backend.Kind != models.KindCloudBatch {
		return selected, nil
	}
	if lang := req.ExplicitLanguage(); lang == "" || lang != local.FixedLanguage {
		return selected, nil
	}
	if !r.cfg.LocalAvailable(local.ID()) {
		return selected, nil
	}
	if ent := r.cfg.Entitlement; ent != nil && !ent.CanUseBackend(local.ID()) {
		return selected, nil
	}
	if name, _ := audio.SniffFormat(req.Audio); name != "audio.wav" {
		return selected, nil
	}
	if _, err := audio.DecodeWAV(req.Audio); err != nil {
		slog.Debug("router: payload not decodable locally", "selected", selected.ID(), "error", err)
		return selected, nil
	}
	slog.Debug("router: using local model", "selected", selected.ID(), "local", local.ID())
	return local, nil
}

// Transcribe routes, preprocesses, and runs a file request.
func (r *Router) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Result, error) {
	start := time.Now()
	req.Live = false

	entry, estimate, err := r.route(req)
	if err != nil {
		r.cfg.Metrics.RecordFailure(r.selectedID(req), failureReason(err))
		return nil, err
	}
	backendID := entry.ID()

	data := audio.Optimize(req.Audio, r.optimizeOptions())

	res, err := r.dispatch(ctx, entry, req, data)
	if err != nil {
		r.cfg.Metrics.RecordFailure(backendID, failureReason(err))
		slog.Warn("router: transcription failed", "backend", backendID, "error", err)
		return nil, err
	}
	res.Backend = backendID

	seconds := res.Duration
	if seconds <= 0 {
		seconds = estimate
	}
	translation := req.Mode == transcribe.ModeTranslate
	if err := r.charge(entry, seconds, translation); err != nil {
		r.cfg.Metrics.RecordFailure(backendID, failureReason(err))
		return nil, err
	}

	r.cfg.Metrics.RecordTranscription(backendID, req.Mode.String(), time.Since(start).Seconds())
	slog.Info("router: transcription complete",
		"backend", backendID, "mode", req.Mode.String(), "audio_s", seconds, "elapsed", time.Since(start))
	return res, nil
}

func (r *Router) dispatch(ctx context.Context, entry models.Entry, req transcribe.Request, data []byte) (*transcribe.Result, error) {
	if entry.Backend.IsLocal() {
		if r.local == nil || r.local.Name() != entry.ID() {
			return nil, fmt.Errorf("%w: no model manager for %s", transcribe.ErrBackendNotAvailable, entry.ID())
		}
		return r.local.Transcribe(ctx, data)
	}

	adapter, err := r.batchAdapter(entry)
	if err != nil {
		return nil, err
	}
	if req.Mode == transcribe.ModeTranslate {
		return adapter.Translate(ctx, data, req.Prompt, req.TargetLanguage)
	}
	return adapter.Transcribe(ctx, data, req.Language, req.Prompt)
}

// batchAdapter builds a fresh adapter for one request.
func (r *Router) batchAdapter(entry models.Entry) (*transcribe.BatchAdapter, error) {
	provider := entry.Backend.Provider
	base := r.cfg.Providers[provider]
	if base == "" {
		return nil, fmt.Errorf("%w: no endpoint for provider %s", transcribe.ErrBackendNotAvailable, provider)
	}
	key, err := r.apiKey(provider)
	if err != nil {
		return nil, err
	}

	cfg := transcribe.BatchConfig{
		Name:            entry.ID(),
		BaseURL:         base,
		APIKey:          key,
		Model:           entry.Remote(),
		MaxPayloadBytes: entry.Backend.Caps.MaxPayloadBytes,
		ResponseFormat:  entry.ResponseFormat,
		HTTPClient:      r.cfg.HTTPClient,
	}
	if openai := r.cfg.Providers["openai"]; openai != "" {
		if k, err := r.apiKey("openai"); err == nil {
			tr := transcribe.NewChatTranslator(openai, k)
			if r.cfg.HTTPClient != nil {
				tr.HTTPClient = r.cfg.HTTPClient
			}
			cfg.Translator = tr
		}
	}
	return transcribe.NewBatchAdapter(cfg), nil
}

func (r *Router) apiKey(provider string) (string, error) {
	if r.cfg.Credentials == nil {
		return "", fmt.Errorf("%w: %s", transcribe.ErrAPIKeyNotSet, provider)
	}
	key, ok := r.cfg.Credentials.LoadAPIKey(provider)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %s", transcribe.ErrAPIKeyNotSet, provider)
	}
	return key, nil
}

// charge consumes entitlement and records usage in the background.
func (r *Router) charge(entry models.Entry, seconds float64, translation bool) error {
	id := entry.ID()
	if ent := r.cfg.Entitlement; ent != nil && !ent.ConsumeUsage(seconds, id, translation) {
		return fmt.Errorf("%w: %.1fs on %s", r.limitErr(), seconds, id)
	}

	est := r.EstimateCost(entry.Backend, seconds)
	r.cfg.Metrics.RecordUsage(id, seconds, est.Cost)
	if sink := r.cfg.Usage; sink != nil {
		r.records.Add(1)
		go func() {
			defer r.records.Done()
			sink.Record(seconds, id, est.Cost, translation)
		}()
	}
	return nil
}

// limitErr picks the error for an unaffordable request.
func (r *Router) limitErr() error {
	if sub, ok := r.cfg.Entitlement.(SubscriptionStatus); ok && sub.Subscribed() {
		return transcribe.ErrSubscriptionLimitExceeded
	}
	return transcribe.ErrInsufficientCredits
}

// EstimateCost prices seconds of audio on b.
func (r *Router) EstimateCost(b models.Backend, seconds float64) CostEstimate {
	return CostEstimate{
		BackendID: b.ModelID,
		Seconds:   seconds,
		Cost:      b.Caps.CostPerMinute * seconds / 60,
	}
}

// StartLive opens a streaming session. Only one live session may run at
// a time.
func (r *Router) StartLive(ctx context.Context, req transcribe.Request) (*stream.Session, error) {
	r.liveMu.Lock()
	if r.live != nil {
		r.liveMu.Unlock()
		return nil, fmt.Errorf("%w: a live session is already running", transcribe.ErrAlreadyProcessing)
	}
	slot := &liveSlot{mode: req.Mode}
	r.live = slot
	r.liveMu.Unlock()

	req.Live = true
	sess, entry, err := r.newSession(req)
	if err != nil {
		r.releaseLive(slot)
		r.cfg.Metrics.RecordFailure(r.selectedID(req), failureReason(err))
		return nil, err
	}

	r.cfg.Metrics.SessionStarted()
	if err := sess.Start(ctx, entry.Remote(), req.Language); err != nil {
		_, _ = sess.Stop(context.Background())
		r.cfg.Metrics.SessionEnded()
		r.releaseLive(slot)
		r.cfg.Metrics.RecordFailure(entry.ID(), failureReason(err))
		return nil, err
	}

	r.liveMu.Lock()
	slot.session = sess
	slot.entry = entry
	r.liveMu.Unlock()
	return sess, nil
}

func (r *Router) newSession(req transcribe.Request) (*stream.Session, models.Entry, error) {
	entry, _, err := r.route(req)
	if err != nil {
		return nil, models.Entry{}, err
	}

	var tr stream.Transport
	switch entry.Backend.Kind {
	case models.KindCloudRealtime:
		if r.cfg.RealtimeURL == "" {
			return nil, entry, fmt.Errorf("%w: no realtime endpoint", transcribe.ErrBackendNotAvailable)
		}
		key, err := r.apiKey(entry.Backend.Provider)
		if err != nil {
			return nil, entry, err
		}
		tr = stream.NewWSTransport(r.cfg.RealtimeURL, key)
	case models.KindCloudChunked:
		adapter, err := r.batchAdapter(entry)
		if err != nil {
			return nil, entry, err
		}
		tr = stream.NewChunkedTransport(adapter)
	default:
		return nil, entry, fmt.Errorf("%w: %s", transcribe.ErrBackendNotAvailable, entry.Backend)
	}

	opts := r.cfg.SessionOptions
	observe := opts.OnStateChange
	backendID := entry.ID()
	opts.OnStateChange = func(id string, s stream.State) {
		r.cfg.Metrics.RecordSessionState(backendID, s.String())
		if observe != nil {
			observe(id, s)
		}
	}
	return stream.NewSession(entry.Backend, tr, opts), entry, nil
}

// StopLive stops the running live session, charges its audio, and frees
// the live slot. The transcript is returned even when charging fails.
func (r *Router) StopLive(ctx context.Context) (*transcribe.Result, error) {
	r.liveMu.Lock()
	slot := r.live
	if slot == nil || slot.session == nil {
		r.liveMu.Unlock()
		return nil, errors.New("router: no live session")
	}
	r.liveMu.Unlock()

	res, err := slot.session.Stop(ctx)
	r.cfg.Metrics.SessionEnded()
	r.releaseLive(slot)
	if res == nil {
		return nil, err
	}
	res.Backend = slot.entry.ID()

	if res.Duration > 0 {
		if cerr := r.charge(slot.entry, res.Duration, slot.mode == transcribe.ModeTranslate); cerr != nil && err == nil {
			err = cerr
		}
	}
	return res, err
}

// Live returns the running live session, if any.
func (r *Router) Live() *stream.Session {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	if r.live == nil {
		return nil
	}
	return r.live.session
}

func (r *Router) releaseLive(slot *liveSlot) {
	r.liveMu.Lock()
	if r.live == slot {
		r.live = nil
	}
	r.liveMu.Unlock()
}

// ModelInfo describes a catalog entry for listings.
type ModelInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	Kind          string  `json:"kind"`
	Streaming     bool    `json:"streaming"`
	CostPerMinute float64 `json:"cost_per_minute"`
	Available     bool    `json:"available"`
}

// Models lists the catalog with current availability: local models must
// be loaded, cloud models need an API key.
func (r *Router) Models() []ModelInfo {
	var out []ModelInfo
	for _, e := range r.cfg.Catalog.List() {
		b := e.Backend
		avail := false
		if b.IsLocal() {
			avail = r.cfg.LocalAvailable(e.ID())
		} else if _, err := r.apiKey(b.Provider); err == nil {
			avail = true
		}
		out = append(out, ModelInfo{
			ID:            e.ID(),
			Name:          e.DisplayName,
			Provider:      b.Provider,
			Kind:          b.Kind.String(),
			Streaming:     b.Caps.Streaming,
			CostPerMinute: b.Caps.CostPerMinute,
			Available:     avail,
		})
	}
	return out
}

// Close stops any live session and waits for pending usage records.
func (r *Router) Close(ctx context.Context) error {
	var err error
	if r.Live() != nil {
		_, err = r.StopLive(ctx)
	}
	r.records.Wait()
	return err
}

func (r *Router) optimizeOptions() audio.OptimizeOptions {
	if r.cfg.Optimize.TargetRate == 0 {
		return audio.DefaultOptimizeOptions()
	}
	return r.cfg.Optimize
}

// estimateSeconds reads the duration from a WAV header, or guesses from
// the payload size for compressed formats.
func estimateSeconds(data []byte) float64 {
	if name, _ := audio.SniffFormat(data); name == "audio.wav" {
		if pcm, err := audio.DecodeWAV(data); err == nil {
			return pcm.Duration()
		}
	}
	return float64(len(data)) / compressedBytesPerSecond
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, transcribe.ErrModelAccessDenied):
		return "access_denied"
	case errors.Is(err, transcribe.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, transcribe.ErrSubscriptionLimitExceeded):
		return "subscription_limit"
	case errors.Is(err, transcribe.ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, transcribe.ErrBackendNotAvailable):
		return "not_available"
	case errors.Is(err, transcribe.ErrAPIKeyNotSet):
		return "api_key_not_set"
	case errors.Is(err, transcribe.ErrAuth):
		return "auth"
	case errors.Is(err, transcribe.ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, transcribe.ErrInvalidAudioData):
		return "invalid_audio"
	case errors.Is(err, transcribe.ErrAlreadyProcessing):
		return "busy"
	case errors.Is(err, transcribe.ErrSessionFailed):
		return "session_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
