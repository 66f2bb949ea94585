// Package server exposes the router over an OpenAI-compatible HTTP API,
// plus a WebSocket endpoint for live sessions and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/gostt-relay/internal/metrics"
	"github.com/chaz8081/gostt-relay/internal/router"
	"github.com/chaz8081/gostt-relay/internal/stream"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
	"github.com/chaz8081/gostt-relay/internal/usage"
)

// maxUploadBytes leaves room for multipart framing around a 25 MiB file.
const maxUploadBytes = transcribe.DefaultMaxPayloadBytes + 1<<20

// Backend is the part of *router.Router the server uses.
type Backend interface {
	Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Result, error)
	StartLive(ctx context.Context, req transcribe.Request) (*stream.Session, error)
	StopLive(ctx context.Context) (*transcribe.Result, error)
	Models() []router.ModelInfo
}

// UsageReporter supplies aggregated usage for GET /v1/usage.
type UsageReporter interface {
	Totals(since time.Time) ([]usage.Total, error)
}

// Options configures the handler.
type Options struct {
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; defaults to prometheus.DefaultGatherer.
	Gatherer       prometheus.Gatherer
	Usage          UsageReporter
	AllowedOrigins []string
	// Auth, if set, guards every /v1 route with bearer tokens.
	Auth *TokenAuth
}

// NewRouter builds the HTTP handler.
func NewRouter(b Backend, opts Options) *chi.Mux {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{
		backend: b,
		usage:   opts.Usage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(Logger(opts.Metrics))
	r.Use(cors.Handler(corsOptions(opts.AllowedOrigins)))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(RequireToken(opts.Auth))
		}
		r.Get("/models", h.listModels)
		r.Get("/usage", h.usageTotals)
		r.Get("/live", h.live)
		r.Group(func(r chi.Router) {
			r.Use(MaxBodySize(maxUploadBytes))
			r.Post("/transcriptions", h.transcribe(transcribe.ModeTranscribe))
			r.Post("/translations", h.transcribe(transcribe.ModeTranslate))
		})
	})
	return r
}

func corsOptions(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}
	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
