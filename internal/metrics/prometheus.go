// Package metrics exposes Prometheus instrumentation for transcription
// requests, live sessions, and model loads.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionFailures *prometheus.CounterVec
	TranscriptionDuration *prometheus.HistogramVec
	AudioSeconds          *prometheus.CounterVec
	Cost                  *prometheus.CounterVec

	// Live session metrics
	ActiveSessions prometheus.Gauge
	SessionStates  *prometheus.CounterVec

	// Model lifecycle metrics
	ModelLoads *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TranscriptionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_transcription_requests_total",
			Help: "Total number of transcription requests by backend and mode",
		}, []string{"backend", "mode"}),
		TranscriptionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}, []string{"backend", "reason"}),
		TranscriptionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_transcription_duration_seconds",
			Help:    "Wall time of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}, []string{"backend"}),
		AudioSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_audio_seconds_total",
			Help: "Seconds of audio billed per backend",
		}, []string{"backend"}),
		Cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_cost_usd_total",
			Help: "Estimated provider cost in USD",
		}, []string{"backend"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "gostt_live_sessions_active",
			Help: "Current number of live sessions",
		}),
		SessionStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_live_session_transitions_total",
			Help: "Live session state transitions",
		}, []string{"backend", "state"}),

		ModelLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_model_state_transitions_total",
			Help: "Local model lifecycle transitions",
		}, []string{"model", "state"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordTranscription records a finished request.
func (m *Metrics) RecordTranscription(backend, mode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.WithLabelValues(backend, mode).Inc()
	m.TranscriptionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordFailure records a failed request with a short reason label.
func (m *Metrics) RecordFailure(backend, reason string) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(backend, reason).Inc()
}

// RecordUsage adds billed audio seconds and cost.
func (m *Metrics) RecordUsage(backend string, seconds, cost float64) {
	if m == nil {
		return
	}
	m.AudioSeconds.WithLabelValues(backend).Add(seconds)
	m.Cost.WithLabelValues(backend).Add(cost)
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordSessionState counts a live session transition.
func (m *Metrics) RecordSessionState(backend, state string) {
	if m == nil {
		return
	}
	m.SessionStates.WithLabelValues(backend, state).Inc()
}

// RecordModelState counts a local model lifecycle transition.
func (m *Metrics) RecordModelState(model, state string) {
	if m == nil {
		return
	}
	m.ModelLoads.WithLabelValues(model, state).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
