package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[f.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTranscription("openai/whisper-1", "transcribe", 1.2)
	m.RecordTranscription("openai/whisper-1", "translate", 0.4)
	m.RecordFailure("groq/whisper-large-v3", "auth")
	m.RecordUsage("openai/whisper-1", 30, 0.003)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.RecordSessionState("openai/gpt-4o-realtime", "ready")
	m.RecordModelState("whisper-base-en", "loaded")
	m.RecordHTTPRequest("POST", "/v1/transcriptions", "200", 0.2)

	got := gather(t, reg)
	tests := []struct {
		name string
		want float64
	}{
		{"gostt_transcription_requests_total", 2},
		{"gostt_transcription_duration_seconds", 2},
		{"gostt_transcription_failures_total", 1},
		{"gostt_audio_seconds_total", 30},
		{"gostt_cost_usd_total", 0.003},
		{"gostt_live_sessions_active", 1},
		{"gostt_live_session_transitions_total", 1},
		{"gostt_model_state_transitions_total", 1},
		{"gostt_http_requests_total", 1},
	}
	for _, tt := range tests {
		if got[tt.name] != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got[tt.name], tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTranscription("b", "transcribe", 1)
	m.RecordFailure("b", "x")
	m.RecordUsage("b", 1, 1)
	m.SessionStarted()
	m.SessionEnded()
	m.RecordSessionState("b", "ready")
	m.RecordModelState("m", "loaded")
	m.RecordHTTPRequest("GET", "/", "200", 0)
}
