// Package metrics exposes the gateway's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	ToolCallsTotal        *prometheus.CounterVec
	SuppressedEventsTotal *prometheus.CounterVec
	ProtocolErrorsTotal   *prometheus.CounterVec
	AudioBytesTotal       *prometheus.CounterVec
	TranscriptsTotal      prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicewire"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live client sessions.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total client sessions by driver mode and outcome.",
		}, []string{"mode", "status"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"mode"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		SuppressedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_events_total",
			Help:      "Upstream events withheld from clients, by event type.",
		}, []string{"type"}),
		ProtocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Messages dropped for protocol violations, by direction.",
		}, []string{"direction"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio payload bytes relayed, by direction.",
		}, []string{"direction"}),
		TranscriptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Finalized utterance transcripts produced by the audio pipeline.",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ToolCallsTotal,
		m.SuppressedEventsTotal,
		m.ProtocolErrorsTotal,
		m.AudioBytesTotal,
		m.TranscriptsTotal,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted / SessionEnded bracket one client session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(mode, status string, started time.Time) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(mode, status).Inc()
	m.SessionDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}
