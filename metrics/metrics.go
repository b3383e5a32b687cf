// Package metrics registers the Prometheus instruments for the voice agent
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Pipeline metrics
	TurnsTotal    *prometheus.CounterVec // label: outcome (ok|degraded)
	StageFailures *prometheus.CounterVec // label: stage (decode|transcription|generation|synthesis|internal)
	TurnDuration  prometheus.Histogram
	ActiveTurns   prometheus.Gauge
	Sessions      prometheus.Gauge

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec // labels: path, status
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceagent_turns_total",
			Help: "Total number of completed conversational turns by outcome",
		}, []string{"outcome"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceagent_stage_failures_total",
			Help: "Total number of pipeline stage failures by originating stage",
		}, []string{"stage"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voiceagent_turn_duration_seconds",
			Help:    "End-to-end duration of one conversational turn",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		ActiveTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voiceagent_active_turns",
			Help: "Number of turns currently in the pipeline",
		}),
		Sessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voiceagent_sessions",
			Help: "Number of sessions with recorded history",
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceagent_http_requests_total",
			Help: "Total number of HTTP requests by path and status",
		}, []string{"path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voiceagent_http_request_duration_seconds",
			Help:    "HTTP request duration by path",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"path"}),
	}
}
