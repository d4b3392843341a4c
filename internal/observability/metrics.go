// File: internal/observability/metrics.go
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ToolCallsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageagent",
			Subsystem: "coordinator",
			Name:      "calls_issued_total",
			Help:      "Tool calls moved to the interrupted state.",
		},
		[]string{"tool"},
	)

	DecisionsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageagent",
			Subsystem: "coordinator",
			Name:      "decisions_total",
			Help:      "Decisions that resumed a tool call.",
		},
		[]string{"tool", "kind", "source"},
	)

	ProtocolAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageagent",
			Subsystem: "coordinator",
			Name:      "anomalies_total",
			Help:      "Refused transitions such as duplicate or disallowed decisions.",
		},
		[]string{"reason"},
	)

	ScriptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pageagent",
			Subsystem: "sandbox",
			Name:      "script_duration_seconds",
			Help:      "Wall time of sandboxed script executions, waits included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	StateSyntheses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageagent",
			Subsystem: "browserstate",
			Name:      "syntheses_total",
			Help:      "Browser state renderings by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageagent",
		Name:      "sessions_active",
		Help:      "Conversations with a live page.",
	})
)

// MetricsHandler exposes the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
