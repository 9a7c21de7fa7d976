// Package metrics declares the Prometheus instruments of the canary service. Everything is
// registered on the default registry through promauto and exposed by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canary"

var (
	// EvaluationsTotal counts pair evaluations by outcome.
	// outcome: no_data | no_anomaly | suppressed | alerted | failed
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of (zone, category) evaluations by outcome.",
		},
		[]string{"outcome"},
	)

	// EvaluationDurationSeconds tracks a single pair evaluation including training.
	EvaluationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one (zone, category) evaluation in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// SweepDurationSeconds tracks a full sweep over every configured pair.
	SweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a detection sweep in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// ModelTrainingsTotal counts ensemble trainings by result.
	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "trainings_total",
			Help:      "Total number of ensemble trainings by result.",
		},
		[]string{"result"},
	)

	// ModelCacheLookupsTotal counts model cache lookups by tier and result.
	// tier: local | redis; result: hit | miss
	ModelCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "cache_lookups_total",
			Help:      "Model cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// AlertsCreatedTotal counts persisted alerts by level.
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Alerts created by level.",
		},
		[]string{"level"},
	)

	// AlertsSuppressedTotal counts candidates dropped by the cooldown gate.
	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Alert candidates suppressed by cooldown.",
		},
	)

	// AlertsResolvedTotal counts resolutions by reason.
	// reason: manual | stale
	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "resolved_total",
			Help:      "Alerts resolved by reason.",
		},
		[]string{"reason"},
	)

	// ActiveAlerts reports active alerts by level as of the last summary.
	ActiveAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Active alerts by level at the last summary.",
		},
		[]string{"level"},
	)

	// NotificationFailuresTotal counts notifications that could not be delivered.
	NotificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Alert notifications that failed to deliver.",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
