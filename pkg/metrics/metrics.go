// Package metrics defines the Prometheus collectors for sregym: stage
// transitions, TTD/TTL/TTM timing, and API Filtering Proxy filter hits.
//
// Grounded directly on wisbric-nightowl's internal/telemetry/metrics.go —
// same package-level prometheus.NewCounterVec/NewHistogramVec declarations
// plus an All() collector list for registration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// StageTransitionsTotal counts Conductor stage transitions by problem and
// destination stage.
var StageTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sregym",
		Subsystem: "conductor",
		Name:      "stage_transitions_total",
		Help:      "Total number of Conductor stage transitions.",
	},
	[]string{"problem_id", "stage"},
)

// SessionsTotal counts completed sessions by problem and terminal outcome
// (done, or skipped when the session carries a skip reason).
var SessionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sregym",
		Subsystem: "conductor",
		Name:      "sessions_total",
		Help:      "Total number of completed sessions by outcome.",
	},
	[]string{"problem_id", "outcome"},
)

// TimeToDetectSeconds, TimeToLocalizeSeconds, TimeToMitigateSeconds record
// TTD/TTL/TTM (spec.md §3) as histograms so slow investigations are visible
// in aggregate.
var (
	TimeToDetectSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sregym",
			Subsystem: "conductor",
			Name:      "time_to_detect_seconds",
			Help:      "Time to detect (TTD) per problem.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"problem_id"},
	)

	TimeToLocalizeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sregym",
			Subsystem: "conductor",
			Name:      "time_to_localize_seconds",
			Help:      "Time to localize (TTL) per problem.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"problem_id"},
	)

	TimeToMitigateSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sregym",
			Subsystem: "conductor",
			Name:      "time_to_mitigate_seconds",
			Help:      "Time to mitigate (TTM) per problem.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"problem_id"},
	)
)

// ProxyFilteredItemsTotal counts items stripped from list responses by the
// API Filtering Proxy (P5), and ProxyHiddenNamespaceRejectionsTotal counts
// 403s short-circuited before touching upstream (P6).
var (
	ProxyFilteredItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sregym",
			Subsystem: "proxy",
			Name:      "filtered_items_total",
			Help:      "Total number of list items hidden by the API filtering proxy.",
		},
		[]string{"kind"},
	)

	ProxyHiddenNamespaceRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sregym",
			Subsystem: "proxy",
			Name:      "hidden_namespace_rejections_total",
			Help:      "Total number of requests rejected for targeting a hidden namespace.",
		},
	)
)

// WorkloadCollectTimeoutsTotal counts workload.Collect() timeouts.
var WorkloadCollectTimeoutsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sregym",
		Subsystem: "workload",
		Name:      "collect_timeouts_total",
		Help:      "Total number of workload Collect() calls that timed out.",
	},
	[]string{"problem_id"},
)

// All returns every sregym collector for registration against a Prometheus
// registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		StageTransitionsTotal,
		SessionsTotal,
		TimeToDetectSeconds,
		TimeToLocalizeSeconds,
		TimeToMitigateSeconds,
		ProxyFilteredItemsTotal,
		ProxyHiddenNamespaceRejectionsTotal,
		WorkloadCollectTimeoutsTotal,
	}
}
