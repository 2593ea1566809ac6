package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConsistencyMetrics tracks the Consistency Checker's defect taxonomy
// (spec.md §4.7).
type ConsistencyMetrics struct {
	ChecksTotal     prometheus.Counter
	DefectsFound    *prometheus.CounterVec // label: kind
	DefectsResolved *prometheus.CounterVec // label: kind
	CheckDuration   prometheus.Histogram
}

// NewConsistencyMetrics creates the Consistency Checker metrics for namespace.
func NewConsistencyMetrics(namespace string) *ConsistencyMetrics {
	return &ConsistencyMetrics{
		ChecksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "checks_total",
			Help:      "Total consistency checks performed.",
		}),
		DefectsFound: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "defects_found_total",
			Help:      "Total defects found, by kind.",
		}, []string{"kind"}),
		DefectsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "defects_resolved_total",
			Help:      "Total defects resolved, by kind.",
		}, []string{"kind"}),
		CheckDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "check_duration_seconds",
			Help:      "Duration of a consistency check pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
