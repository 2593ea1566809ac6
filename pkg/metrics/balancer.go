package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BalancerMetrics tracks Load Balancer rebalance runs (spec.md §4.5).
type BalancerMetrics struct {
	RunsTotal        prometheus.Counter
	RunsEmpty        prometheus.Counter
	PlannedMigrations prometheus.Histogram
	AppliedMigrations prometheus.Counter
	ImbalanceScore   prometheus.Gauge
	RunDuration      prometheus.Histogram
}

// NewBalancerMetrics creates the Load Balancer metrics for namespace.
func NewBalancerMetrics(namespace string) *BalancerMetrics {
	return &BalancerMetrics{
		RunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "runs_total",
			Help:      "Total rebalance evaluations performed.",
		}),
		RunsEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "runs_empty_total",
			Help:      "Total rebalance evaluations that produced no migration plan.",
		}),
		PlannedMigrations: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "planned_migrations",
			Help:      "Number of migrations planned per rebalance run.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		AppliedMigrations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "applied_migrations_total",
			Help:      "Total planned moves in batches submitted for application (first assignments and migration starts).",
		}),
		ImbalanceScore: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "imbalance_score",
			Help:      "Most recent load-imbalance score across eligible instances.",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "run_duration_seconds",
			Help:      "Duration of a rebalance evaluation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
