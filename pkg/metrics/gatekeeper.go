package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatekeeperMetrics tracks the persistence layer's connection pool,
// circuit breaker, and transaction behavior (spec.md §4.1).
type GatekeeperMetrics struct {
	Successes         prometheus.Counter
	Failures          prometheus.Counter
	BreakerRejections prometheus.Counter
	BreakerState      prometheus.Gauge // 0 closed, 1 open, 2 half_open
	TxnDuration       prometheus.Histogram
	ReapedTxns        prometheus.Counter
}

// NewGatekeeperMetrics creates the Gatekeeper metrics for namespace.
func NewGatekeeperMetrics(namespace string) *GatekeeperMetrics {
	return &GatekeeperMetrics{
		Successes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "operations_success_total",
			Help:      "Total Gatekeeper operations that committed successfully.",
		}),
		Failures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "operations_failure_total",
			Help:      "Total Gatekeeper operations that failed after retries.",
		}),
		BreakerRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "breaker_rejections_total",
			Help:      "Total calls rejected because the circuit breaker was open.",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed, 1=open, 2=half_open.",
		}),
		TxnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "txn_duration_seconds",
			Help:      "Duration of committed transactions in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReapedTxns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gatekeeper",
			Name:      "reaped_txns_total",
			Help:      "Total transactions observed exceeding txn_max_duration.",
		}),
	}
}
