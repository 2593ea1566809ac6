package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IdempotencyMetrics tracks the Idempotency-Key cache (spec.md §6, §9).
type IdempotencyMetrics struct {
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	InFlight prometheus.Counter
}

// NewIdempotencyMetrics creates the idempotency-key cache metrics for namespace.
func NewIdempotencyMetrics(namespace string) *IdempotencyMetrics {
	return &IdempotencyMetrics{
		Hits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "hits_total",
			Help:      "Total requests served from a cached idempotent response.",
		}),
		Misses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "misses_total",
			Help:      "Total requests that reserved a new idempotency key.",
		}),
		InFlight: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "in_flight_conflicts_total",
			Help:      "Total requests that hit a key whose first attempt had not yet completed.",
		}),
	}
}
