package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics tracks the Instance Registry's lifecycle operations
// (spec.md §4.3).
type RegistryMetrics struct {
	ActiveInstances    prometheus.Gauge
	RegisteredTotal    prometheus.Counter
	HeartbeatsTotal    prometheus.Counter
	StateTransitions   *prometheus.CounterVec // labels: from, to
	RemovedTotal       prometheus.Counter
}

// NewRegistryMetrics creates the Instance Registry metrics for namespace.
func NewRegistryMetrics(namespace string) *RegistryMetrics {
	return &RegistryMetrics{
		ActiveInstances: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_instances",
			Help:      "Number of instances currently eligible to receive assignments.",
		}),
		RegisteredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registered_total",
			Help:      "Total instance registrations processed.",
		}),
		HeartbeatsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats recorded.",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "state_transitions_total",
			Help:      "Instance status transitions by from/to state.",
		}, []string{"from", "to"}),
		RemovedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "removed_total",
			Help:      "Total instances removed from the registry.",
		}),
	}
}
