package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TasksMetrics tracks the Background Task Runner's own scheduling
// behavior, distinct from the work it delegates to Balancer/Detector/
// Consistency metrics.
type TasksMetrics struct {
	TriggersCoalesced prometheus.Counter
	Ready             prometheus.Gauge
}

// NewTasksMetrics creates the Background Task Runner metrics for namespace.
func NewTasksMetrics(namespace string) *TasksMetrics {
	return &TasksMetrics{
		TriggersCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "triggers_coalesced_total",
			Help:      "Total rebalance triggers folded into an already-pending run.",
		}),
		Ready: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "ready",
			Help:      "1 once every background loop has completed at least one cycle.",
		}),
	}
}
