package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AssignmentMetrics tracks the Assignment Store's operations and
// invariant health (spec.md §4.4).
type AssignmentMetrics struct {
	TotalAssigned     prometheus.Gauge
	AssignedTotal     prometheus.Counter
	ReleasedTotal     prometheus.Counter
	MigrationsStarted prometheus.Counter
	MigrationsCommitted prometheus.Counter
	MigrationsReverted  prometheus.Counter
	OrphansFound      prometheus.Gauge
	DuplicatesFound   prometheus.Gauge
}

// NewAssignmentMetrics creates the Assignment Store metrics for namespace.
func NewAssignmentMetrics(namespace string) *AssignmentMetrics {
	return &AssignmentMetrics{
		TotalAssigned: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "total_assigned",
			Help:      "Current number of streams with an ASSIGNED or MIGRATING assignment.",
		}),
		AssignedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "assigned_total",
			Help:      "Total assign operations that succeeded.",
		}),
		ReleasedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "released_total",
			Help:      "Total release operations that succeeded.",
		}),
		MigrationsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "migrations_started_total",
			Help:      "Total migrations started (assignment entered MIGRATING).",
		}),
		MigrationsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "migrations_committed_total",
			Help:      "Total migrations that committed to the target instance.",
		}),
		MigrationsReverted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "migrations_reverted_total",
			Help:      "Total migrations reverted to their source instance, explicitly or after the migration timeout.",
		}),
		OrphansFound: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "orphans_found",
			Help:      "Streams currently assigned to an instance that no longer exists.",
		}),
		DuplicatesFound: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "duplicates_found",
			Help:      "Streams currently held by more than one active assignment.",
		}),
	}
}
