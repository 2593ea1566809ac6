package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DetectorMetrics tracks the Heartbeat & Failure Detector's scans
// (spec.md §4.6).
type DetectorMetrics struct {
	ScansTotal        prometheus.Counter
	WarningTransitions prometheus.Counter
	InactiveTransitions prometheus.Counter
	RecoveryTransitions prometheus.Counter
	EmergencyRecoveries prometheus.Counter
}

// NewDetectorMetrics creates the Failure Detector metrics for namespace.
func NewDetectorMetrics(namespace string) *DetectorMetrics {
	return &DetectorMetrics{
		ScansTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "scans_total",
			Help:      "Total heartbeat scans performed.",
		}),
		WarningTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "warning_transitions_total",
			Help:      "Total ACTIVE to WARNING transitions.",
		}),
		InactiveTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "inactive_transitions_total",
			Help:      "Total transitions into INACTIVE.",
		}),
		RecoveryTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "recovery_transitions_total",
			Help:      "Total RECOVERING to ACTIVE transitions.",
		}),
		EmergencyRecoveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "emergency_recoveries_total",
			Help:      "Total emergency recovery procedures triggered by instance loss.",
		}),
	}
}
