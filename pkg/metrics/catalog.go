package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CatalogMetrics tracks the external catalog mirror's refresh cadence
// (spec.md §9 Open Questions).
type CatalogMetrics struct {
	RefreshesTotal  prometheus.Counter
	RefreshFailures prometheus.Counter
	StreamCount     prometheus.Gauge
}

// NewCatalogMetrics creates the catalog mirror metrics for namespace.
func NewCatalogMetrics(namespace string) *CatalogMetrics {
	return &CatalogMetrics{
		RefreshesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "refreshes_total",
			Help:      "Total catalog mirror refresh attempts.",
		}),
		RefreshFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "refresh_failures_total",
			Help:      "Total catalog mirror refresh failures.",
		}),
		StreamCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "stream_count",
			Help:      "Number of streams in the most recently refreshed catalog.",
		}),
	}
}
