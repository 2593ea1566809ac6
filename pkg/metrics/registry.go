// Package metrics provides centralized metrics management for the
// stream-assignment orchestrator.
//
// This package implements a unified taxonomy for Prometheus metrics, one
// category manager per control-plane component:
//   - Gatekeeper: operation outcomes, circuit breaker, transaction durations, reaped transactions
//   - Registry: instance lifecycle and heartbeat metrics
//   - Assignment: stream assignment counts and invariant violations
//   - Balancer: rebalance runs, migrations planned/applied
//   - Detector: failure detection scans and transitions
//   - Consistency: defects found and resolved
//   - Catalog: catalog mirror refreshes
//   - Idempotency: idempotency-key cache hits, misses, in-flight conflicts
//   - Tasks: trigger coalescing and readiness
//
// HTTP request metrics are not part of this registry; HTTPMetrics
// provides them separately.
//
// All metrics follow the naming convention:
// orchestrator_<category>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Gatekeeper().Successes.Inc()
//	registry.Registry().ActiveInstances.Set(12)
package metrics

import "sync"

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category, each lazily
// initialized on first access so a process that never touches a
// component (e.g. a migrate-only invocation) never registers its
// collectors.
type MetricsRegistry struct {
	namespace string

	gatekeeper  *GatekeeperMetrics
	registry    *RegistryMetrics
	assignment  *AssignmentMetrics
	balancer    *BalancerMetrics
	detector    *DetectorMetrics
	consistency *ConsistencyMetrics
	catalog     *CatalogMetrics
	idempotency *IdempotencyMetrics
	tasks       *TasksMetrics

	gatekeeperOnce  sync.Once
	registryOnce    sync.Once
	assignmentOnce  sync.Once
	balancerOnce    sync.Once
	detectorOnce    sync.Once
	consistencyOnce sync.Once
	catalogOnce     sync.Once
	idempotencyOnce sync.Once
	tasksOnce       sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("orchestrator")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the given
// namespace. Most callers should use DefaultRegistry() instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "orchestrator"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Gatekeeper returns the Gatekeeper metrics manager.
func (r *MetricsRegistry) Gatekeeper() *GatekeeperMetrics {
	r.gatekeeperOnce.Do(func() {
		r.gatekeeper = NewGatekeeperMetrics(r.namespace)
	})
	return r.gatekeeper
}

// Registry returns the Instance Registry metrics manager.
func (r *MetricsRegistry) Registry() *RegistryMetrics {
	r.registryOnce.Do(func() {
		r.registry = NewRegistryMetrics(r.namespace)
	})
	return r.registry
}

// Assignment returns the Assignment Store metrics manager.
func (r *MetricsRegistry) Assignment() *AssignmentMetrics {
	r.assignmentOnce.Do(func() {
		r.assignment = NewAssignmentMetrics(r.namespace)
	})
	return r.assignment
}

// Balancer returns the Load Balancer metrics manager.
func (r *MetricsRegistry) Balancer() *BalancerMetrics {
	r.balancerOnce.Do(func() {
		r.balancer = NewBalancerMetrics(r.namespace)
	})
	return r.balancer
}

// Detector returns the Failure Detector metrics manager.
func (r *MetricsRegistry) Detector() *DetectorMetrics {
	r.detectorOnce.Do(func() {
		r.detector = NewDetectorMetrics(r.namespace)
	})
	return r.detector
}

// Consistency returns the Consistency Checker metrics manager.
func (r *MetricsRegistry) Consistency() *ConsistencyMetrics {
	r.consistencyOnce.Do(func() {
		r.consistency = NewConsistencyMetrics(r.namespace)
	})
	return r.consistency
}

// Catalog returns the external catalog mirror metrics manager.
func (r *MetricsRegistry) Catalog() *CatalogMetrics {
	r.catalogOnce.Do(func() {
		r.catalog = NewCatalogMetrics(r.namespace)
	})
	return r.catalog
}

// Idempotency returns the Idempotency-Key cache metrics manager.
func (r *MetricsRegistry) Idempotency() *IdempotencyMetrics {
	r.idempotencyOnce.Do(func() {
		r.idempotency = NewIdempotencyMetrics(r.namespace)
	})
	return r.idempotency
}

// Tasks returns the Background Task Runner metrics manager.
func (r *MetricsRegistry) Tasks() *TasksMetrics {
	r.tasksOnce.Do(func() {
		r.tasks = NewTasksMetrics(r.namespace)
	})
	return r.tasks
}

// Namespace returns the configured Prometheus namespace.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
