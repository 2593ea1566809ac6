// Package registry implements the Instance Registry (spec.md §4.2, §4.3):
// the durable directory of worker instances, their derived health state,
// and the performance-score EMA the Load Balancer uses as a tie-break.
//
// The Registry holds no lock of its own: every state transition is a
// write through store.InstanceStore, and the LRU cache in front of it
// is safe for concurrent use.
package registry

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/streamforge/orchestrator/internal/apierr"
	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// RegisterOutcome reports whether register() created a new instance or
// reattached an existing one (spec.md §4.2).
type RegisterOutcome string

const (
	Registered RegisterOutcome = "REGISTERED"
	Reattached RegisterOutcome = "REATTACHED"
)

// Config holds the Instance Registry's tunables, sourced from
// internal/config.OrchestratorConfig.
type Config struct {
	WarnThreshold      time.Duration
	InactiveThreshold  time.Duration
	RemovalTimeout     time.Duration
	RecoveryKThreshold int
	PerformanceAlpha   float64
	CacheSize          int
}

// Registry is the Instance Registry component. It caches recent reads
// in a read-mostly LRU (spec.md §5: "writes go to the database first,
// cache after") and is the sole writer of Instance rows.
type Registry struct {
	store   *store.InstanceStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.RegistryMetrics
	cache   *lru.Cache[string, *model.Instance]
}

// New creates a Registry backed by instanceStore.
func New(instanceStore *store.InstanceStore, cfg Config, logger *slog.Logger, m *metrics.RegistryMetrics) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, *model.Instance](size)
	if err != nil {
		return nil, err
	}
	return &Registry{store: instanceStore, cfg: cfg, logger: logger, metrics: m, cache: cache}, nil
}

// Register creates a new instance on first sight, or reattaches an
// existing id: failure_count resets to 0, registered_at is preserved,
// status moves to REGISTERED (spec.md §4.2).
func (r *Registry) Register(ctx context.Context, id string, capacityMax int, metadata map[string]string) (RegisterOutcome, error) {
	existing, err := r.store.Get(ctx, id)
	if err != nil {
		if ae, ok := err.(*apierr.Error); !ok || ae.Code != apierr.CodeUnknownInstance {
			return "", err
		}
		existing = nil
	}

	now := time.Now()
	outcome := Registered
	inst := &model.Instance{
		ID:               id,
		CapacityMax:      capacityMax,
		Status:           model.InstanceRegistered,
		RegisteredAt:     now,
		LastHeartbeat:    now,
		PerformanceScore: model.DefaultPerformanceScore,
		Metadata:         metadata,
	}
	if existing != nil {
		outcome = Reattached
		inst.RegisteredAt = existing.RegisteredAt
		inst.PerformanceScore = existing.PerformanceScore
		inst.FailureCount = 0
	}

	if err := r.store.Upsert(ctx, inst); err != nil {
		return "", err
	}

	r.cache.Add(id, inst)
	if r.metrics != nil {
		r.metrics.RegisteredTotal.Inc()
		r.metrics.StateTransitions.WithLabelValues("", string(inst.Status)).Inc()
	}
	r.logger.Info("instance registered", "instance_id", id, "outcome", outcome, "capacity_max", capacityMax)
	return outcome, nil
}

// LoadReport is the self-reported load snapshot a worker sends with
// every heartbeat (spec.md §4.8 heartbeat request).
type LoadReport struct {
	Load               int
	AvailableCapacity  int
	SuccessfulUpdates  int
	TotalUpdates       int
}

// signal derives the [0,1] performance signal from a load report
// (spec.md §4.2: ratio of successful stream updates since the previous
// heartbeat, clipped).
func (l LoadReport) signal() float64 {
	if l.TotalUpdates <= 0 {
		return model.DefaultPerformanceScore
	}
	return model.ClampScore(float64(l.SuccessfulUpdates) / float64(l.TotalUpdates))
}

// RecordHeartbeat updates last_heartbeat and performance_score and
// applies the §4.3 state machine's heartbeat-triggered transitions.
// Fails with UnknownInstance if id is not present. A heartbeat whose
// timestamp is not strictly after the one on record changes nothing and
// returns the instance's current status together with a StaleHeartbeat
// error.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string, ts time.Time, report LoadReport) (model.InstanceStatus, error) {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	newScore := r.cfg.alpha()*report.signal() + (1-r.cfg.alpha())*inst.PerformanceScore
	newStatus := r.nextStatusOnHeartbeat(inst.Status)
	consecutiveOK := inst.ConsecutiveOK
	failureCount := inst.FailureCount
	if newStatus == model.InstanceRecovering {
		consecutiveOK++
		if consecutiveOK >= r.cfg.recoveryK() {
			newStatus = model.InstanceActive
			consecutiveOK = 0
		}
	} else {
		consecutiveOK = 0
	}

	err = r.store.UpdateHeartbeat(ctx, id, ts, newStatus, newScore, failureCount, consecutiveOK)
	if err != nil {
		if ae, ok := err.(*apierr.Error); ok && ae.Code == apierr.CodeStaleHeartbeat {
			return inst.Status, err
		}
		return "", err
	}

	if r.metrics != nil {
		r.metrics.HeartbeatsTotal.Inc()
		if newStatus != inst.Status {
			r.metrics.StateTransitions.WithLabelValues(string(inst.Status), string(newStatus)).Inc()
		}
	}
	r.cache.Remove(id)
	return newStatus, nil
}

// RecordStreamOutcome nudges performance_score by the same EMA
// heartbeats use, for a single per-stream processing outcome reported
// out of band via update_stream (spec.md §4.8: "used only to update
// performance_score and observability" — never an ownership change).
func (r *Registry) RecordStreamOutcome(ctx context.Context, id string, success bool) error {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	signal := 0.0
	if success {
		signal = 1.0
	}
	newScore := r.cfg.alpha()*signal + (1-r.cfg.alpha())*inst.PerformanceScore
	if err := r.store.UpdatePerformanceScore(ctx, id, newScore); err != nil {
		return err
	}
	r.cache.Remove(id)
	return nil
}

// nextStatusOnHeartbeat applies the heartbeat-received edges of the
// state diagram in spec.md §4.3. Silence-driven edges (WARNING,
// INACTIVE, REMOVED) are applied by the Failure Detector, not here.
func (r *Registry) nextStatusOnHeartbeat(current model.InstanceStatus) model.InstanceStatus {
	switch current {
	case model.InstanceRegistered, model.InstanceWarning:
		return model.InstanceActive
	case model.InstanceInactive:
		return model.InstanceRecovering
	default:
		return current
	}
}

func (c Config) alpha() float64 {
	if c.PerformanceAlpha <= 0 {
		return 0.3
	}
	return c.PerformanceAlpha
}

func (c Config) recoveryK() int {
	if c.RecoveryKThreshold <= 0 {
		return 2
	}
	return c.RecoveryKThreshold
}

// ListActive returns the set of instances eligible for new work.
func (r *Registry) ListActive(ctx context.Context) ([]*model.Instance, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ActiveInstances.Set(float64(len(active)))
	}
	return active, nil
}

// ListAll returns every non-REMOVED instance.
func (r *Registry) ListAll(ctx context.Context) ([]*model.Instance, error) {
	return r.store.ListAll(ctx)
}

// Get fetches one instance, preferring the cache.
func (r *Registry) Get(ctx context.Context, id string) (*model.Instance, error) {
	if inst, ok := r.cache.Get(id); ok {
		return inst, nil
	}
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, inst)
	return inst, nil
}

// MarkInactive writes a WARNING->INACTIVE (or any->INACTIVE) transition.
// Idempotent: marking an already-INACTIVE instance is a no-op success.
func (r *Registry) MarkInactive(ctx context.Context, id, reason string) error {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == model.InstanceInactive {
		return nil
	}
	if err := r.store.SetStatus(ctx, id, model.InstanceInactive); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(string(inst.Status), string(model.InstanceInactive)).Inc()
	}
	r.cache.Remove(id)
	r.logger.Warn("instance marked inactive", "instance_id", id, "reason", reason)
	return nil
}

// MarkWarning writes an ACTIVE->WARNING transition (observational only,
// per spec.md §4.6: "on ACTIVE -> WARNING only logs").
func (r *Registry) MarkWarning(ctx context.Context, id string) error {
	if err := r.store.SetStatus(ctx, id, model.InstanceWarning); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(string(model.InstanceActive), string(model.InstanceWarning)).Inc()
	}
	r.cache.Remove(id)
	return nil
}

// Remove marks id REMOVED, either by operator action or REMOVAL_TIMEOUT
// expiry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Remove(ctx, id); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RemovedTotal.Inc()
	}
	r.cache.Remove(id)
	return nil
}
