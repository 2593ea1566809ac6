// Package detector implements the Heartbeat & Failure Detector
// (spec.md §4.6): a periodic scan that turns heartbeat silence into
// state transitions and, on instance loss, redistribution.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// InstanceRegistry is the subset of internal/registry.Registry the
// detector depends on.
type InstanceRegistry interface {
	ListAll(ctx context.Context) ([]*model.Instance, error)
	MarkWarning(ctx context.Context, id string) error
	MarkInactive(ctx context.Context, id, reason string) error
	Remove(ctx context.Context, id string) error
}

// AssignmentReleaser is the subset of internal/assignment.Service the
// detector needs for emergency recovery's forcible release step.
type AssignmentReleaser interface {
	ListByInstance(ctx context.Context, instanceID string) ([]*model.StreamAssignment, error)
	Release(ctx context.Context, streamIDs []int64, instanceID string) ([]store.AssignOutcome, error)
}

// RebalanceTrigger requests a balancer evaluation; internal/tasks
// implements this, coalescing concurrent requests into one run.
type RebalanceTrigger interface {
	TriggerFor(ctx context.Context, reason model.RebalanceReason) error
}

// ConsistencyVerifier re-checks invariants after a disruptive repair;
// internal/consistency implements this.
type ConsistencyVerifier interface {
	Verify(ctx context.Context) error
}

// Config holds the Failure Detector's tunables (spec.md §4.3, §4.6 defaults).
type Config struct {
	ScanInterval          time.Duration
	WarnThreshold         time.Duration
	InactiveThreshold     time.Duration
	RemovalTimeout        time.Duration
	EmergencyThreshold    time.Duration
	RedistributionDeadline time.Duration
}

func (c Config) scanInterval() time.Duration {
	if c.ScanInterval <= 0 {
		return 30 * time.Second
	}
	return c.ScanInterval
}

func (c Config) warnThreshold() time.Duration {
	if c.WarnThreshold <= 0 {
		return 90 * time.Second
	}
	return c.WarnThreshold
}

func (c Config) inactiveThreshold() time.Duration {
	if c.InactiveThreshold <= 0 {
		return 180 * time.Second
	}
	return c.InactiveThreshold
}

func (c Config) removalTimeout() time.Duration {
	if c.RemovalTimeout <= 0 {
		return 24 * time.Hour
	}
	return c.RemovalTimeout
}

func (c Config) emergencyThreshold() time.Duration {
	if c.EmergencyThreshold <= 0 {
		return 10 * time.Minute
	}
	return c.EmergencyThreshold
}

// Detector is the Heartbeat & Failure Detector component.
type Detector struct {
	registry    InstanceRegistry
	assignments AssignmentReleaser
	rebalance   RebalanceTrigger
	consistency ConsistencyVerifier
	events      *store.RebalanceEventStore
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.DetectorMetrics

	mu         sync.Mutex      // guards recovering
	recovering map[string]bool // instances currently mid emergency-recovery, for idempotence
}

// New creates a Detector.
func New(registry InstanceRegistry, assignments AssignmentReleaser, rebalance RebalanceTrigger,
	consistency ConsistencyVerifier, events *store.RebalanceEventStore, cfg Config, logger *slog.Logger, m *metrics.DetectorMetrics) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		registry: registry, assignments: assignments, rebalance: rebalance,
		consistency: consistency, events: events, cfg: cfg, logger: logger, metrics: m,
		recovering: make(map[string]bool),
	}
}

// Interval returns the configured scan period, for the task scheduler.
func (d *Detector) Interval() time.Duration {
	return d.cfg.scanInterval()
}

// Scan runs one pass of the §4.3 silence-driven state machine over
// every known instance.
func (d *Detector) Scan(ctx context.Context) error {
	instances, err := d.registry.ListAll(ctx)
	if err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.ScansTotal.Inc()
	}

	now := time.Now()
	for _, inst := range instances {
		silence := now.Sub(inst.LastHeartbeat)
		if err := d.evaluate(ctx, inst, silence); err != nil {
			d.logger.Error("detector: evaluating instance failed", "instance_id", inst.ID, "error", err)
		}
	}
	return nil
}

func (d *Detector) evaluate(ctx context.Context, inst *model.Instance, silence time.Duration) error {
	switch inst.Status {
	case model.InstanceActive:
		if silence > d.cfg.warnThreshold() {
			d.logger.Info("instance heartbeat silent, entering WARNING", "instance_id", inst.ID, "silence", silence)
			if d.metrics != nil {
				d.metrics.WarningTransitions.Inc()
			}
			return d.registry.MarkWarning(ctx, inst.ID)
		}
	case model.InstanceWarning:
		if silence > d.cfg.inactiveThreshold() {
			return d.handleLostInstance(ctx, inst)
		}
	case model.InstanceInactive:
		if silence > d.cfg.removalTimeout() {
			d.logger.Warn("instance silent past removal timeout, removing", "instance_id", inst.ID, "silence", silence)
			return d.registry.Remove(ctx, inst.ID)
		}
		if silence > d.cfg.emergencyThreshold() {
			return d.EmergencyRecover(ctx, inst.ID)
		}
	}
	return nil
}

// handleLostInstance applies the WARNING -> INACTIVE transition:
// marks the instance, triggers redistribution of its streams, and
// records a LOST_INSTANCE rebalance event (spec.md §4.6).
func (d *Detector) handleLostInstance(ctx context.Context, inst *model.Instance) error {
	if err := d.registry.MarkInactive(ctx, inst.ID, "heartbeat silence exceeded INACTIVE_THRESHOLD"); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.InactiveTransitions.Inc()
	}

	if d.events != nil {
		if _, err := d.events.Begin(ctx, model.ReasonLostInstance); err != nil {
			d.logger.Error("detector: failed to record LOST_INSTANCE event", "instance_id", inst.ID, "error", err)
		}
	}

	if err := d.rebalance.TriggerFor(ctx, model.ReasonLostInstance); err != nil {
		d.logger.Warn("detector: redistribution trigger failed, will retry via emergency recovery", "instance_id", inst.ID, "error", err)
		return d.EmergencyRecover(ctx, inst.ID)
	}
	return nil
}

// EmergencyRecover runs the §4.6 emergency recovery procedure: forcibly
// release every assignment the instance holds, run a full balancer
// plan against the remainder of the fleet, verify invariants, and
// reset the instance to INACTIVE. It is safe to call repeatedly — a
// call for an instance already mid-recovery returns at once, and a
// call against an instance with nothing left to release skips the
// release step but still requests a rebalance, re-runs verification
// and re-marks the instance INACTIVE.
func (d *Detector) EmergencyRecover(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	if d.recovering[instanceID] {
		d.mu.Unlock()
		return nil
	}
	d.recovering[instanceID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.recovering, instanceID)
		d.mu.Unlock()
	}()

	owned, err := d.assignments.ListByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(owned) > 0 {
		streamIDs := make([]int64, len(owned))
		for i, a := range owned {
			streamIDs[i] = a.StreamID
		}
		if _, err := d.assignments.Release(ctx, streamIDs, instanceID); err != nil {
			return err
		}
	}

	if err := d.rebalance.TriggerFor(ctx, model.ReasonLostInstance); err != nil {
		d.logger.Error("detector: emergency recovery's rebalance pass failed", "instance_id", instanceID, "error", err)
	}

	if d.consistency != nil {
		if err := d.consistency.Verify(ctx); err != nil {
			d.logger.Error("detector: emergency recovery's consistency verification failed", "instance_id", instanceID, "error", err)
		}
	}

	if err := d.registry.MarkInactive(ctx, instanceID, "emergency recovery"); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.EmergencyRecoveries.Inc()
	}
	d.logger.Warn("emergency recovery complete", "instance_id", instanceID)
	return nil
}
