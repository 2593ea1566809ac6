// Package consistency implements the Consistency Checker (spec.md
// §4.7): it detects and, where unambiguous, repairs violations of the
// single-owner, capacity, and coverage invariants.
package consistency

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// DefectKind names a category of invariant violation (spec.md §4.7).
type DefectKind string

const (
	DefectOrphanAssignment     DefectKind = "ORPHAN_ASSIGNMENT"
	DefectDuplicateAssignment  DefectKind = "DUPLICATE_ASSIGNMENT"
	DefectCapacityOverflow     DefectKind = "CAPACITY_OVERFLOW"
	DefectStuckMigration       DefectKind = "STUCK_MIGRATION"
	DefectMissingAssignment    DefectKind = "MISSING_ASSIGNMENT"
)

// Defect is one structured finding, reported regardless of whether it
// could be auto-repaired (spec.md §4.7 "Reporting").
type Defect struct {
	Kind        DefectKind
	AffectedIDs []int64
	Action      string
}

// InstanceLister is the subset of internal/registry.Registry the
// checker needs.
type InstanceLister interface {
	ListAll(ctx context.Context) ([]*model.Instance, error)
}

// AssignmentQuerier is the subset of internal/assignment.Service the
// checker needs.
type AssignmentQuerier interface {
	ListOrphans(ctx context.Context) ([]*model.StreamAssignment, error)
	ListDuplicates(ctx context.Context) ([]store.DuplicateGroup, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*model.StreamAssignment, error)
	ListAllActive(ctx context.Context) ([]*model.StreamAssignment, error)
	Release(ctx context.Context, streamIDs []int64, instanceID string) ([]store.AssignOutcome, error)
	SweepStuckMigrations(ctx context.Context) (committed, reverted int, err error)
}

// CatalogSource supplies the active stream catalog for the
// missing-assignment check. A nil CatalogSource skips that check.
type CatalogSource interface {
	ActiveStreams(ctx context.Context) ([]int64, error)
}

// RebalanceTrigger requests a balancer evaluation after a repair
// changes the assignment landscape.
type RebalanceTrigger interface {
	TriggerFor(ctx context.Context, reason model.RebalanceReason) error
}

// Config holds the Consistency Checker's tunables.
type Config struct {
	CheckInterval time.Duration
}

func (c Config) checkInterval() time.Duration {
	if c.CheckInterval <= 0 {
		return 120 * time.Second
	}
	return c.CheckInterval
}

// Checker is the Consistency Checker component.
type Checker struct {
	instances   InstanceLister
	assignments AssignmentQuerier
	catalog     CatalogSource
	rebalance   RebalanceTrigger
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.ConsistencyMetrics
}

// New creates a Checker.
func New(instances InstanceLister, assignments AssignmentQuerier, catalog CatalogSource,
	rebalance RebalanceTrigger, cfg Config, logger *slog.Logger, m *metrics.ConsistencyMetrics) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{instances: instances, assignments: assignments, catalog: catalog, rebalance: rebalance, cfg: cfg, logger: logger, metrics: m}
}

// Interval returns the configured check period, for the task scheduler.
func (c *Checker) Interval() time.Duration {
	return c.cfg.checkInterval()
}

// Verify satisfies internal/detector.ConsistencyVerifier: run a full
// check and surface only a hard failure, not individual defects.
func (c *Checker) Verify(ctx context.Context) error {
	_, err := c.Check(ctx)
	return err
}

// Check runs one full pass over every defect kind in spec.md §4.7 and
// returns everything it found, whether or not it could repair it.
func (c *Checker) Check(ctx context.Context) ([]Defect, error) {
	if c.metrics != nil {
		c.metrics.ChecksTotal.Inc()
	}
	var defects []Defect
	needsReplan := false

	orphanDefects, err := c.resolveOrphans(ctx)
	if err != nil {
		return defects, err
	}
	if len(orphanDefects) > 0 {
		needsReplan = true
	}
	defects = append(defects, orphanDefects...)

	dupDefects, err := c.resolveDuplicates(ctx)
	if err != nil {
		return defects, err
	}
	defects = append(defects, dupDefects...)

	overflowDefects, err := c.resolveCapacityOverflow(ctx)
	if err != nil {
		return defects, err
	}
	if len(overflowDefects) > 0 {
		needsReplan = true
	}
	defects = append(defects, overflowDefects...)

	committed, reverted, err := c.assignments.SweepStuckMigrations(ctx)
	if err != nil {
		return defects, err
	}
	if committed+reverted > 0 {
		defects = append(defects, Defect{Kind: DefectStuckMigration, Action: "committed_or_reverted"})
	}

	missingDefect, err := c.resolveMissingAssignments(ctx)
	if err != nil {
		return defects, err
	}
	if missingDefect != nil {
		defects = append(defects, *missingDefect)
		needsReplan = true
	}

	for _, d := range defects {
		if c.metrics != nil {
			c.metrics.DefectsFound.WithLabelValues(string(d.Kind)).Inc()
		}
		c.logger.Warn("consistency defect found", "kind", d.Kind, "affected", d.AffectedIDs, "action", d.Action)
	}

	if needsReplan && c.rebalance != nil {
		if err := c.rebalance.TriggerFor(ctx, model.ReasonDrift); err != nil {
			c.logger.Error("consistency: post-repair rebalance trigger failed", "error", err)
		}
	}
	return defects, nil
}

// resolveOrphans releases assignments whose owning instance no longer
// exists or is REMOVED (spec.md §4.7 "Orphan assignment").
func (c *Checker) resolveOrphans(ctx context.Context) ([]Defect, error) {
	orphans, err := c.assignments.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	byInstance := make(map[string][]int64)
	for _, a := range orphans {
		byInstance[a.InstanceID] = append(byInstance[a.InstanceID], a.StreamID)
	}
	var defects []Defect
	for instanceID, streamIDs := range byInstance {
		if _, err := c.assignments.Release(ctx, streamIDs, instanceID); err != nil {
			return defects, err
		}
		defects = append(defects, Defect{Kind: DefectOrphanAssignment, AffectedIDs: streamIDs, Action: "released, returned to catalog"})
		if c.metrics != nil {
			c.metrics.DefectsResolved.WithLabelValues(string(DefectOrphanAssignment)).Inc()
		}
	}
	return defects, nil
}

// resolveDuplicates keeps the copy owned by the most-recently-active
// ACTIVE instance and releases the rest; if no candidate is ACTIVE, it
// releases everything for the stream (spec.md §4.7 "Duplicate
// assignment").
func (c *Checker) resolveDuplicates(ctx context.Context) ([]Defect, error) {
	groups, err := c.assignments.ListDuplicates(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}

	instances, err := c.instances.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	instanceByID := make(map[string]*model.Instance, len(instances))
	for _, inst := range instances {
		instanceByID[inst.ID] = inst
	}

	var defects []Defect
	for _, g := range groups {
		winner, toRelease := pickDuplicateWinner(g, instanceByID)
		for _, row := range toRelease {
			if _, err := c.assignments.Release(ctx, []int64{row.StreamID}, row.InstanceID); err != nil {
				return defects, err
			}
		}
		action := "released duplicates, kept active owner"
		if winner == "" {
			action = "no active owner, released all, returned to catalog"
		}
		defects = append(defects, Defect{Kind: DefectDuplicateAssignment, AffectedIDs: []int64{g.StreamID}, Action: action})
		if c.metrics != nil {
			c.metrics.DefectsResolved.WithLabelValues(string(DefectDuplicateAssignment)).Inc()
		}
	}
	return defects, nil
}

// pickDuplicateWinner returns the instance id to keep ownership (empty
// if none qualifies) and the rows to release.
func pickDuplicateWinner(g store.DuplicateGroup, instanceByID map[string]*model.Instance) (string, []*model.StreamAssignment) {
	var winner *model.StreamAssignment
	var winnerHeartbeat time.Time
	for _, row := range g.Rows {
		inst, ok := instanceByID[row.InstanceID]
		if !ok || inst.Status != model.InstanceActive {
			continue
		}
		if winner == nil || inst.LastHeartbeat.After(winnerHeartbeat) {
			winner = row
			winnerHeartbeat = inst.LastHeartbeat
		}
	}
	if winner == nil {
		return "", g.Rows
	}
	var toRelease []*model.StreamAssignment
	for _, row := range g.Rows {
		if row != winner {
			toRelease = append(toRelease, row)
		}
	}
	return winner.InstanceID, toRelease
}

// resolveCapacityOverflow releases the most-recently-assigned excess
// streams on any instance whose owned count exceeds capacity_max
// (spec.md §4.7 "Capacity overflow").
func (c *Checker) resolveCapacityOverflow(ctx context.Context) ([]Defect, error) {
	instances, err := c.instances.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var defects []Defect
	for _, inst := range instances {
		owned, err := c.assignments.ListByInstance(ctx, inst.ID)
		if err != nil {
			return defects, err
		}
		excess := len(owned) - inst.CapacityMax
		if excess <= 0 {
			continue
		}

		sort.SliceStable(owned, func(i, j int) bool { return owned[i].AssignedAt.After(owned[j].AssignedAt) })
		toRelease := make([]int64, 0, excess)
		for _, a := range owned[:excess] {
			toRelease = append(toRelease, a.StreamID)
		}
		if _, err := c.assignments.Release(ctx, toRelease, inst.ID); err != nil {
			return defects, err
		}
		defects = append(defects, Defect{Kind: DefectCapacityOverflow, AffectedIDs: toRelease, Action: "released excess, returned to catalog"})
		if c.metrics != nil {
			c.metrics.DefectsResolved.WithLabelValues(string(DefectCapacityOverflow)).Inc()
		}
	}
	return defects, nil
}

// resolveMissingAssignments reports streams in the active catalog that
// have no owner; resolution is deferred to the next balancer plan
// (spec.md §4.7 "Missing assignment").
func (c *Checker) resolveMissingAssignments(ctx context.Context) (*Defect, error) {
	if c.catalog == nil {
		return nil, nil
	}
	catalog, err := c.catalog.ActiveStreams(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.assignments.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	owned := make(map[int64]bool, len(active))
	for _, a := range active {
		owned[a.StreamID] = true
	}

	var missing []int64
	for _, sid := range catalog {
		if !owned[sid] {
			missing = append(missing, sid)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return &Defect{Kind: DefectMissingAssignment, AffectedIDs: missing, Action: "queued for next balancer plan"}, nil
}
