// Package assignment is the orchestration layer over internal/store's
// AssignmentStore: it adds the coordination internal/store cannot do
// with SQL alone (two-phase migration timeout handling, pending-move
// command derivation for the Orchestration API) while leaving the
// single-owner and capacity invariants enforced where they already are,
// at the row level (spec.md §4.4).
package assignment

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// Config holds the Assignment Store's tunables.
type Config struct {
	MigrationTimeout time.Duration
}

// Service wraps a store.AssignmentStore with metrics and the
// migration-timeout policy of spec.md §4.4.
type Service struct {
	store   *store.AssignmentStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.AssignmentMetrics
}

// New creates a Service backed by assignmentStore.
func New(assignmentStore *store.AssignmentStore, cfg Config, logger *slog.Logger, m *metrics.AssignmentMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MigrationTimeout <= 0 {
		cfg.MigrationTimeout = 2 * time.Minute
	}
	return &Service{store: assignmentStore, cfg: cfg, logger: logger, metrics: m}
}

// Assign creates or reassigns streamIDs to instanceID. See
// store.AssignmentStore.Assign for the atomicity and invariant
// contract.
func (s *Service) Assign(ctx context.Context, streamIDs []int64, instanceID string) error {
	if err := s.store.Assign(ctx, streamIDs, instanceID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AssignedTotal.Add(float64(len(streamIDs)))
	}
	s.logger.Info("streams assigned", "instance_id", instanceID, "count", len(streamIDs))
	return nil
}

// Release moves owned streamIDs to RELEASED, reporting per-row outcomes.
func (s *Service) Release(ctx context.Context, streamIDs []int64, instanceID string) ([]store.AssignOutcome, error) {
	outcomes, err := s.store.Release(ctx, streamIDs, instanceID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		for _, o := range outcomes {
			if o.OK {
				s.metrics.ReleasedTotal.Inc()
			}
		}
	}
	return outcomes, nil
}

// BeginMigration starts phase 1 of a two-phase migration: the affected
// rows move to MIGRATING with migration_target = targetID. Phase 2
// (CommitMigration) is invoked by the caller once the source confirms
// release. SweepStuckMigrations does not commit: it reverts the rows it
// finds still MIGRATING to their source.
func (s *Service) BeginMigration(ctx context.Context, streamIDs []int64, sourceID, targetID string) error {
	if err := s.store.MigrateBegin(ctx, streamIDs, sourceID, targetID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MigrationsStarted.Add(float64(len(streamIDs)))
	}
	return nil
}

// CommitMigration completes phase 2: ownership moves to targetID.
func (s *Service) CommitMigration(ctx context.Context, streamIDs []int64, targetID string) error {
	if err := s.store.MigrateCommit(ctx, streamIDs, targetID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MigrationsCommitted.Add(float64(len(streamIDs)))
	}
	return nil
}

// RevertMigration aborts a migration, restoring ownership to sourceID.
func (s *Service) RevertMigration(ctx context.Context, streamIDs []int64, sourceID string) error {
	if err := s.store.MigrateRevert(ctx, streamIDs, sourceID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MigrationsReverted.Add(float64(len(streamIDs)))
	}
	return nil
}

// SweepStuckMigrations reverts to its source every MIGRATING row that
// store.ListStuckMigrations reports for the MIGRATION_TIMEOUT cutoff
// (spec.md §4.7 "stuck migration"). It does not probe the source or the
// target and never commits a stuck row to its target, so committed is
// always 0; reverted is the number of rows reverted.
func (s *Service) SweepStuckMigrations(ctx context.Context) (committed, reverted int, err error) {
	cutoff := time.Now().Add(-s.cfg.MigrationTimeout)
	stuck, err := s.store.ListStuckMigrations(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if len(stuck) == 0 {
		return 0, 0, nil
	}

	bySourceTarget := groupStuckByRoute(stuck)
	for route, ids := range bySourceTarget {
		// A target can only "confirm ownership" once the migration has
		// actually committed, which store.MigrateCommit already does
		// atomically; by construction a row still MIGRATING past the
		// cutoff never received that commit, so stuck migrations always
		// revert rather than late-commit.
		if err := s.store.MigrateRevert(ctx, ids, route.source); err != nil {
			return committed, reverted, err
		}
		reverted += len(ids)
		s.logger.Warn("migration timed out, reverted to source",
			"source", route.source, "target", route.target, "streams", len(ids))
	}
	if s.metrics != nil && reverted > 0 {
		s.metrics.MigrationsReverted.Add(float64(reverted))
	}
	return committed, reverted, nil
}

type migrationRoute struct {
	source, target string
}

func groupStuckByRoute(rows []*model.StreamAssignment) map[migrationRoute][]int64 {
	groups := make(map[migrationRoute][]int64)
	for _, r := range rows {
		route := migrationRoute{source: r.InstanceID, target: r.MigrationTarget}
		groups[route] = append(groups[route], r.StreamID)
	}
	return groups
}

// PendingCommand is a single server-to-worker instruction returned in
// the heartbeat response (spec.md §4.8: "commands[] reflecting pending
// migrations"); the register response carries none.
type PendingCommand struct {
	Action   string // "add_stream" | "remove_stream"
	StreamID int64
}

// PendingCommands derives the commands a heartbeat response should
// carry for instanceID: MIGRATING rows where instanceID is the source
// become remove_stream, MIGRATING rows where instanceID is the target
// become add_stream.
func (s *Service) PendingCommands(ctx context.Context, instanceID string) ([]PendingCommand, error) {
	owned, err := s.store.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var cmds []PendingCommand
	for _, a := range owned {
		if a.Status == model.AssignmentMigrating && a.MigrationTarget != "" {
			cmds = append(cmds, PendingCommand{Action: "remove_stream", StreamID: a.StreamID})
		}
	}

	incoming, err := s.store.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range incoming {
		if a.Status == model.AssignmentMigrating && a.MigrationTarget == instanceID {
			cmds = append(cmds, PendingCommand{Action: "add_stream", StreamID: a.StreamID})
		}
	}
	return cmds, nil
}

// ListByInstance returns every non-RELEASED assignment owned by instanceID.
func (s *Service) ListByInstance(ctx context.Context, instanceID string) ([]*model.StreamAssignment, error) {
	return s.store.ListByInstance(ctx, instanceID)
}

// ListAllActive returns every non-RELEASED assignment, for balancer snapshots.
func (s *Service) ListAllActive(ctx context.Context) ([]*model.StreamAssignment, error) {
	active, err := s.store.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TotalAssigned.Set(float64(len(active)))
	}
	return active, nil
}

// UnassignedCatalogStreams returns the subset of catalogIDs with no
// active (ASSIGNED or MIGRATING) assignment row, in catalogIDs order.
// Used by register's initial assignment and request_assignment (spec.md
// §4.8) to find streams the balancer hasn't covered yet.
func (s *Service) UnassignedCatalogStreams(ctx context.Context, catalogIDs []int64) ([]int64, error) {
	active, err := s.store.ListAllActive(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[int64]bool, len(active))
	for _, a := range active {
		held[a.StreamID] = true
	}
	var unassigned []int64
	for _, id := range catalogIDs {
		if !held[id] {
			unassigned = append(unassigned, id)
		}
	}
	return unassigned, nil
}

// ListOrphans and ListDuplicates surface the store's diagnostic reads
// directly, updating the matching gauges for observability.
func (s *Service) ListOrphans(ctx context.Context) ([]*model.StreamAssignment, error) {
	orphans, err := s.store.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrphansFound.Set(float64(len(orphans)))
	}
	return orphans, nil
}

func (s *Service) ListDuplicates(ctx context.Context) ([]store.DuplicateGroup, error) {
	dups, err := s.store.ListDuplicates(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.DuplicatesFound.Set(float64(len(dups)))
	}
	return dups, nil
}
