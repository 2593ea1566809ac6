package store

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/orchestrator/internal/apierr"
	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/model"
)

// AssignmentStore persists StreamAssignment rows and enforces the
// single-owner and capacity invariants at the row level (spec.md §4.4).
// The locking order here — instances first, then assignment rows in
// ascending stream_id order — matches spec.md §5.
type AssignmentStore struct {
	gk     *gatekeeper.Gatekeeper
	logger *slog.Logger
}

// NewAssignmentStore creates an AssignmentStore backed by gk.
func NewAssignmentStore(gk *gatekeeper.Gatekeeper, logger *slog.Logger) *AssignmentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentStore{gk: gk, logger: logger}
}

// AssignOutcome reports, per-stream, whether an assign/release call
// succeeded, and if not, why.
type AssignOutcome struct {
	StreamID int64
	OK       bool
	Reason   string
}

// Assign creates or reassigns streamIDs to instanceID atomically: either
// the whole batch lands or none of it does. Fails with CapacityExceeded
// if the instance would exceed capacity_max; fails with AlreadyAssigned
// if any stream currently has a non-RELEASED assignment to a different
// instance.
func (s *AssignmentStore) Assign(ctx context.Context, streamIDs []int64, instanceID string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	sorted := sortedCopy(streamIDs)

	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var capacityMax int
		if err := tx.QueryRow(ctx, `SELECT capacity_max FROM instances WHERE id = $1 FOR UPDATE`, instanceID).Scan(&capacityMax); err != nil {
			if err == pgx.ErrNoRows {
				return apierr.New(apierr.KindInvariant, apierr.CodeUnknownInstance, "unknown instance: "+instanceID)
			}
			return err
		}

		var currentLoad int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM assignments WHERE instance_id = $1 AND status != 'RELEASED'
		`, instanceID).Scan(&currentLoad); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT stream_id, instance_id FROM assignments
			WHERE stream_id = ANY($1) AND status != 'RELEASED' AND instance_id != $2
			ORDER BY stream_id ASC FOR UPDATE
		`, sorted, instanceID)
		if err != nil {
			return err
		}
		var conflicts []int64
		for rows.Next() {
			var sid int64
			var owner string
			if err := rows.Scan(&sid, &owner); err != nil {
				rows.Close()
				return err
			}
			conflicts = append(conflicts, sid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return apierr.New(apierr.KindInvariant, apierr.CodeAlreadyAssigned, "streams already assigned to another instance")
		}

		var alreadyOwned int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM assignments WHERE stream_id = ANY($1) AND instance_id = $2 AND status != 'RELEASED'
		`, sorted, instanceID).Scan(&alreadyOwned); err != nil {
			return err
		}
		newCount := len(sorted) - alreadyOwned
		if currentLoad+newCount > capacityMax {
			return apierr.New(apierr.KindInvariant, apierr.CodeCapacityExceeded, "assignment would exceed instance capacity")
		}

		now := time.Now()
		for _, sid := range sorted {
			if _, err := tx.Exec(ctx, `
				INSERT INTO assignments (stream_id, instance_id, status, assigned_at, migration_target)
				VALUES ($1, $2, 'ASSIGNED', $3, '')
				ON CONFLICT (stream_id) DO UPDATE SET
					instance_id = EXCLUDED.instance_id, status = 'ASSIGNED',
					assigned_at = EXCLUDED.assigned_at, migration_target = ''
			`, sid, instanceID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Release moves streamIDs owned by instanceID to RELEASED. Streams not
// currently owned by instanceID are reported as ignored, not an error
// (spec.md §4.4).
func (s *AssignmentStore) Release(ctx context.Context, streamIDs []int64, instanceID string) ([]AssignOutcome, error) {
	if len(streamIDs) == 0 {
		return nil, nil
	}
	sorted := sortedCopy(streamIDs)
	outcomes := make([]AssignOutcome, 0, len(sorted))

	err := s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		outcomes = outcomes[:0]
		for _, sid := range sorted {
			tag, err := tx.Exec(ctx, `
				UPDATE assignments SET status = 'RELEASED', migration_target = ''
				WHERE stream_id = $1 AND instance_id = $2 AND status != 'RELEASED'
			`, sid, instanceID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				outcomes = append(outcomes, AssignOutcome{StreamID: sid, OK: true})
			} else {
				outcomes = append(outcomes, AssignOutcome{StreamID: sid, OK: false, Reason: "not owned by caller"})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// MigrateBegin marks streamIDs MIGRATING with migration_target = targetID
// (phase 1 of spec.md §4.4's two-phase migrate). Only rows currently
// ASSIGNED to sourceID are affected.
func (s *AssignmentStore) MigrateBegin(ctx context.Context, streamIDs []int64, sourceID, targetID string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	sorted := sortedCopy(streamIDs)

	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE assignments SET status = 'MIGRATING', migration_target = $3
			WHERE stream_id = ANY($1) AND instance_id = $2 AND status = 'ASSIGNED'
		`, sorted, sourceID, targetID)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != len(sorted) {
			return apierr.New(apierr.KindInvariant, apierr.CodeAlreadyAssigned, "not all streams are currently ASSIGNED to source")
		}
		return nil
	})
}

// MigrateCommit completes phase 2: ownership moves to the migration
// target.
func (s *AssignmentStore) MigrateCommit(ctx context.Context, streamIDs []int64, targetID string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	sorted := sortedCopy(streamIDs)
	now := time.Now()
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE assignments SET instance_id = $2, status = 'ASSIGNED', assigned_at = $3, migration_target = ''
			WHERE stream_id = ANY($1) AND status = 'MIGRATING' AND migration_target = $2
		`, sorted, targetID, now)
		return err
	})
}

// MigrateRevert aborts a stuck migration, restoring ownership to the
// original (pre-migration) instance.
func (s *AssignmentStore) MigrateRevert(ctx context.Context, streamIDs []int64, sourceID string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	sorted := sortedCopy(streamIDs)
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE assignments SET status = 'ASSIGNED', migration_target = ''
			WHERE stream_id = ANY($1) AND instance_id = $2 AND status = 'MIGRATING'
		`, sorted, sourceID)
		return err
	})
}

// ListByInstance returns every non-RELEASED assignment owned by instanceID.
func (s *AssignmentStore) ListByInstance(ctx context.Context, instanceID string) ([]*model.StreamAssignment, error) {
	var rows []assignmentRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT stream_id, instance_id, status, assigned_at, migration_target
			FROM assignments WHERE instance_id = $1 AND status != 'RELEASED' ORDER BY stream_id ASC
		`, instanceID)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row assignmentRow
			if err := pgRows.Scan(&row.StreamID, &row.InstanceID, &row.Status, &row.AssignedAt, &row.MigrationTarget); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toAssignmentModels(rows), nil
}

// ListAllActive returns every non-RELEASED assignment, for balancer snapshots.
func (s *AssignmentStore) ListAllActive(ctx context.Context) ([]*model.StreamAssignment, error) {
	var rows []assignmentRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT stream_id, instance_id, status, assigned_at, migration_target
			FROM assignments WHERE status != 'RELEASED' ORDER BY stream_id ASC
		`)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row assignmentRow
			if err := pgRows.Scan(&row.StreamID, &row.InstanceID, &row.Status, &row.AssignedAt, &row.MigrationTarget); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toAssignmentModels(rows), nil
}

// ListOrphans returns assignments whose instance_id references a
// REMOVED or missing instance (spec.md §4.4, §4.7 "orphan assignment").
func (s *AssignmentStore) ListOrphans(ctx context.Context) ([]*model.StreamAssignment, error) {
	var rows []assignmentRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT a.stream_id, a.instance_id, a.status, a.assigned_at, a.migration_target
			FROM assignments a
			LEFT JOIN instances i ON i.id = a.instance_id
			WHERE a.status != 'RELEASED' AND (i.id IS NULL OR i.status = 'REMOVED')
			ORDER BY a.stream_id ASC
		`)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row assignmentRow
			if err := pgRows.Scan(&row.StreamID, &row.InstanceID, &row.Status, &row.AssignedAt, &row.MigrationTarget); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toAssignmentModels(rows), nil
}

// DuplicateGroup is a set of non-RELEASED assignment rows sharing one
// stream_id — a violation of the single-owner invariant.
type DuplicateGroup struct {
	StreamID int64
	Rows     []*model.StreamAssignment
}

// ListDuplicates returns streams currently held by more than one
// non-RELEASED assignment (spec.md §4.7 "duplicate assignment"). With
// stream_id as the assignments table's primary key (migrations/
// 00002_assignments.sql) the table holds at most one row per stream, so
// against that schema this query returns no groups.
func (s *AssignmentStore) ListDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	var rows []assignmentRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT stream_id, instance_id, status, assigned_at, migration_target
			FROM assignments
			WHERE status != 'RELEASED' AND stream_id IN (
				SELECT stream_id FROM assignments WHERE status != 'RELEASED'
				GROUP BY stream_id HAVING count(*) > 1
			)
			ORDER BY stream_id ASC, assigned_at ASC
		`)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row assignmentRow
			if err := pgRows.Scan(&row.StreamID, &row.InstanceID, &row.Status, &row.AssignedAt, &row.MigrationTarget); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}

	groups := make(map[int64]*DuplicateGroup)
	var order []int64
	for _, r := range rows {
		g, ok := groups[r.StreamID]
		if !ok {
			g = &DuplicateGroup{StreamID: r.StreamID}
			groups[r.StreamID] = g
			order = append(order, r.StreamID)
		}
		g.Rows = append(g.Rows, r.toModel())
	}
	out := make([]DuplicateGroup, 0, len(order))
	for _, sid := range order {
		out = append(out, *groups[sid])
	}
	return out, nil
}

// ListStuckMigrations returns rows in MIGRATING status whose assigned_at
// is older than cutoff (spec.md §4.7 "stuck migration").
func (s *AssignmentStore) ListStuckMigrations(ctx context.Context, cutoff time.Time) ([]*model.StreamAssignment, error) {
	var rows []assignmentRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT stream_id, instance_id, status, assigned_at, migration_target
			FROM assignments WHERE status = 'MIGRATING' AND assigned_at < $1
			ORDER BY stream_id ASC
		`, cutoff)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row assignmentRow
			if err := pgRows.Scan(&row.StreamID, &row.InstanceID, &row.Status, &row.AssignedAt, &row.MigrationTarget); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toAssignmentModels(rows), nil
}

func sortedCopy(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toAssignmentModels(rows []assignmentRow) []*model.StreamAssignment {
	out := make([]*model.StreamAssignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
