package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/orchestrator/internal/apierr"
	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/model"
)

// InstanceStore persists Instance rows. The Instance Registry
// (internal/registry) is its only writer.
type InstanceStore struct {
	gk     *gatekeeper.Gatekeeper
	logger *slog.Logger
}

// NewInstanceStore creates an InstanceStore backed by gk.
func NewInstanceStore(gk *gatekeeper.Gatekeeper, logger *slog.Logger) *InstanceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceStore{gk: gk, logger: logger}
}

// Upsert inserts a new instance or, if id already exists, updates it
// in place (used by register's Reattached path, which resets
// failure_count but preserves registered_at).
func (s *InstanceStore) Upsert(ctx context.Context, inst *model.Instance) error {
	if err := inst.Validate(); err != nil {
		return apierr.Validation(err.Error())
	}
	md, err := encodeMetadata(inst.Metadata)
	if err != nil {
		return apierr.Validation("invalid metadata: " + err.Error())
	}

	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO instances (id, address, capacity_max, status, last_heartbeat,
				registered_at, failure_count, performance_score, consecutive_ok, metadata_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				address = EXCLUDED.address,
				capacity_max = EXCLUDED.capacity_max,
				status = EXCLUDED.status,
				last_heartbeat = EXCLUDED.last_heartbeat,
				failure_count = EXCLUDED.failure_count,
				performance_score = EXCLUDED.performance_score,
				consecutive_ok = EXCLUDED.consecutive_ok,
				metadata_json = EXCLUDED.metadata_json
		`, inst.ID, inst.Address, inst.CapacityMax, string(inst.Status), inst.LastHeartbeat,
			inst.RegisteredAt, inst.FailureCount, inst.PerformanceScore, inst.ConsecutiveOK, md)
		return err
	})
}

// Get fetches a single instance row in a read transaction; the row is
// not locked.
func (s *InstanceStore) Get(ctx context.Context, id string) (*model.Instance, error) {
	var row instanceRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, address, capacity_max, status, last_heartbeat, registered_at,
				failure_count, performance_score, consecutive_ok, metadata_json
			FROM instances WHERE id = $1
		`, id).Scan(&row.ID, &row.Address, &row.CapacityMax, &row.Status, &row.LastHeartbeat,
			&row.RegisteredAt, &row.FailureCount, &row.PerformanceScore, &row.ConsecutiveOK, &row.MetadataJSON)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.KindInvariant, apierr.CodeUnknownInstance, "unknown instance: "+id)
		}
		return nil, err
	}
	return row.toModel()
}

// UpdateHeartbeat updates last_heartbeat, performance_score, status, and
// failure_count/consecutive_ok in one statement, guarded by a WHERE
// clause enforcing heartbeat monotonicity (spec.md §4.8 "heartbeat by
// timestamp monotonicity"). Returns apierr.CodeStaleHeartbeat if ts is
// not after the stored last_heartbeat.
func (s *InstanceStore) UpdateHeartbeat(ctx context.Context, id string, ts time.Time, status model.InstanceStatus, perfScore float64, failureCount, consecutiveOK int) error {
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE instances
			SET last_heartbeat = $2, status = $3, performance_score = $4,
				failure_count = $5, consecutive_ok = $6
			WHERE id = $1 AND last_heartbeat < $2
		`, id, ts, string(status), perfScore, failureCount, consecutiveOK)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apierr.New(apierr.KindInvariant, apierr.CodeStaleHeartbeat, "heartbeat is not newer than last recorded heartbeat")
		}
		return nil
	})
}

// UpdatePerformanceScore writes performance_score alone, with no
// heartbeat-monotonicity guard: update_stream reports (spec.md §4.8)
// arrive between heartbeats and must not be dropped by one.
func (s *InstanceStore) UpdatePerformanceScore(ctx context.Context, id string, score float64) error {
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE instances SET performance_score = $2 WHERE id = $1`, id, score)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apierr.New(apierr.KindInvariant, apierr.CodeUnknownInstance, "unknown instance: "+id)
		}
		return nil
	})
}

// SetStatus writes a bare state-machine transition (used for
// silence-driven transitions like WARNING/INACTIVE that don't carry a
// fresh heartbeat).
func (s *InstanceStore) SetStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE instances SET status = $2 WHERE id = $1`, id, string(status))
		return err
	})
}

// ListActive returns instances eligible to receive work: ACTIVE or
// RECOVERING (spec.md §4.2 list_active).
func (s *InstanceStore) ListActive(ctx context.Context) ([]*model.Instance, error) {
	return s.listByStatus(ctx, string(model.InstanceActive), string(model.InstanceRecovering))
}

// ListAll returns every non-REMOVED instance, used by the Failure
// Detector's scan and the Consistency Checker.
func (s *InstanceStore) ListAll(ctx context.Context) ([]*model.Instance, error) {
	var rows []instanceRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT id, address, capacity_max, status, last_heartbeat, registered_at,
				failure_count, performance_score, consecutive_ok, metadata_json
			FROM instances WHERE status != $1 ORDER BY id ASC
		`, string(model.InstanceRemoved))
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row instanceRow
			if err := pgRows.Scan(&row.ID, &row.Address, &row.CapacityMax, &row.Status, &row.LastHeartbeat,
				&row.RegisteredAt, &row.FailureCount, &row.PerformanceScore, &row.ConsecutiveOK, &row.MetadataJSON); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toInstanceModels(rows)
}

func (s *InstanceStore) listByStatus(ctx context.Context, statuses ...string) ([]*model.Instance, error) {
	var rows []instanceRow
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		pgRows, err := tx.Query(ctx, `
			SELECT id, address, capacity_max, status, last_heartbeat, registered_at,
				failure_count, performance_score, consecutive_ok, metadata_json
			FROM instances WHERE status = ANY($1) ORDER BY id ASC
		`, statuses)
		if err != nil {
			return err
		}
		defer pgRows.Close()
		for pgRows.Next() {
			var row instanceRow
			if err := pgRows.Scan(&row.ID, &row.Address, &row.CapacityMax, &row.Status, &row.LastHeartbeat,
				&row.RegisteredAt, &row.FailureCount, &row.PerformanceScore, &row.ConsecutiveOK, &row.MetadataJSON); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return pgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return toInstanceModels(rows)
}

// Remove marks an instance REMOVED (operator action or REMOVAL_TIMEOUT
// expiry, spec.md §4.3). It does not delete the row: history is kept
// for audit.
func (s *InstanceStore) Remove(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, model.InstanceRemoved)
}

func toInstanceModels(rows []instanceRow) ([]*model.Instance, error) {
	out := make([]*model.Instance, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
