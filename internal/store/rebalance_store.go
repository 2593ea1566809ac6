package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/model"
)

// RebalanceEventStore persists RebalanceEvent audit rows (spec.md §3):
// append-only, written by the Balancer when a plan begins and updated
// once when it concludes.
type RebalanceEventStore struct {
	gk     *gatekeeper.Gatekeeper
	logger *slog.Logger
}

// NewRebalanceEventStore creates a RebalanceEventStore backed by gk.
func NewRebalanceEventStore(gk *gatekeeper.Gatekeeper, logger *slog.Logger) *RebalanceEventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RebalanceEventStore{gk: gk, logger: logger}
}

// Begin records a new in-progress rebalance event and returns its id.
func (s *RebalanceEventStore) Begin(ctx context.Context, reason model.RebalanceReason) (string, error) {
	id := uuid.New().String()
	now := time.Now()
	err := s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rebalance_events (id, started_at, completed_at, reason, plan_summary_json, outcome)
			VALUES ($1, $2, NULL, $3, '{}', $4)
		`, id, now, string(reason), string(model.OutcomePending))
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Complete finalizes a rebalance event with its plan summary and outcome.
func (s *RebalanceEventStore) Complete(ctx context.Context, id string, planSummary map[string]int, outcome model.RebalanceOutcome) error {
	summaryJSON, err := json.Marshal(planSummary)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.gk.RunWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE rebalance_events SET completed_at = $2, plan_summary_json = $3, outcome = $4
			WHERE id = $1
		`, id, now, summaryJSON, string(outcome))
		return err
	})
}

// ListRecent returns the most recent rebalance events, newest first,
// for the diagnostics API.
func (s *RebalanceEventStore) ListRecent(ctx context.Context, limit int) ([]*model.RebalanceEvent, error) {
	var events []*model.RebalanceEvent
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, started_at, completed_at, reason, plan_summary_json, outcome
			FROM rebalance_events ORDER BY started_at DESC LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id          string
				startedAt   time.Time
				completedAt *time.Time
				reason      string
				summaryJSON []byte
				outcome     string
			)
			if err := rows.Scan(&id, &startedAt, &completedAt, &reason, &summaryJSON, &outcome); err != nil {
				return err
			}
			var summary map[string]int
			if len(summaryJSON) > 0 {
				if err := json.Unmarshal(summaryJSON, &summary); err != nil {
					return err
				}
			}
			events = append(events, &model.RebalanceEvent{
				ID:          id,
				StartedAt:   startedAt,
				CompletedAt: completedAt,
				Reason:      model.RebalanceReason(reason),
				PlanSummary: summary,
				Outcome:     model.RebalanceOutcome(outcome),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
