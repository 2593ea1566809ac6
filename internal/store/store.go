// Package store is the persistence layer (spec.md §2, §6): three
// repositories — InstanceStore, AssignmentStore, RebalanceEventStore —
// each issuing SQL through the Gatekeeper so every statement inherits
// its bounded pool, retry, and breaker behavior. Grounded on the
// teacher's repository shape (internal/infrastructure/silencing,
// internal/infrastructure/repository): a struct wrapping a pool handle
// plus structured logging and per-operation metrics, context-aware
// throughout.
package store

import (
	"time"

	"github.com/streamforge/orchestrator/internal/model"
)

// Multi-row transactions in this package always lock instances before
// assignments, and rows within each table in ascending id order
// (spec.md §5), to give every caller the same deadlock-free acquisition
// order.

// instanceRow and assignmentRow mirror the column layout of spec.md §6's
// "Persisted state layout" tables; they exist so Scan destinations don't
// leak pgx types into internal/model.
type instanceRow struct {
	ID               string
	Address          string
	CapacityMax      int
	Status           string
	LastHeartbeat    time.Time
	RegisteredAt     time.Time
	FailureCount     int
	PerformanceScore float64
	ConsecutiveOK    int
	MetadataJSON     []byte
}

func (r instanceRow) toModel() (*model.Instance, error) {
	md, err := decodeMetadata(r.MetadataJSON)
	if err != nil {
		return nil, err
	}
	return &model.Instance{
		ID:               r.ID,
		Address:          r.Address,
		CapacityMax:      r.CapacityMax,
		Status:           model.InstanceStatus(r.Status),
		LastHeartbeat:    r.LastHeartbeat,
		RegisteredAt:     r.RegisteredAt,
		FailureCount:     r.FailureCount,
		PerformanceScore: r.PerformanceScore,
		ConsecutiveOK:    r.ConsecutiveOK,
		Metadata:         md,
	}, nil
}

type assignmentRow struct {
	StreamID        int64
	InstanceID      string
	Status          string
	AssignedAt      time.Time
	MigrationTarget string
}

func (r assignmentRow) toModel() *model.StreamAssignment {
	return &model.StreamAssignment{
		StreamID:        r.StreamID,
		InstanceID:      r.InstanceID,
		Status:          model.AssignmentStatus(r.Status),
		AssignedAt:      r.AssignedAt,
		MigrationTarget: r.MigrationTarget,
	}
}
