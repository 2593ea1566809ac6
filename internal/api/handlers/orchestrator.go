// Package handlers implements the orchestrator's HTTP surface (spec.md
// §4.8): instance registration and heartbeats, assignment queries,
// release/migration-commit, the operator rebalance and force-recovery
// endpoints, and the health/ready/diagnostics endpoints. Each handler
// follows the teacher's cmd/server/handlers shape — a struct holding
// its dependencies plus small request/response DTOs with validator
// tags, methods bound to the struct rather than free functions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamforge/orchestrator/internal/apierr"
	"github.com/streamforge/orchestrator/internal/api/middleware"
	"github.com/streamforge/orchestrator/internal/assignment"
	"github.com/streamforge/orchestrator/internal/catalog"
	"github.com/streamforge/orchestrator/internal/consistency"
	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/idempotency"
	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/registry"
)

// Rebalancer is the subset of internal/tasks.Runner the operator
// endpoint drives directly.
type Rebalancer interface {
	ForceRebalance(ctx context.Context) (int, error)
}

// Recoverer is the subset of internal/detector.Detector the
// force-recovery endpoint drives directly.
type Recoverer interface {
	EmergencyRecover(ctx context.Context, instanceID string) error
}

// Handlers holds every dependency the orchestrator's endpoints need.
type Handlers struct {
	Registry    *registry.Registry
	Assignments *assignment.Service
	Checker     *consistency.Checker
	Rebalancer  Rebalancer
	Recoverer   Recoverer
	Catalog     *catalog.Mirror
	Gatekeeper  *gatekeeper.Gatekeeper
	Idempotency *idempotency.Store
	Logger      *slog.Logger
	Ready       func() bool

	// HeartbeatIntervalS is the cadence advertised to a newly registered
	// instance (spec.md §6 "heartbeat_interval_s | 30 | Worker-side
	// cadence advertised on register").
	HeartbeatIntervalS int
}

// New creates a Handlers bundle. logger defaults to slog.Default if nil.
func New(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{Logger: logger}
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierr.WriteHTTP(w, requestID(r), err)
}

func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Validation("malformed request body: " + err.Error())
	}
	if err := middleware.ValidateStruct(dst); err != nil {
		return apierr.Validation(err.Error())
	}
	return nil
}

// withIdempotency wraps a mutating handler body with the Idempotency-Key
// cache (spec.md §6 "repeats within 5 minutes return the original
// outcome"). If no store is configured or no header is present, body
// runs unconditionally.
func (h *Handlers) withIdempotency(w http.ResponseWriter, r *http.Request, body func() (int, interface{}, error)) {
	key := r.Header.Get("Idempotency-Key")
	if h.Idempotency == nil || key == "" {
		status, payload, err := body()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, payload)
		return
	}

	reserved, rec, err := h.Idempotency.Begin(r.Context(), key)
	if errors.Is(err, idempotency.ErrInFlight) {
		writeError(w, r, apierr.New(apierr.KindInvariant, apierr.CodeAlreadyAssigned, "request already in flight"))
		return
	}
	if err != nil {
		writeError(w, r, apierr.Transient("idempotency store unavailable", err))
		return
	}
	if !reserved && rec != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotency-Replayed", "true")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	status, payload, bodyErr := body()
	if bodyErr != nil {
		if abortErr := h.Idempotency.Abandon(r.Context(), key); abortErr != nil {
			h.Logger.Warn("idempotency: abandon failed", "key", key, "error", abortErr)
		}
		writeError(w, r, bodyErr)
		return
	}

	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		h.Logger.Error("idempotency: failed to marshal response for caching", "error", marshalErr)
	} else if completeErr := h.Idempotency.Complete(r.Context(), key, idempotency.Record{StatusCode: status, Body: raw}); completeErr != nil {
		h.Logger.Warn("idempotency: complete failed", "key", key, "error", completeErr)
	}
	writeJSON(w, status, payload)
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	InstanceID  string            `json:"instance_id" validate:"required"`
	CapacityMax int               `json:"capacity_max" validate:"required,gt=0"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse is the response of POST /register (spec.md §4.8:
// "{ heartbeat_interval, initial_assignment: [...] }"): the instance
// id, the register outcome, heartbeat_interval_s and the initial
// assignment. It carries no commands[] list.
type RegisterResponse struct {
	InstanceID         string                   `json:"instance_id"`
	Outcome            registry.RegisterOutcome `json:"outcome"`
	HeartbeatIntervalS int                      `json:"heartbeat_interval_s"`
	InitialAssignment  []int64                  `json:"initial_assignment"`
}

// Register handles POST /register (spec.md §4.2, §4.8). A brand-new
// instance (outcome REGISTERED, not REATTACHED) is handed an initial
// assignment of catalog streams nobody currently owns, up to its
// capacity_max, so a fresh fleet starts receiving work on its first
// register call rather than waiting for the next balancer tick.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func() (int, interface{}, error) {
		var req RegisterRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return 0, nil, err
		}
		outcome, err := h.Registry.Register(r.Context(), req.InstanceID, req.CapacityMax, req.Metadata)
		if err != nil {
			return 0, nil, err
		}
		status := http.StatusCreated
		if outcome == registry.Reattached {
			status = http.StatusOK
		}

		initial := []int64{}
		if outcome == registry.Registered && h.Catalog != nil {
			catalogIDs, err := h.Catalog.ActiveStreams(r.Context())
			if err != nil {
				return 0, nil, err
			}
			unassigned, err := h.Assignments.UnassignedCatalogStreams(r.Context(), catalogIDs)
			if err != nil {
				return 0, nil, err
			}
			if len(unassigned) > req.CapacityMax {
				unassigned = unassigned[:req.CapacityMax]
			}
			if len(unassigned) > 0 {
				if err := h.Assignments.Assign(r.Context(), unassigned, req.InstanceID); err != nil {
					h.Logger.Warn("register: initial assignment failed", "instance_id", req.InstanceID, "error", err)
				} else {
					initial = unassigned
				}
			}
		}

		return status, RegisterResponse{
			InstanceID:         req.InstanceID,
			Outcome:            outcome,
			HeartbeatIntervalS: h.HeartbeatIntervalS,
			InitialAssignment:  initial,
		}, nil
	})
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	InstanceID        string  `json:"instance_id" validate:"required"`
	Load              int     `json:"load" validate:"gte=0"`
	AvailableCapacity int     `json:"available_capacity" validate:"gte=0"`
	SuccessfulUpdates int     `json:"successful_updates" validate:"gte=0"`
	TotalUpdates      int     `json:"total_updates" validate:"gte=0"`
}

// HeartbeatResponse is the response of POST /heartbeat: the instance's
// resulting status plus any pending add/remove commands (spec.md §4.3
// "piggy-backed commands").
type HeartbeatResponse struct {
	Status   model.InstanceStatus        `json:"status"`
	Commands []assignment.PendingCommand `json:"commands,omitempty"`
}

// Heartbeat handles POST /heartbeat (spec.md §4.3, §4.8).
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func() (int, interface{}, error) {
		var req HeartbeatRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return 0, nil, err
		}
		report := registry.LoadReport{
			Load:              req.Load,
			AvailableCapacity: req.AvailableCapacity,
			SuccessfulUpdates: req.SuccessfulUpdates,
			TotalUpdates:      req.TotalUpdates,
		}
		status, err := h.Registry.RecordHeartbeat(r.Context(), req.InstanceID, time.Now(), report)
		if err != nil {
			return 0, nil, err
		}
		commands, err := h.Assignments.PendingCommands(r.Context(), req.InstanceID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, HeartbeatResponse{Status: status, Commands: commands}, nil
	})
}

// AssignmentDTO is the wire shape of a single stream assignment.
type AssignmentDTO struct {
	StreamID        int64                  `json:"stream_id"`
	InstanceID      string                 `json:"instance_id"`
	Status          model.AssignmentStatus `json:"status"`
	AssignedAt      time.Time              `json:"assigned_at"`
	MigrationTarget string                 `json:"migration_target,omitempty"`
}

func toDTO(a *model.StreamAssignment) AssignmentDTO {
	return AssignmentDTO{
		StreamID:        a.StreamID,
		InstanceID:      a.InstanceID,
		Status:          a.Status,
		AssignedAt:      a.AssignedAt,
		MigrationTarget: a.MigrationTarget,
	}
}

// ListAssignmentsResponse is the response of GET /assignments.
type ListAssignmentsResponse struct {
	Assignments []AssignmentDTO `json:"assignments"`
}

// ListAssignments handles GET /assignments?instance=ID (spec.md §4.8).
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance")
	if instanceID == "" {
		writeError(w, r, apierr.Validation("instance query parameter is required"))
		return
	}
	rows, err := h.Assignments.ListByInstance(r.Context(), instanceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ListAssignmentsResponse{Assignments: make([]AssignmentDTO, 0, len(rows))}
	for _, a := range rows {
		resp.Assignments = append(resp.Assignments, toDTO(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestAssignmentRequest is the body of POST /request_assignment.
type RequestAssignmentRequest struct {
	InstanceID   string `json:"instance_id" validate:"required"`
	DesiredCount int    `json:"desired_count" validate:"required,gt=0"`
}

// RequestAssignmentResponse is the response of POST /request_assignment.
type RequestAssignmentResponse struct {
	StreamIDs []int64 `json:"stream_ids"`
}

// RequestAssignment handles POST /request_assignment (spec.md §4.8:
// "returns up to desired_count streams the balancer has earmarked for
// this instance"). It hands out unowned catalog streams directly,
// capped by both desired_count and the instance's remaining capacity,
// and assigns them on the spot rather than merely describing them.
func (h *Handlers) RequestAssignment(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func() (int, interface{}, error) {
		var req RequestAssignmentRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return 0, nil, err
		}

		inst, err := h.Registry.Get(r.Context(), req.InstanceID)
		if err != nil {
			return 0, nil, err
		}
		owned, err := h.Assignments.ListByInstance(r.Context(), req.InstanceID)
		if err != nil {
			return 0, nil, err
		}
		want := req.DesiredCount
		if spare := inst.CapacityMax - len(owned); spare < want {
			want = spare
		}
		if want <= 0 {
			return http.StatusOK, RequestAssignmentResponse{StreamIDs: []int64{}}, nil
		}

		catalogIDs, err := h.Catalog.ActiveStreams(r.Context())
		if err != nil {
			return 0, nil, err
		}
		unassigned, err := h.Assignments.UnassignedCatalogStreams(r.Context(), catalogIDs)
		if err != nil {
			return 0, nil, err
		}
		if len(unassigned) > want {
			unassigned = unassigned[:want]
		}
		if len(unassigned) == 0 {
			return http.StatusOK, RequestAssignmentResponse{StreamIDs: []int64{}}, nil
		}
		if err := h.Assignments.Assign(r.Context(), unassigned, req.InstanceID); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, RequestAssignmentResponse{StreamIDs: unassigned}, nil
	})
}

// ReleaseRequest is the body of POST /release.
type ReleaseRequest struct {
	InstanceID string  `json:"instance_id" validate:"required"`
	StreamIDs  []int64 `json:"stream_ids" validate:"required,min=1"`
}

// ReleaseResponse is the response of POST /release.
type ReleaseResponse struct {
	Released []int64 `json:"released"`
	Rejected []int64 `json:"rejected,omitempty"`
}

// Release handles POST /release. Per spec.md §4.4's two-phase migration
// protocol ("phase 2 ... invoked after the source confirms release"),
// any stream in req.StreamIDs that the caller currently holds as a
// MIGRATING source completes its migration (CommitMigration) rather
// than being plainly released; everything else goes through a plain
// Release.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func() (int, interface{}, error) {
		var req ReleaseRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return 0, nil, err
		}

		owned, err := h.Assignments.ListByInstance(r.Context(), req.InstanceID)
		if err != nil {
			return 0, nil, err
		}
		migratingTargets := make(map[int64]string, len(owned))
		for _, a := range owned {
			if a.Status == model.AssignmentMigrating && a.MigrationTarget != "" {
				migratingTargets[a.StreamID] = a.MigrationTarget
			}
		}

		byTarget := make(map[string][]int64)
		var plainRelease []int64
		for _, id := range req.StreamIDs {
			if target, ok := migratingTargets[id]; ok {
				byTarget[target] = append(byTarget[target], id)
				continue
			}
			plainRelease = append(plainRelease, id)
		}

		resp := ReleaseResponse{}
		for target, ids := range byTarget {
			if err := h.Assignments.CommitMigration(r.Context(), ids, target); err != nil {
				return 0, nil, err
			}
			resp.Released = append(resp.Released, ids...)
		}
		if len(plainRelease) > 0 {
			outcomes, err := h.Assignments.Release(r.Context(), plainRelease, req.InstanceID)
			if err != nil {
				return 0, nil, err
			}
			for _, o := range outcomes {
				if o.OK {
					resp.Released = append(resp.Released, o.StreamID)
				} else {
					resp.Rejected = append(resp.Rejected, o.StreamID)
				}
			}
		}
		return http.StatusOK, resp, nil
	})
}

// UpdateStreamRequest is the body of POST /update_stream: a worker
// reporting a single stream's processing outcome (spec.md §4.8
// "used only to update performance_score and observability" — this is
// never an ownership change, unlike /release or the migration
// protocol).
type UpdateStreamRequest struct {
	StreamID   int64  `json:"stream_id" validate:"required"`
	InstanceID string `json:"instance_id" validate:"required"`
	Status     string `json:"status" validate:"required,oneof=processing completed failed"`
	Result     string `json:"result,omitempty"`
}

// UpdateStream handles POST /update_stream (spec.md §4.8, §6). A
// "completed" report nudges performance_score upward, "failed"
// downward, and "processing" is observability-only.
func (h *Handlers) UpdateStream(w http.ResponseWriter, r *http.Request) {
	h.withIdempotency(w, r, func() (int, interface{}, error) {
		var req UpdateStreamRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return 0, nil, err
		}
		switch req.Status {
		case "completed":
			if err := h.Registry.RecordStreamOutcome(r.Context(), req.InstanceID, true); err != nil {
				return 0, nil, err
			}
		case "failed":
			if err := h.Registry.RecordStreamOutcome(r.Context(), req.InstanceID, false); err != nil {
				return 0, nil, err
			}
		}
		h.Logger.Info("stream update reported",
			"stream_id", req.StreamID, "instance_id", req.InstanceID, "status", req.Status, "result", req.Result)
		return http.StatusOK, struct{}{}, nil
	})
}

// RebalanceResponse is the response of POST /rebalance.
type RebalanceResponse struct {
	MigrationsStarted int `json:"migrations_started"`
}

// Rebalance handles POST /rebalance, the operator-triggered rebalance
// that bypasses REBALANCE_COOLDOWN (spec.md §4.5, §4.8).
func (h *Handlers) Rebalance(w http.ResponseWriter, r *http.Request) {
	started, err := h.Rebalancer.ForceRebalance(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RebalanceResponse{MigrationsStarted: started})
}

// ForceRecoveryRequest is the body of POST /force_recovery.
type ForceRecoveryRequest struct {
	InstanceID string `json:"instance_id" validate:"required"`
}

// ForceRecovery handles POST /force_recovery, the operator's manual
// trigger of the emergency-recovery path (spec.md §4.3 "Emergency
// recovery", §4.8).
func (h *Handlers) ForceRecovery(w http.ResponseWriter, r *http.Request) {
	var req ForceRecoveryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Recoverer.EmergencyRecover(r.Context(), req.InstanceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recovery_triggered"})
}

// DiagnosticsResponse is the response of GET /diagnostics/inconsistencies.
type DiagnosticsResponse struct {
	Defects []consistency.Defect `json:"defects"`
}

// Diagnostics handles GET /diagnostics/inconsistencies (spec.md §4.7, §4.8).
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	defects, err := h.Checker.Check(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DiagnosticsResponse{Defects: defects})
}

// HealthResponse is the response of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Gatekeeper gatekeeper.Health `json:"gatekeeper"`
}

// Health handles GET /health: always 200 if the process is up, reporting
// subsystem detail rather than gating on it (spec.md §4.8).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var gkHealth gatekeeper.Health
	if h.Gatekeeper != nil {
		gkHealth = h.Gatekeeper.Health()
		if !h.Gatekeeper.Healthy() {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Gatekeeper: gkHealth})
}

// ReadyCheck handles GET /ready: 503 until the Gatekeeper's breaker is not
// open and every background loop has completed at least one cycle
// (spec.md §4.8).
func (h *Handlers) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	dbReady := h.Gatekeeper == nil || h.Gatekeeper.Healthy()
	tasksReady := h.Ready == nil || h.Ready()
	if !dbReady || !tasksReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"database": dbReady, "tasks": tasksReady})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"database": dbReady, "tasks": tasksReady})
}
