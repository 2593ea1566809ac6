// Package tasks implements the Background Task Runner: a small
// cooperative scheduler hosting the Failure Detector's heartbeat scan,
// the Consistency Checker's periodic pass, and the Load Balancer's
// periodic imbalance tick (spec.md §4.5 "Triggers"/"Cooldown", §4.6,
// §4.9). It is grounded on the eliasdb rebalanceWorker pattern — a
// single-flight run guarded by a running flag, with concurrent trigger
// requests coalesced into whichever run is next — generalized to also
// own the other two periodic loops, since all three share the same
// "tick, or run now on an external signal" shape.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/orchestrator/internal/balancer"
	"github.com/streamforge/orchestrator/internal/consistency"
	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// InstanceSource is the subset of internal/registry.Registry the
// scheduler needs to build a balancer snapshot.
type InstanceSource interface {
	ListActive(ctx context.Context) ([]*model.Instance, error)
}

// AssignmentSource is the subset of internal/assignment.Service the
// scheduler needs: a load view for the snapshot, Assign to apply a
// plan's first-assignment moves (no current owner), and BeginMigration
// to apply peer-to-peer moves as phase-1 migrations (spec.md §4.4
// "migrate").
type AssignmentSource interface {
	ListAllActive(ctx context.Context) ([]*model.StreamAssignment, error)
	Assign(ctx context.Context, streamIDs []int64, instanceID string) error
	BeginMigration(ctx context.Context, streamIDs []int64, sourceID, targetID string) error
}

// CatalogSource supplies the active stream catalog the Balancer treats
// as S (spec.md §4.5 inputs); internal/catalog.Mirror implements this.
type CatalogSource interface {
	ActiveStreams(ctx context.Context) ([]int64, error)
}

// Detector is the subset of internal/detector.Detector the scheduler
// drives on a timer.
type Detector interface {
	Scan(ctx context.Context) error
	Interval() time.Duration
}

// ConsistencyChecker is the subset of internal/consistency.Checker the
// scheduler drives on a timer.
type ConsistencyChecker interface {
	Check(ctx context.Context) ([]consistency.Defect, error)
	Interval() time.Duration
}

// Config holds the Background Task Runner's tunables (spec.md §4.5, §6).
type Config struct {
	RebalanceTick     time.Duration
	RebalanceCooldown time.Duration
	MigrationBatch    int
	MigrationStep     time.Duration
	Balancer          balancer.Config
}

func (c Config) rebalanceTick() time.Duration {
	if c.RebalanceTick <= 0 {
		return 60 * time.Second
	}
	return c.RebalanceTick
}

func (c Config) rebalanceCooldown() time.Duration {
	if c.RebalanceCooldown <= 0 {
		return 5 * time.Minute
	}
	return c.RebalanceCooldown
}

func (c Config) migrationBatch() int {
	if c.MigrationBatch <= 0 {
		return 50
	}
	return c.MigrationBatch
}

func (c Config) migrationStep() time.Duration {
	if c.MigrationStep <= 0 {
		return 500 * time.Millisecond
	}
	return c.MigrationStep
}

// Runner is the Background Task Runner component.
type Runner struct {
	instances   InstanceSource
	assignments AssignmentSource
	catalog     CatalogSource
	detector    Detector
	consistency ConsistencyChecker
	events      *store.RebalanceEventStore
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.BalancerMetrics
	taskMetrics *metrics.TasksMetrics

	trigger chan model.RebalanceReason
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time

	readyMu          sync.RWMutex
	detectorReady    bool
	consistencyReady bool
	balancerReady    bool
}

// New creates a Runner. detector and consistency may be nil (their
// loops are then skipped), matching a process that only wants to
// exercise the balancer, e.g. in tests.
func New(instances InstanceSource, assignments AssignmentSource, catalog CatalogSource,
	detector Detector, checker ConsistencyChecker, events *store.RebalanceEventStore,
	cfg Config, logger *slog.Logger, m *metrics.BalancerMetrics, tm *metrics.TasksMetrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		instances: instances, assignments: assignments, catalog: catalog,
		detector: detector, consistency: checker, events: events,
		cfg: cfg, logger: logger, metrics: m, taskMetrics: tm,
		trigger: make(chan model.RebalanceReason, 1),
		stopCh:  make(chan struct{}),
	}
}

// SetDetector wires the Failure Detector into the scheduler after
// construction. It exists because Detector's own constructor needs a
// RebalanceTrigger, and Runner itself fills that role: the orchestrator
// wires Runner first (with a nil Detector), builds the Detector against
// it, then calls SetDetector before Start.
func (r *Runner) SetDetector(d Detector) {
	r.detector = d
}

// SetConsistencyChecker wires the Consistency Checker into the
// scheduler after construction, for the same reason as SetDetector.
func (r *Runner) SetConsistencyChecker(c ConsistencyChecker) {
	r.consistency = c
}

// Start launches the three background loops. ctx's cancellation stops
// all of them; Stop can also be used independently.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(3)
	go r.runDetectorLoop(ctx)
	go r.runConsistencyLoop(ctx)
	go r.runRebalanceLoop(ctx)
}

// Stop signals every loop to exit and waits for them to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Ready reports whether every background loop has completed at least
// one cycle, the condition GET /ready checks in addition to the
// Gatekeeper's breaker state (spec.md §4.8).
func (r *Runner) Ready() bool {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return r.detectorReady && r.consistencyReady && r.balancerReady
}

func (r *Runner) runDetectorLoop(ctx context.Context) {
	defer r.wg.Done()
	if r.detector == nil {
		return
	}
	ticker := time.NewTicker(r.detector.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.detector.Scan(ctx); err != nil {
				r.logger.Error("tasks: heartbeat scan failed", "error", err)
			}
			r.readyMu.Lock()
			r.detectorReady = true
			r.readyMu.Unlock()
		}
	}
}

func (r *Runner) runConsistencyLoop(ctx context.Context) {
	defer r.wg.Done()
	if r.consistency == nil {
		return
	}
	ticker := time.NewTicker(r.consistency.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.consistency.Check(ctx); err != nil {
				r.logger.Error("tasks: consistency check failed", "error", err)
			}
			r.readyMu.Lock()
			r.consistencyReady = true
			r.readyMu.Unlock()
		}
	}
}

func (r *Runner) runRebalanceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.rebalanceTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			// The periodic tick alone respects REBALANCE_COOLDOWN
			// (spec.md §4.5 "Cooldown ... prevents immediate
			// re-triggering by the periodic check"); event-driven
			// triggers below do not, since a lost-instance
			// redistribution has its own REDISTRIBUTION_DEADLINE to
			// meet regardless of how recently a plan last ran.
			if time.Since(r.lastRunAt()) < r.cfg.rebalanceCooldown() {
				r.markBalancerReady()
				continue
			}
			if _, err := r.runPlan(ctx, model.ReasonDrift); err != nil {
				r.logger.Error("tasks: periodic rebalance failed", "error", err)
			}
			r.markBalancerReady()
		case reason := <-r.trigger:
			if _, err := r.runPlan(ctx, reason); err != nil {
				r.logger.Error("tasks: triggered rebalance failed", "reason", reason, "error", err)
			}
			r.markBalancerReady()
		}
	}
}

func (r *Runner) markBalancerReady() {
	r.readyMu.Lock()
	r.balancerReady = true
	r.readyMu.Unlock()
	if r.taskMetrics != nil && r.Ready() {
		r.taskMetrics.Ready.Set(1)
	}
}

func (r *Runner) lastRunAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// TriggerFor requests a rebalance evaluation. It satisfies both
// internal/detector.RebalanceTrigger and
// internal/consistency.RebalanceTrigger. Non-blocking: if a trigger is
// already queued, the new reason is coalesced into that pending run
// (spec.md §4.5 "Newly triggered evaluations coalesce").
func (r *Runner) TriggerFor(ctx context.Context, reason model.RebalanceReason) error {
	select {
	case r.trigger <- reason:
	default:
		if r.taskMetrics != nil {
			r.taskMetrics.TriggersCoalesced.Inc()
		}
	}
	return nil
}

// ForceRebalance runs a plan immediately, bypassing REBALANCE_COOLDOWN,
// for the operator-triggered POST /rebalance endpoint (spec.md §4.5,
// §4.8). It blocks until its own run completes so the handler can
// report the outcome; if another run is already in progress it returns
// 0 and a nil error at once without waiting for that run.
func (r *Runner) ForceRebalance(ctx context.Context) (int, error) {
	return r.runPlan(ctx, model.ReasonManual)
}

// runPlan evaluates the current snapshot and, if imbalanced, builds and
// applies a migration plan. Single-flight: a call arriving while
// another is in progress is a no-op success, matching "at most one plan
// runs at a time."
func (r *Runner) runPlan(ctx context.Context, reason model.RebalanceReason) (int, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.lastRun = time.Now()
		r.mu.Unlock()
	}()

	if r.metrics != nil {
		r.metrics.RunsTotal.Inc()
	}
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RunDuration.Observe(time.Since(start).Seconds())
		}
	}()

	snap, err := r.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if !balancer.IsImbalanced(snap, r.cfg.Balancer) {
		if r.metrics != nil {
			r.metrics.RunsEmpty.Inc()
		}
		return 0, nil
	}
	plan := balancer.BuildPlan(snap)
	if len(plan) == 0 {
		if r.metrics != nil {
			r.metrics.RunsEmpty.Inc()
		}
		return 0, nil
	}
	if r.metrics != nil {
		r.metrics.PlannedMigrations.Observe(float64(len(plan)))
	}

	var eventID string
	if r.events != nil {
		eventID, err = r.events.Begin(ctx, reason)
		if err != nil {
			r.logger.Error("tasks: failed to record rebalance event", "error", err)
		}
	}

	applied, applyErr := r.applyPlan(ctx, plan)

	if r.events != nil && eventID != "" {
		outcome := model.OutcomeApplied
		switch {
		case applyErr != nil:
			outcome = model.OutcomeFailed
		case applied == 0:
			outcome = model.OutcomeEmpty
		}
		if cErr := r.events.Complete(ctx, eventID, summarizePlan(plan), outcome); cErr != nil {
			r.logger.Error("tasks: failed to complete rebalance event", "error", cErr)
		}
	}
	if applyErr != nil {
		return applied, applyErr
	}
	r.logger.Info("rebalance plan applied", "reason", reason, "moves", len(plan))
	return applied, nil
}

func (r *Runner) snapshot(ctx context.Context) (balancer.Snapshot, error) {
	instances, err := r.instances.ListActive(ctx)
	if err != nil {
		return balancer.Snapshot{}, err
	}
	active, err := r.assignments.ListAllActive(ctx)
	if err != nil {
		return balancer.Snapshot{}, err
	}
	var catalogIDs []int64
	if r.catalog != nil {
		catalogIDs, err = r.catalog.ActiveStreams(ctx)
		if err != nil {
			return balancer.Snapshot{}, err
		}
	}

	loadByInstance := make(map[string]int, len(instances))
	for _, a := range active {
		loadByInstance[a.InstanceID]++
	}
	loads := make([]balancer.InstanceLoad, 0, len(instances))
	for _, inst := range instances {
		loads = append(loads, balancer.InstanceLoad{
			InstanceID:  inst.ID,
			CapacityMax: inst.CapacityMax,
			Load:        loadByInstance[inst.ID],
			Perf:        inst.PerformanceScore,
		})
	}
	holds := make([]balancer.StreamHold, 0, len(active))
	for _, a := range active {
		holds = append(holds, balancer.StreamHold{StreamID: a.StreamID, InstanceID: a.InstanceID, AssignedAt: a.AssignedAt})
	}
	return balancer.Snapshot{Instances: loads, Holds: holds, Catalog: catalogIDs}, nil
}

// applyPlan applies every move in batches of at most MIGRATION_BATCH
// with an inter-batch delay of MIGRATION_STEP (spec.md §4.5
// "Rate-limited, gradual application"). A move with no Source (the
// stream had no owner) is applied immediately via a plain Assign;
// everything else begins phase 1 of the two-phase migration protocol.
// Phase 2 is not invoked here: it completes either when the source
// instance calls POST /release for a stream it was told to give up
// (internal/api routes that case to assignment.Service.CommitMigration
// instead of a plain release) or, failing that, when MIGRATION_TIMEOUT
// elapses and assignment.Service.SweepStuckMigrations reverts it.
func (r *Runner) applyPlan(ctx context.Context, plan []balancer.Move) (int, error) {
	batches := balancer.Batches(plan, r.cfg.migrationBatch())
	applied := 0
	for i, batch := range batches {
		for route, ids := range groupMovesByRoute(batch) {
			var err error
			if route.source == "" {
				err = r.assignments.Assign(ctx, ids, route.target)
			} else {
				err = r.assignments.BeginMigration(ctx, ids, route.source, route.target)
			}
			if err != nil {
				r.logger.Error("tasks: plan move failed", "source", route.source, "target", route.target, "streams", len(ids), "error", err)
				continue
			}
			applied += len(ids)
		}
		if r.metrics != nil {
			r.metrics.AppliedMigrations.Add(float64(len(batch)))
		}
		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return applied, ctx.Err()
			case <-time.After(r.cfg.migrationStep()):
			}
		}
	}
	return applied, nil
}

type migrationRoute struct {
	source, target string
}

func groupMovesByRoute(moves []balancer.Move) map[migrationRoute][]int64 {
	groups := make(map[migrationRoute][]int64)
	for _, m := range moves {
		route := migrationRoute{source: m.Source, target: m.Target}
		groups[route] = append(groups[route], m.StreamID)
	}
	return groups
}

// summarizePlan counts planned moves per target instance, the shape
// RebalanceEvent.plan_summary_json records (spec.md §3).
func summarizePlan(plan []balancer.Move) map[string]int {
	summary := make(map[string]int, len(plan))
	for _, m := range plan {
		summary[m.Target]++
	}
	return summary
}
