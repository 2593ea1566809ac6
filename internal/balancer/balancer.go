// Package balancer implements the Load Balancer (spec.md §4.5) as a
// pure function over a point-in-time Snapshot: given the fleet's
// current load it decides whether the system is imbalanced and, if so,
// produces a deterministic, minimal-move migration plan. Keeping plan
// construction pure (no I/O, no locks) makes it independently
// table-testable, the same shape the pack's reconciliation-function
// examples use for cluster state convergence.
package balancer

import (
	"math"
	"sort"
	"time"
)

// InstanceLoad is one eligible instance's capacity and current load, as
// seen by the balancer (spec.md §4.5 inputs).
type InstanceLoad struct {
	InstanceID  string
	CapacityMax int
	Load        int
	Perf        float64
}

// StreamHold is one stream currently owned by an instance, with the
// time it was assigned — used to prefer moving recently-acquired
// streams first (spec.md §4.5 step 3: "shortest time held").
type StreamHold struct {
	StreamID   int64
	InstanceID string
	AssignedAt time.Time
}

// Snapshot is the balancer's complete view of the fleet at one instant.
type Snapshot struct {
	Instances []InstanceLoad
	Holds     []StreamHold // all currently-owned streams, across all instances
	Catalog   []int64      // active stream catalog (the set that must be covered)
}

// Config holds the Load Balancer's tunables (spec.md §4.5 defaults).
type Config struct {
	ImbalanceThreshold  float64
	MaxStreamDifference int
}

func (c Config) imbalanceThreshold() float64 {
	if c.ImbalanceThreshold <= 0 {
		return 0.15
	}
	return c.ImbalanceThreshold
}

func (c Config) maxStreamDifference() int {
	if c.MaxStreamDifference <= 0 {
		return 3
	}
	return c.MaxStreamDifference
}

// Move is one planned migration: streamID moves to Target. Source is
// empty for a first assignment (the stream has no current owner, e.g.
// a fresh catalog entry or one the Consistency Checker found orphaned)
// and is applied via a plain Assign; a non-empty Source is a real
// peer-to-peer migration applied via the two-phase protocol.
type Move struct {
	StreamID int64
	Source   string
	Target   string
}

// uncoveredStreams returns the catalog streams with no entry in
// snap.Holds at all — not merely unevenly distributed, but genuinely
// unowned (spec.md §4.7 "missing assignment": "stream in the active
// catalog with no owner").
func uncoveredStreams(snap Snapshot) []int64 {
	held := make(map[int64]bool, len(snap.Holds))
	for _, h := range snap.Holds {
		held[h.StreamID] = true
	}
	var uncovered []int64
	for _, id := range snap.Catalog {
		if !held[id] {
			uncovered = append(uncovered, id)
		}
	}
	return uncovered
}

// IsImbalanced reports whether the fleet needs rebalancing (spec.md
// §4.5 "Imbalance detection"): the catalog has streams with no owner
// at all (a fresh fleet, or one the Consistency Checker just released
// streams from), the population standard deviation of load/capacity
// exceeds ImbalanceThreshold, or the load spread exceeds
// MaxStreamDifference in a way capacity differences alone cannot
// explain.
func IsImbalanced(snap Snapshot, cfg Config) bool {
	if len(snap.Instances) == 0 {
		return false
	}
	if len(uncoveredStreams(snap)) > 0 {
		return true
	}

	ratios := make([]float64, 0, len(snap.Instances))
	minLoad, maxLoad := math.MaxInt64, math.MinInt64
	for _, inst := range snap.Instances {
		if inst.CapacityMax > 0 {
			ratios = append(ratios, float64(inst.Load)/float64(inst.CapacityMax))
		}
		if inst.Load < minLoad {
			minLoad = inst.Load
		}
		if inst.Load > maxLoad {
			maxLoad = inst.Load
		}
	}
	if populationStdDev(ratios) > cfg.imbalanceThreshold() {
		return true
	}

	if maxLoad-minLoad <= cfg.maxStreamDifference() {
		return false
	}
	// The spread exceeds the raw threshold; check whether capacity
	// differences alone explain it by comparing against what an
	// exactly-proportional split would produce.
	targets := targetShares(snap.Instances, len(snap.Catalog))
	for i, inst := range snap.Instances {
		if math.Abs(float64(inst.Load)-targets[i]) > float64(cfg.maxStreamDifference()) {
			return true
		}
	}
	return false
}

func populationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// targetShares returns capacity_max[i] / cap_total * |S| for each
// instance, in snap.Instances order (spec.md §4.5 "target_share[i]").
func targetShares(instances []InstanceLoad, catalogSize int) []float64 {
	var capTotal int
	for _, inst := range instances {
		capTotal += inst.CapacityMax
	}
	shares := make([]float64, len(instances))
	if capTotal == 0 {
		return shares
	}
	for i, inst := range instances {
		shares[i] = float64(inst.CapacityMax) / float64(capTotal) * float64(catalogSize)
	}
	return shares
}

// integerTargets rounds target shares to integers whose sum is exactly
// n, handing rounding residuals to the instances with the highest perf
// score (spec.md §4.5 step 1).
func integerTargets(instances []InstanceLoad, n int) map[string]int {
	shares := targetShares(instances, n)
	targets := make(map[string]int, len(instances))
	floor := make([]int, len(instances))
	sum := 0
	for i, s := range shares {
		floor[i] = int(math.Floor(s))
		targets[instances[i].InstanceID] = floor[i]
		sum += floor[i]
	}
	residual := n - sum
	if residual <= 0 {
		return targets
	}

	order := make([]int, len(instances))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return instances[order[a]].Perf > instances[order[b]].Perf
	})
	for i := 0; i < residual && i < len(order); i++ {
		idx := order[i]
		targets[instances[idx].InstanceID]++
	}
	return targets
}

// BuildPlan computes the deterministic migration plan of spec.md §4.5
// steps 1-4. Returns nil if no instances are eligible or the catalog is
// empty. Every catalog stream with no current owner is handed to a
// receiver directly as a first assignment before any donor's held
// streams are touched, so a fresh catalog (spec.md §8 Scenario 1) or a
// capacity squeeze (Scenario 6) gets covered even though no instance
// holds anything to give up yet.
func BuildPlan(snap Snapshot) []Move {
	if len(snap.Instances) == 0 {
		return nil
	}
	targets := integerTargets(snap.Instances, len(snap.Catalog))

	type donor struct {
		InstanceID string
		Excess     int
		Perf       float64
	}
	type receiver struct {
		InstanceID string
		Deficit    int
		Perf       float64
	}
	var donors []donor
	var receivers []receiver
	for _, inst := range snap.Instances {
		target := targets[inst.InstanceID]
		if inst.Load > target {
			donors = append(donors, donor{inst.InstanceID, inst.Load - target, inst.Perf})
		} else if inst.Load < target {
			receivers = append(receivers, receiver{inst.InstanceID, target - inst.Load, inst.Perf})
		}
	}

	// Donors: descending excess, ties broken by perf ascending (shed
	// load from the weakest-performing donor first).
	sort.SliceStable(donors, func(i, j int) bool {
		if donors[i].Excess != donors[j].Excess {
			return donors[i].Excess > donors[j].Excess
		}
		return donors[i].Perf < donors[j].Perf
	})
	// Receivers: descending deficit, ties broken by perf descending
	// (favor the strongest-performing receiver first).
	sort.SliceStable(receivers, func(i, j int) bool {
		if receivers[i].Deficit != receivers[j].Deficit {
			return receivers[i].Deficit > receivers[j].Deficit
		}
		return receivers[i].Perf > receivers[j].Perf
	})

	holdsByInstance := make(map[string][]StreamHold)
	for _, h := range snap.Holds {
		holdsByInstance[h.InstanceID] = append(holdsByInstance[h.InstanceID], h)
	}
	for id := range holdsByInstance {
		hs := holdsByInstance[id]
		sort.SliceStable(hs, func(i, j int) bool {
			if !hs[i].AssignedAt.Equal(hs[j].AssignedAt) {
				return hs[i].AssignedAt.After(hs[j].AssignedAt) // shortest-held (most recent) first
			}
			return hs[i].StreamID < hs[j].StreamID
		})
		holdsByInstance[id] = hs
	}

	var moves []Move
	ri := 0

	unassigned := uncoveredStreams(snap)
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i] < unassigned[j] })
	ui := 0
	for ri < len(receivers) && ui < len(unassigned) {
		r := &receivers[ri]
		moves = append(moves, Move{StreamID: unassigned[ui], Target: r.InstanceID})
		ui++
		r.Deficit--
		if r.Deficit <= 0 {
			ri++
		}
	}

	for di := range donors {
		need := donors[di].Excess
		pool := holdsByInstance[donors[di].InstanceID]
		pi := 0
		for need > 0 && ri < len(receivers) && pi < len(pool) {
			r := &receivers[ri]
			moves = append(moves, Move{
				StreamID: pool[pi].StreamID,
				Source:   donors[di].InstanceID,
				Target:   r.InstanceID,
			})
			pi++
			need--
			r.Deficit--
			if r.Deficit <= 0 {
				ri++
			}
		}
	}
	return moves
}

// Batches splits plan into chunks of at most batchSize moves, the
// gradual-application unit of spec.md §4.5 ("batches of at most
// MIGRATION_BATCH streams").
func Batches(plan []Move, batchSize int) [][]Move {
	if batchSize <= 0 {
		batchSize = 50
	}
	if len(plan) == 0 {
		return nil
	}
	var batches [][]Move
	for i := 0; i < len(plan); i += batchSize {
		end := i + batchSize
		if end > len(plan) {
			end = len(plan)
		}
		batches = append(batches, plan[i:end])
	}
	return batches
}
