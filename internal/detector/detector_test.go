package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/orchestrator/internal/model"
	"github.com/streamforge/orchestrator/internal/store"
)

type fakeRegistry struct {
	instances map[string]*model.Instance
	warned    []string
	inactived []string
	removed   []string
}

func newFakeRegistry(instances ...*model.Instance) *fakeRegistry {
	m := make(map[string]*model.Instance)
	for _, i := range instances {
		m[i.ID] = i
	}
	return &fakeRegistry{instances: m}
}

func (f *fakeRegistry) ListAll(ctx context.Context) ([]*model.Instance, error) {
	out := make([]*model.Instance, 0, len(f.instances))
	for _, i := range f.instances {
		out = append(out, i)
	}
	return out, nil
}

func (f *fakeRegistry) MarkWarning(ctx context.Context, id string) error {
	f.warned = append(f.warned, id)
	f.instances[id].Status = model.InstanceWarning
	return nil
}

func (f *fakeRegistry) MarkInactive(ctx context.Context, id, reason string) error {
	f.inactived = append(f.inactived, id)
	f.instances[id].Status = model.InstanceInactive
	return nil
}

func (f *fakeRegistry) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	f.instances[id].Status = model.InstanceRemoved
	return nil
}

type fakeAssignments struct {
	owned    map[string][]*model.StreamAssignment
	released map[string][]int64
}

func (f *fakeAssignments) ListByInstance(ctx context.Context, instanceID string) ([]*model.StreamAssignment, error) {
	return f.owned[instanceID], nil
}

func (f *fakeAssignments) Release(ctx context.Context, streamIDs []int64, instanceID string) ([]store.AssignOutcome, error) {
	if f.released == nil {
		f.released = make(map[string][]int64)
	}
	f.released[instanceID] = append(f.released[instanceID], streamIDs...)
	outcomes := make([]store.AssignOutcome, len(streamIDs))
	for i, sid := range streamIDs {
		outcomes[i] = store.AssignOutcome{StreamID: sid, OK: true}
	}
	return outcomes, nil
}

type fakeRebalance struct {
	triggered []model.RebalanceReason
	failNext  bool
}

func (f *fakeRebalance) TriggerFor(ctx context.Context, reason model.RebalanceReason) error {
	f.triggered = append(f.triggered, reason)
	if f.failNext {
		f.failNext = false
		return assertErr
	}
	return nil
}

type fakeConsistency struct{ verified int }

func (f *fakeConsistency) Verify(ctx context.Context) error {
	f.verified++
	return nil
}

var assertErr = context.DeadlineExceeded

func TestScan_ActiveInstanceBecomesWarningAfterSilence(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceActive, LastHeartbeat: time.Now().Add(-100 * time.Second)}
	reg := newFakeRegistry(inst)
	d := New(reg, &fakeAssignments{}, &fakeRebalance{}, &fakeConsistency{}, nil, Config{}, nil, nil)

	require.NoError(t, d.Scan(context.Background()))
	assert.Equal(t, []string{"w1"}, reg.warned)
	assert.Equal(t, model.InstanceWarning, inst.Status)
}

func TestScan_ActiveInstanceWithinThresholdStaysActive(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceActive, LastHeartbeat: time.Now().Add(-10 * time.Second)}
	reg := newFakeRegistry(inst)
	d := New(reg, &fakeAssignments{}, &fakeRebalance{}, &fakeConsistency{}, nil, Config{}, nil, nil)

	require.NoError(t, d.Scan(context.Background()))
	assert.Empty(t, reg.warned)
	assert.Equal(t, model.InstanceActive, inst.Status)
}

func TestScan_WarningInstanceBecomesInactiveAndTriggersRedistribution(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceWarning, LastHeartbeat: time.Now().Add(-200 * time.Second)}
	reg := newFakeRegistry(inst)
	rebal := &fakeRebalance{}
	d := New(reg, &fakeAssignments{}, rebal, &fakeConsistency{}, nil, Config{}, nil, nil)

	require.NoError(t, d.Scan(context.Background()))
	assert.Equal(t, []string{"w1"}, reg.inactived)
	assert.Equal(t, []model.RebalanceReason{model.ReasonLostInstance}, rebal.triggered)
}

func TestScan_InactivePastRemovalTimeoutIsRemoved(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceInactive, LastHeartbeat: time.Now().Add(-25 * time.Hour)}
	reg := newFakeRegistry(inst)
	d := New(reg, &fakeAssignments{}, &fakeRebalance{}, &fakeConsistency{}, nil, Config{}, nil, nil)

	require.NoError(t, d.Scan(context.Background()))
	assert.Equal(t, []string{"w1"}, reg.removed)
}

func TestScan_InactivePastEmergencyThresholdRunsEmergencyRecovery(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceInactive, LastHeartbeat: time.Now().Add(-11 * time.Minute)}
	reg := newFakeRegistry(inst)
	assignments := &fakeAssignments{owned: map[string][]*model.StreamAssignment{
		"w1": {{StreamID: 1}, {StreamID: 2}},
	}}
	consistency := &fakeConsistency{}
	d := New(reg, assignments, &fakeRebalance{}, consistency, nil, Config{}, nil, nil)

	require.NoError(t, d.Scan(context.Background()))
	assert.ElementsMatch(t, []int64{1, 2}, assignments.released["w1"])
	assert.Equal(t, 1, consistency.verified)
}

func TestEmergencyRecover_IsIdempotentViaReentrancyGuard(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceInactive}
	reg := newFakeRegistry(inst)
	d := New(reg, &fakeAssignments{}, &fakeRebalance{}, &fakeConsistency{}, nil, Config{}, nil, nil)

	d.recovering["w1"] = true
	require.NoError(t, d.EmergencyRecover(context.Background(), "w1"))
	assert.Empty(t, reg.inactived, "re-entrant call while already recovering should no-op")
}

func TestEmergencyRecover_NoOwnedStreamsStillMarksInactive(t *testing.T) {
	inst := &model.Instance{ID: "w1", Status: model.InstanceInactive}
	reg := newFakeRegistry(inst)
	d := New(reg, &fakeAssignments{}, &fakeRebalance{}, &fakeConsistency{}, nil, Config{}, nil, nil)

	require.NoError(t, d.EmergencyRecover(context.Background(), "w1"))
	assert.Equal(t, []string{"w1"}, reg.inactived)
}

func TestConfig_DefaultsWhenUnset(t *testing.T) {
	var c Config
	assert.Equal(t, 30*time.Second, c.scanInterval())
	assert.Equal(t, 90*time.Second, c.warnThreshold())
	assert.Equal(t, 180*time.Second, c.inactiveThreshold())
	assert.Equal(t, 24*time.Hour, c.removalTimeout())
	assert.Equal(t, 10*time.Minute, c.emergencyThreshold())
}
