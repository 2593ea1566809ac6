package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/orchestrator/internal/model"
)

type fakeInstances struct {
	list []*model.Instance
	err  error
}

func (f *fakeInstances) ListActive(ctx context.Context) ([]*model.Instance, error) {
	return f.list, f.err
}

type fakeCatalog struct {
	ids []int64
}

func (f *fakeCatalog) ActiveStreams(ctx context.Context) ([]int64, error) {
	return f.ids, nil
}

type fakeAssignments struct {
	list    []*model.StreamAssignment
	err     error
	begins  []migrationRoute
	beginFn func(ids []int64, source, target string) error
	assigns []string
}

func (f *fakeAssignments) ListAllActive(ctx context.Context) ([]*model.StreamAssignment, error) {
	return f.list, f.err
}

func (f *fakeAssignments) Assign(ctx context.Context, streamIDs []int64, instanceID string) error {
	f.assigns = append(f.assigns, instanceID)
	return nil
}

func (f *fakeAssignments) BeginMigration(ctx context.Context, streamIDs []int64, sourceID, targetID string) error {
	f.begins = append(f.begins, migrationRoute{source: sourceID, target: targetID})
	if f.beginFn != nil {
		return f.beginFn(streamIDs, sourceID, targetID)
	}
	return nil
}

func imbalancedFixture() (*fakeInstances, *fakeAssignments, *fakeCatalog) {
	instances := &fakeInstances{list: []*model.Instance{
		{ID: "a", CapacityMax: 10, PerformanceScore: 1},
		{ID: "b", CapacityMax: 10, PerformanceScore: 1},
	}}
	holds := make([]*model.StreamAssignment, 0, 10)
	ids := make([]int64, 0, 10)
	for i := int64(1); i <= 10; i++ {
		holds = append(holds, &model.StreamAssignment{StreamID: i, InstanceID: "a", Status: model.AssignmentAssigned, AssignedAt: time.Now()})
		ids = append(ids, i)
	}
	assignments := &fakeAssignments{list: holds}
	catalog := &fakeCatalog{ids: ids}
	return instances, assignments, catalog
}

func TestRunner_TriggerFor_CoalescesWhenAlreadyQueued(t *testing.T) {
	instances, assignments, catalog := imbalancedFixture()
	r := New(instances, assignments, catalog, nil, nil, nil, Config{}, nil, nil, nil)

	require.NoError(t, r.TriggerFor(context.Background(), model.ReasonNewInstance))
	require.NoError(t, r.TriggerFor(context.Background(), model.ReasonLostInstance))
	assert.Len(t, r.trigger, 1)
}

func TestRunner_ForceRebalance_AppliesPlanWhenImbalanced(t *testing.T) {
	instances, assignments, catalog := imbalancedFixture()
	r := New(instances, assignments, catalog, nil, nil, nil, Config{}, nil, nil, nil)

	applied, err := r.ForceRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, applied)
	require.Len(t, assignments.begins, 1)
	assert.Equal(t, "a", assignments.begins[0].source)
	assert.Equal(t, "b", assignments.begins[0].target)
}

func TestRunner_ForceRebalance_AssignsFreshCatalogWithNoDonor(t *testing.T) {
	instances := &fakeInstances{list: []*model.Instance{
		{ID: "a", CapacityMax: 10, PerformanceScore: 1},
		{ID: "b", CapacityMax: 10, PerformanceScore: 1},
	}}
	assignments := &fakeAssignments{}
	catalog := &fakeCatalog{ids: []int64{1, 2, 3, 4}}
	r := New(instances, assignments, catalog, nil, nil, nil, Config{}, nil, nil, nil)

	applied, err := r.ForceRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, applied)
	assert.Empty(t, assignments.begins, "a fresh catalog has no donor to migrate from")
	assert.NotEmpty(t, assignments.assigns, "unowned streams must be applied via a plain Assign")
}

func TestRunner_ForceRebalance_NoOpWhenBalanced(t *testing.T) {
	instances := &fakeInstances{list: []*model.Instance{
		{ID: "a", CapacityMax: 10, PerformanceScore: 1},
		{ID: "b", CapacityMax: 10, PerformanceScore: 1},
	}}
	assignments := &fakeAssignments{}
	catalog := &fakeCatalog{}
	r := New(instances, assignments, catalog, nil, nil, nil, Config{}, nil, nil, nil)

	applied, err := r.ForceRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Empty(t, assignments.begins)
}

func TestRunner_ForceRebalance_SingleFlightSkipsConcurrentCall(t *testing.T) {
	instances, assignments, catalog := imbalancedFixture()
	r := New(instances, assignments, catalog, nil, nil, nil, Config{}, nil, nil, nil)

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	applied, err := r.ForceRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Empty(t, assignments.begins)
}

func TestConfig_Defaults(t *testing.T) {
	var c Config
	assert.Equal(t, 60*time.Second, c.rebalanceTick())
	assert.Equal(t, 5*time.Minute, c.rebalanceCooldown())
	assert.Equal(t, 50, c.migrationBatch())
	assert.Equal(t, 500*time.Millisecond, c.migrationStep())
}
