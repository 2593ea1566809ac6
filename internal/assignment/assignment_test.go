package assignment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamforge/orchestrator/internal/model"
)

func TestGroupStuckByRoute_GroupsByDistinctSourceTargetPair(t *testing.T) {
	rows := []*model.StreamAssignment{
		{StreamID: 1, InstanceID: "a", MigrationTarget: "b"},
		{StreamID: 2, InstanceID: "a", MigrationTarget: "b"},
		{StreamID: 3, InstanceID: "a", MigrationTarget: "c"},
		{StreamID: 4, InstanceID: "x", MigrationTarget: "y"},
	}

	groups := groupStuckByRoute(rows)
	assert.Len(t, groups, 3)
	assert.ElementsMatch(t, []int64{1, 2}, groups[migrationRoute{source: "a", target: "b"}])
	assert.ElementsMatch(t, []int64{3}, groups[migrationRoute{source: "a", target: "c"}])
	assert.ElementsMatch(t, []int64{4}, groups[migrationRoute{source: "x", target: "y"}])
}

func TestGroupStuckByRoute_Empty(t *testing.T) {
	assert.Empty(t, groupStuckByRoute(nil))
}

func TestNew_DefaultsMigrationTimeoutWhenUnset(t *testing.T) {
	svc := New(nil, Config{}, nil, nil)
	assert.Equal(t, 2*time.Minute, svc.cfg.MigrationTimeout)
}

func TestNew_PreservesExplicitMigrationTimeout(t *testing.T) {
	svc := New(nil, Config{MigrationTimeout: 90 * time.Second}, nil, nil)
	assert.Equal(t, 90*time.Second, svc.cfg.MigrationTimeout)
}

func TestPendingCommand_ActionNaming(t *testing.T) {
	// Documents the fixed vocabulary heartbeat responses use
	// (spec.md §4.8): workers branch on these two literal strings.
	add := PendingCommand{Action: "add_stream", StreamID: 1}
	remove := PendingCommand{Action: "remove_stream", StreamID: 1}
	assert.Equal(t, "add_stream", add.Action)
	assert.Equal(t, "remove_stream", remove.Action)
}
