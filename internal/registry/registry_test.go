package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamforge/orchestrator/internal/model"
)

func TestNextStatusOnHeartbeat_TransitionTable(t *testing.T) {
	r := &Registry{}
	cases := []struct {
		from model.InstanceStatus
		want model.InstanceStatus
	}{
		{model.InstanceRegistered, model.InstanceActive},
		{model.InstanceWarning, model.InstanceActive},
		{model.InstanceInactive, model.InstanceRecovering},
		{model.InstanceActive, model.InstanceActive},
		{model.InstanceRecovering, model.InstanceRecovering},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, r.nextStatusOnHeartbeat(c.from), "from %s", c.from)
	}
}

func TestLoadReport_Signal(t *testing.T) {
	assert.Equal(t, model.DefaultPerformanceScore, LoadReport{}.signal(), "no updates yet defaults to full score")
	assert.InDelta(t, 0.5, LoadReport{SuccessfulUpdates: 5, TotalUpdates: 10}.signal(), 1e-9)
	assert.InDelta(t, 1.0, LoadReport{SuccessfulUpdates: 20, TotalUpdates: 10}.signal(), 1e-9, "clamps above 1")
}

func TestConfig_AlphaDefaultsWhenUnset(t *testing.T) {
	assert.InDelta(t, 0.3, Config{}.alpha(), 1e-9)
	assert.InDelta(t, 0.5, Config{PerformanceAlpha: 0.5}.alpha(), 1e-9)
}

func TestConfig_RecoveryKDefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, 2, Config{}.recoveryK())
	assert.Equal(t, 5, Config{RecoveryKThreshold: 5}.recoveryK())
}

func TestNew_AcceptsNilStoreAndBuildsCache(t *testing.T) {
	r, err := New(nil, Config{CacheSize: 8}, nil, nil)
	assert.NoError(t, err)
	assert.NotNil(t, r.cache)
	assert.NotNil(t, r.logger)
}

// TestRecoveryK_SecondConsecutiveSuccessMeetsThreshold documents the
// RECOVERING -> ACTIVE edge: an instance needs RecoveryKThreshold
// consecutive heartbeats while RECOVERING before the registry promotes
// it back to ACTIVE. RecordHeartbeat needs a store, so this test does
// not call it: it checks nextStatusOnHeartbeat and the recoveryK()
// threshold that RecordHeartbeat's inline consecutive count compares
// against; TestRegistry_RecoveringRequiresTwoConsecutiveHeartbeatsToReactivate
// covers RecordHeartbeat itself against a real database.
func TestRecoveryK_SecondConsecutiveSuccessMeetsThreshold(t *testing.T) {
	r := &Registry{cfg: Config{RecoveryKThreshold: 2}}

	status := r.nextStatusOnHeartbeat(model.InstanceInactive)
	assert.Equal(t, model.InstanceRecovering, status)

	consecutiveOK := 1
	if consecutiveOK >= r.cfg.recoveryK() {
		status = model.InstanceActive
	}
	assert.Equal(t, model.InstanceRecovering, status, "one success is not enough at K=2")

	consecutiveOK = 2
	if consecutiveOK >= r.cfg.recoveryK() {
		status = model.InstanceActive
	}
	assert.Equal(t, model.InstanceActive, status, "second consecutive success promotes to ACTIVE")
}

func TestInstanceStatus_EligibleForWork(t *testing.T) {
	assert.True(t, model.InstanceActive.Eligible())
	assert.True(t, model.InstanceRecovering.Eligible())
	assert.False(t, model.InstanceWarning.Eligible())
	assert.False(t, model.InstanceInactive.Eligible())
	assert.False(t, model.InstanceRegistered.Eligible())
	assert.False(t, model.InstanceRemoved.Eligible())
}

func TestLoadReport_ZeroValueIsValidInput(t *testing.T) {
	var lr LoadReport
	assert.Equal(t, model.DefaultPerformanceScore, lr.signal())
	_ = time.Now()
}
