package gatekeeper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() *breaker {
	return newBreaker(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	}, nil)
}

func TestBreaker_ClosedTripsOpenAfterThreshold(t *testing.T) {
	b := testBreaker()
	require.True(t, b.allow())

	b.record(errors.New("boom"))
	b.record(errors.New("boom"))
	assert.Equal(t, StateClosed, b.snapshot().State)

	b.record(errors.New("boom"))
	assert.Equal(t, StateOpen, b.snapshot().State)
	assert.False(t, b.allow())
}

func TestBreaker_OpenToHalfOpenAfterTimeout(t *testing.T) {
	b := testBreaker()
	b.record(errors.New("1"))
	b.record(errors.New("2"))
	b.record(errors.New("3"))
	require.Equal(t, StateOpen, b.snapshot().State)

	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.allow())
	assert.Equal(t, StateHalfOpen, b.snapshot().State)
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := testBreaker()
	b.transition(StateHalfOpen)

	b.record(nil)
	assert.Equal(t, StateHalfOpen, b.snapshot().State)
	b.record(nil)
	assert.Equal(t, StateClosed, b.snapshot().State)
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := testBreaker()
	b.transition(StateHalfOpen)

	b.record(errors.New("still broken"))
	assert.Equal(t, StateOpen, b.snapshot().State)
}

func TestBreaker_RetryAfterReflectsRemainingWindow(t *testing.T) {
	b := testBreaker()
	b.record(errors.New("1"))
	b.record(errors.New("2"))
	b.record(errors.New("3"))

	wait := b.retryAfter()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 20*time.Millisecond)
}
