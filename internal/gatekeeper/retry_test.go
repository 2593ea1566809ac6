package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), retryPolicy{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}, true, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpOnNonRetryableError(t *testing.T) {
	calls := 0
	permanent := errors.New("not retryable at all")
	err := withRetry(context.Background(), retryPolicy{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}, true, func() error {
		calls++
		return permanent
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientUpToMax(t *testing.T) {
	calls := 0
	deadlock := &pgconn.PgError{Code: "40P01"}
	err := withRetry(context.Background(), retryPolicy{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}, true, func() error {
		calls++
		return deadlock
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestWithRetry_DeadlockFirstRetryIsImmediate(t *testing.T) {
	calls := 0
	deadlock := &pgconn.PgError{Code: "40P01"}
	start := time.Now()
	_ = withRetry(context.Background(), retryPolicy{maxRetries: 1, baseDelay: 50 * time.Millisecond, maxDelay: 100 * time.Millisecond}, true, func() error {
		calls++
		if calls == 1 {
			return deadlock
		}
		return nil
	})
	elapsed := time.Since(start)
	assert.Equal(t, 2, calls)
	assert.Less(t, elapsed, 40*time.Millisecond)
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	serialization := &pgconn.PgError{Code: "40001"}
	err := withRetry(ctx, retryPolicy{maxRetries: 3, baseDelay: 50 * time.Millisecond, maxDelay: 100 * time.Millisecond}, false, func() error {
		return serialization
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextDelay_CapsAtMax(t *testing.T) {
	d := nextDelay(2*time.Second, 2*time.Second)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 2200*time.Millisecond)
}
