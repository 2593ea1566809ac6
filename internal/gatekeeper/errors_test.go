package gatekeeper

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/streamforge/orchestrator/internal/apierr"
)

func TestClassify_DeadlineExceeded(t *testing.T) {
	ae := classify(context.DeadlineExceeded)
	assert.Equal(t, apierr.KindTransient, ae.Kind)
	assert.Equal(t, apierr.CodeTimeout, ae.Code)
}

func TestClassify_DeadlockIsTransient(t *testing.T) {
	ae := classify(&pgconn.PgError{Code: "40P01"})
	assert.Equal(t, apierr.KindTransient, ae.Kind)
}

func TestClassify_SerializationFailureIsTransient(t *testing.T) {
	ae := classify(&pgconn.PgError{Code: "40001"})
	assert.Equal(t, apierr.KindTransient, ae.Kind)
}

func TestClassify_ConnectionExceptionIsTransient(t *testing.T) {
	ae := classify(&pgconn.PgError{Code: "08006"})
	assert.Equal(t, apierr.KindTransient, ae.Kind)
}

func TestClassify_ConstraintViolationIsFatal(t *testing.T) {
	ae := classify(&pgconn.PgError{Code: "23505"})
	assert.Equal(t, apierr.KindFatal, ae.Kind)
}

func TestClassify_UnknownErrorIsFatal(t *testing.T) {
	ae := classify(errors.New("something truly unexpected"))
	assert.Equal(t, apierr.KindFatal, ae.Kind)
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, isDeadlock(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isDeadlock(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isDeadlock(errors.New("plain error")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetryable(&pgconn.PgError{Code: "23505"}))
}
