package gatekeeper

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamforge/orchestrator/internal/apierr"
)

// classify turns a low-level driver error into an apierr.Error:
// Transient (code TIMEOUT for timeouts, cancellations and retryable
// SQLSTATEs, code DATABASE_UNAVAILABLE for network and connection
// errors) or Fatal (code INTERNAL for non-retryable SQLSTATEs and
// anything unrecognized). The open-breaker case is handled by the
// caller, not here.
func classify(err error) *apierr.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindTransient, apierr.CodeTimeout, "statement timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindTransient, apierr.CodeTimeout, "operation cancelled", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isRetryablePgCode(pgErr.Code) {
			return apierr.Wrap(apierr.KindTransient, apierr.CodeTimeout, "transient database error: "+pgErr.Code, err)
		}
		return apierr.Wrap(apierr.KindFatal, apierr.CodeInternal, "database error: "+pgErr.Code, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apierr.Wrap(apierr.KindTransient, apierr.CodeDatabaseUnavail, "network error reaching database", err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return apierr.Wrap(apierr.KindTransient, apierr.CodeTimeout, "timeout", err)
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "closed pool") {
		return apierr.Wrap(apierr.KindTransient, apierr.CodeDatabaseUnavail, "connection error", err)
	}

	return apierr.Wrap(apierr.KindFatal, apierr.CodeInternal, "unclassified database error", err)
}

// isRetryablePgCode reports whether a Postgres SQLSTATE is transient:
// deadlock detected (40P01), serialization failure (40001), connection
// exception classes (08xxx).
func isRetryablePgCode(code string) bool {
	switch code {
	case "40P01", "40001":
		return true
	}
	if strings.HasPrefix(code, "08") {
		return true
	}
	return false
}

// isRetryable reports whether classify(err) should be retried by
// RunWrite's backoff loop.
func isRetryable(err error) bool {
	ae := classify(err)
	return ae != nil && ae.Kind == apierr.KindTransient
}

// isDeadlock reports whether err is a Postgres deadlock (SQLSTATE
// 40P01), which spec.md §4.1 says is retried immediately once before
// backoff kicks in.
func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01"
	}
	return false
}

// ErrCircuitOpen is returned by Run{Read,Write} when the breaker is open.
var ErrCircuitOpen = apierr.Unavailable("gatekeeper circuit breaker is open", 0)

// ErrPoolTimeout is returned when a caller waits longer than PoolWait
// for a connection.
var ErrPoolTimeout = apierr.New(apierr.KindTransient, apierr.CodeTimeout, "timed out waiting for a database connection")
