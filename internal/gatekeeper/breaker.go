package gatekeeper

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is one of the three states of spec.md §4.1.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker is a process-wide circuit breaker guarding access to the
// persistence layer. Unlike the teacher's LLM breaker (sliding window
// of failure rate, slow-call tracking) spec.md §4.1 defines the trip
// conditions purely in terms of consecutive failures and successes, so
// this is the simpler of the two models.
//
// CLOSED -> OPEN: consecutive failures >= FailureThreshold.
// OPEN -> HALF_OPEN: RecoveryTimeout elapsed since opening.
// HALF_OPEN -> CLOSED: SuccessThreshold consecutive successes.
// HALF_OPEN -> OPEN: any failure.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int

	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStateChange      time.Time
	lastFailure          time.Time

	logger *slog.Logger
	onTransition func(from, to BreakerState)
}

func newBreaker(cfg Config, logger *slog.Logger) *breaker {
	return &breaker{
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		successThreshold: cfg.SuccessThreshold,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		logger:           logger,
	}
}

// allow reports whether a call may proceed, transitioning OPEN->HALF_OPEN
// if the recovery timeout has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) >= b.recoveryTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// record reports the outcome of a call that allow() admitted.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++

		if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.successThreshold {
			b.transition(StateClosed)
		}
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with b.mu held.
func (b *breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = time.Now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	if b.logger != nil {
		b.logger.Info("gatekeeper circuit breaker transitioned", "from", from, "to", to)
	}
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// Snapshot is a point-in-time read of the breaker's state, for health().
type Snapshot struct {
	State       BreakerState
	LastFailure time.Time
	OpenedAt    time.Time
}

func (b *breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{State: b.state, LastFailure: b.lastFailure}
	if b.state != StateClosed {
		s.OpenedAt = b.lastStateChange
	}
	return s
}

func (b *breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.recoveryTimeout - time.Since(b.lastStateChange)
	if remaining < 0 {
		return 0
	}
	return remaining
}
