// Package idempotency implements the Idempotency-Key cache spec.md §6
// requires on every mutating endpoint: "repeats within 5 minutes return
// the original outcome." It is grounded on the teacher's
// internal/infrastructure/lock/distributed.go distributed-lock pattern
// — Redis SETNX to win a race, a guarded write to finish it — repurposed
// from mutual-exclusion locking to response caching: the first caller to
// see a key "acquires" it (reserving the slot so concurrent retries
// don't both execute the handler), runs the handler, then "releases" it
// by overwriting the reservation with the completed response instead of
// deleting the key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamforge/orchestrator/pkg/metrics"
)

// ErrInFlight is returned by Begin when another caller reserved the
// same key and has not yet completed it — the request arrived as a
// genuine concurrent retry, not a replay of a finished one.
var ErrInFlight = errors.New("idempotency: request already in flight")

// placeholder is the value SETNX writes to reserve a key before the
// real response is known.
const placeholder = "\x00in-flight"

// Record is the cached outcome of the first successful handling of a
// given Idempotency-Key.
type Record struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// Store is a Redis-backed idempotent-response cache.
type Store struct {
	redis   *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.IdempotencyMetrics
}

// New creates a Store. ttl defaults to 5 minutes if zero, matching
// spec.md §6's default idempotency window.
func New(redisClient *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.IdempotencyMetrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{redis: redisClient, ttl: ttl, logger: logger, metrics: m}
}

func redisKey(key string) string {
	return "orchestrator:idempotency:" + key
}

// Begin reserves key for the caller that first sees it. reserved=true
// means the caller owns the request and must call Complete once it has
// a response. reserved=false with a non-nil Record means a previous
// call already completed — replay that Record verbatim. reserved=false
// with ErrInFlight means a previous call is still running.
func (s *Store) Begin(ctx context.Context, key string) (reserved bool, rec *Record, err error) {
	ok, err := s.redis.SetNX(ctx, redisKey(key), placeholder, s.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		if s.metrics != nil {
			s.metrics.Misses.Inc()
		}
		return true, nil, nil
	}

	raw, err := s.redis.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return false, nil, err
	}
	if string(raw) == placeholder {
		if s.metrics != nil {
			s.metrics.InFlight.Inc()
		}
		return false, nil, ErrInFlight
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return false, nil, err
	}
	if s.metrics != nil {
		s.metrics.Hits.Inc()
	}
	return false, &record, nil
}

// Complete stores the outcome of a request previously reserved by
// Begin, replacing the in-flight placeholder so later replays within
// the TTL window see the finished response instead of ErrInFlight.
func (s *Store) Complete(ctx context.Context, key string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, redisKey(key), payload, s.ttl).Err()
}

// Abandon clears a reservation without recording an outcome, so a
// caller that failed before producing a response (e.g. context
// cancellation) doesn't leave every retry stuck on ErrInFlight until
// the TTL expires.
func (s *Store) Abandon(ctx context.Context, key string) error {
	return s.redis.Del(ctx, redisKey(key)).Err()
}
