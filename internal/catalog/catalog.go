// Package catalog mirrors the external active-stream catalog the Load
// Balancer treats as authoritative set S (spec.md §4.5 inputs, §9 Design
// Notes/Open Questions). The source text's "fixed external IP" table is
// out of scope to stand up; what matters is the read-only boundary this
// package enforces: Source is a single-method interface the orchestrator
// only ever reads through, refreshed on a slow tick and cached so a
// planning pass never blocks on the external system.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

// Source supplies the full set of active stream ids. Implementations
// must never write to the underlying system.
type Source interface {
	List(ctx context.Context) ([]int64, error)
}

// PostgresSource reads the `streams` table, a local stand-in for the
// externally-owned catalog (spec.md §9: "this spec treats the catalog
// as externally provided and cached read-only"). The orchestrator's
// database user only ever SELECTs from it.
type PostgresSource struct {
	gk     *gatekeeper.Gatekeeper
	logger *slog.Logger
}

// NewPostgresSource creates a PostgresSource backed by gk.
func NewPostgresSource(gk *gatekeeper.Gatekeeper, logger *slog.Logger) *PostgresSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{gk: gk, logger: logger}
}

// List returns every active stream id, ascending.
func (s *PostgresSource) List(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.gk.RunRead(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT stream_id FROM streams WHERE active ORDER BY stream_id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const redisKey = "orchestrator:catalog:active_streams"

// Config holds the catalog mirror's tunables.
type Config struct {
	RefreshInterval time.Duration
	CacheTTL        time.Duration // Redis TTL on the mirrored copy; defaults to 2x RefreshInterval
}

func (c Config) refreshInterval() time.Duration {
	if c.RefreshInterval <= 0 {
		return 5 * time.Minute
	}
	return c.RefreshInterval
}

func (c Config) cacheTTL() time.Duration {
	if c.CacheTTL <= 0 {
		return 2 * c.refreshInterval()
	}
	return c.CacheTTL
}

// Mirror is a read-through cache of Source, refreshed by a background
// task and served from memory (falling back to Redis, then to a direct
// Source read) so the Balancer and Consistency Checker never block on
// the upstream system for every planning pass (spec.md §9).
type Mirror struct {
	source Source
	redis  *redis.Client // optional; nil means process-local cache only
	cfg    Config
	logger *slog.Logger
	metrics *metrics.CatalogMetrics

	mu     sync.RWMutex
	cached []int64
	loaded bool
}

// NewMirror creates a Mirror over source. redisClient may be nil, in
// which case the mirror falls back to an in-process-only cache.
func NewMirror(source Source, redisClient *redis.Client, cfg Config, logger *slog.Logger, m *metrics.CatalogMetrics) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{source: source, redis: redisClient, cfg: cfg, logger: logger, metrics: m}
}

// Interval returns the configured refresh period, for the task scheduler.
func (m *Mirror) Interval() time.Duration {
	return m.cfg.refreshInterval()
}

// Refresh pulls the current catalog from Source and updates both the
// in-process cache and, if configured, the Redis mirror.
func (m *Mirror) Refresh(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.RefreshesTotal.Inc()
	}
	ids, err := m.source.List(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RefreshFailures.Inc()
		}
		return err
	}

	m.mu.Lock()
	m.cached = ids
	m.loaded = true
	m.mu.Unlock()

	if m.redis != nil {
		payload, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if err := m.redis.Set(ctx, redisKey, payload, m.cfg.cacheTTL()).Err(); err != nil {
			m.logger.Warn("catalog: redis mirror write failed", "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.StreamCount.Set(float64(len(ids)))
	}
	m.logger.Info("catalog refreshed", "streams", len(ids))
	return nil
}

// ActiveStreams satisfies internal/consistency.CatalogSource and is the
// seam internal/tasks uses to populate a balancer.Snapshot. It serves
// from the in-process cache, falling back to Redis and finally to a
// direct (blocking) Source read on a cold start.
func (m *Mirror) ActiveStreams(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	cached, loaded := m.cached, m.loaded
	m.mu.RUnlock()
	if loaded {
		return cached, nil
	}

	if m.redis != nil {
		if val, err := m.redis.Get(ctx, redisKey).Bytes(); err == nil {
			var ids []int64
			if jsonErr := json.Unmarshal(val, &ids); jsonErr == nil {
				m.mu.Lock()
				m.cached, m.loaded = ids, true
				m.mu.Unlock()
				return ids, nil
			}
		}
	}

	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached, nil
}
