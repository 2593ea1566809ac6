package gatekeeper

// Health is the Gatekeeper's contribution to the orchestrator's overall
// /health response (spec.md §4.8): pool utilization plus breaker state,
// so an operator can tell a slow database from an open breaker.
type Health struct {
	PoolSize      int32
	PoolIdle      int32
	PoolInUse     int32
	PoolMaxConns  int32
	BreakerState  string
	LastFailure   string
	InflightTxns  int
}

// Health reports a point-in-time snapshot of the pool and breaker.
func (g *Gatekeeper) Health() Health {
	stat := g.pool.Stat()
	snap := g.breaker.snapshot()

	g.mu.Lock()
	inflight := len(g.inflight)
	g.mu.Unlock()

	h := Health{
		PoolSize:     stat.TotalConns(),
		PoolIdle:     stat.IdleConns(),
		PoolInUse:    stat.AcquiredConns(),
		PoolMaxConns: stat.MaxConns(),
		BreakerState: snap.State.String(),
		InflightTxns: inflight,
	}
	if !snap.LastFailure.IsZero() {
		h.LastFailure = snap.LastFailure.Format("2006-01-02T15:04:05Z07:00")
	}
	return h
}

// Healthy reports whether the Gatekeeper can currently serve traffic:
// the breaker must not be open.
func (g *Gatekeeper) Healthy() bool {
	return g.breaker.snapshot().State != StateOpen
}
