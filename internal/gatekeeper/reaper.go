package gatekeeper

import "time"

// reapInterval is how often the reaper scans in-flight transactions.
const reapInterval = 5 * time.Second

// reapLoop is modeled on the teacher's PeriodicHealthChecker goroutine in
// postgres/pool.go: a ticking background loop owned by the component it
// monitors, stopped via a close-channel rather than a context so Close
// can be synchronous. spec.md §4.1 calls for aborting any transaction
// that exceeds TxnMaxDuration; pgx already enforces that via txnCtx's
// deadline inside execOnce, so the reaper's job is purely observational
// here — it logs transactions that are still tracked past their
// deadline, which should only happen if Commit/Rollback is hanging.
func (g *Gatekeeper) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopReaper:
			return
		case <-ticker.C:
			g.reapOnce()
		}
	}
}

func (g *Gatekeeper) reapOnce() {
	now := time.Now()

	g.mu.Lock()
	stale := make([]string, 0)
	for id, startedAt := range g.inflight {
		if now.Sub(startedAt) > g.cfg.TxnMaxDuration {
			stale = append(stale, id)
		}
	}
	g.mu.Unlock()

	for _, id := range stale {
		g.logger.Warn("gatekeeper transaction exceeded txn_max_duration",
			"txn_id", id, "txn_max_duration", g.cfg.TxnMaxDuration)
		if g.metrics != nil {
			g.metrics.ReapedTxns.Inc()
		}
	}
}
