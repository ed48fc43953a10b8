package cache

// Stats holds performance metrics for the judgment cache.
type Stats struct {
	// Enabled indicates whether caching is active. False covers both
	// configuration and a failed Redis connection at startup.
	Enabled bool
	// Hits is the total number of judgments served from the cache.
	Hits int64
	// Misses is the total number of lookups that went to the judge.
	Misses int64
	// Errors is the total number of failed cache operations. The
	// evaluations behind them proceeded uncached.
	Errors int64
	// HitRate is the ratio of hits to total lookups.
	HitRate float64

	// PoolHits is the number of connections reused from the Redis pool.
	PoolHits uint32
	// PoolMisses is the number of new connections created by the Redis pool.
	PoolMisses uint32
	// PoolTimeouts is the number of connection acquisition timeouts.
	PoolTimeouts uint32
	// PoolTotalConns is the total number of connections managed by the pool.
	PoolTotalConns uint32
	// PoolIdleConns is the number of idle connections available for reuse.
	PoolIdleConns uint32
}

// Stats returns a snapshot of cache effectiveness for monitoring.
func (m *Middleware) Stats() *Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	stats := &Stats{
		Enabled: m.enabled,
		Hits:    hits,
		Misses:  misses,
		Errors:  m.errors.Load(),
		HitRate: hitRate,
	}

	if m.client != nil {
		poolStats := m.client.PoolStats()
		stats.PoolHits = poolStats.Hits
		stats.PoolMisses = poolStats.Misses
		stats.PoolTimeouts = poolStats.Timeouts
		stats.PoolTotalConns = poolStats.TotalConns
		stats.PoolIdleConns = poolStats.IdleConns
	}

	return stats
}
