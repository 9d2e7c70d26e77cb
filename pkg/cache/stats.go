package cache

import "time"

// Stats is a point-in-time view of the engine, computed on each call.
type Stats struct {
	TotalQueries uint64  `json:"totalQueries"`
	CacheHits    uint64  `json:"cacheHits"`
	CacheMisses  uint64  `json:"cacheMisses"`
	HitRate      float64 `json:"hitRate"` // hits/total, 0 when total is 0
	CacheSize    int     `json:"cacheSize"`
	MaxSize      int     `json:"maxSize"`

	// AvgExecutionTime averages the original execution time of resident
	// entries only; removed entries no longer contribute.
	AvgExecutionTime time.Duration `json:"-"`
	AvgExecutionMs   float64       `json:"avgExecutionTime"`

	Evictions     uint64 `json:"evictions"`
	Expirations   uint64 `json:"expirations"`
	Invalidations uint64 `json:"invalidations"`
	CopyFallbacks uint64 `json:"copyFallbacks"`
}

// Stats returns current cache statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		TotalQueries:  e.total,
		CacheHits:     e.hits,
		CacheMisses:   e.misses,
		CacheSize:     len(e.entries),
		MaxSize:       e.cfg.MaxSize,
		Evictions:     e.evictions,
		Expirations:   e.expirations,
		Invalidations: e.invalidations,
		CopyFallbacks: e.copyFallbacks,
	}
	if e.total > 0 {
		stats.HitRate = float64(e.hits) / float64(e.total)
	}

	if n := len(e.entries); n > 0 {
		var sum time.Duration
		for _, ent := range e.entries {
			sum += ent.executionTime
		}
		stats.AvgExecutionTime = sum / time.Duration(n)
		stats.AvgExecutionMs = float64(stats.AvgExecutionTime) / float64(time.Millisecond)
	}

	return stats
}
