// Package cache provides result caching for SQL read statements with
// write-driven invalidation.
//
// The engine sits in front of a statement executor. Before running a
// statement the executor calls Lookup; on a miss it runs the statement and
// offers the result to Store, which admits it only if the statement is a
// deterministic read of moderate cost. After any write or DDL statement the
// executor calls InvalidateWrites with the affected tables, and every entry
// that read one of those tables is discarded.
//
// Features:
//   - Bounded entry count, evicting the oldest entry by creation time
//   - TTL expiration, enforced on lookup and by a background sweep
//   - Table-scoped invalidation
//   - Staleness signal for entries stored shortly after a write
//   - Deep copies in and out, so callers never share cached state
//   - Hit/miss statistics
//
// Usage:
//
//	engine := cache.New(cache.DefaultConfig(), cache.WithLogger(logger))
//	engine.Start()
//	defer engine.Stop()
//
//	if hit, ok := engine.Lookup(stmt, params); ok {
//		return hit.Result
//	}
//	result, elapsed := run(stmt, params)
//	engine.Store(stmt, params, result, elapsed)
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dbadmin/querycache/pkg/metrics"
)

// Default engine settings.
const (
	DefaultMaxSize          = 1000
	DefaultTTL              = 5 * time.Minute
	DefaultStaleThreshold   = 30 * time.Second
	DefaultCleanupInterval  = time.Minute
	DefaultMinExecutionTime = 50 * time.Millisecond
	DefaultMaxExecutionTime = 30 * time.Second
)

// Config holds the engine's limits and admission bounds.
type Config struct {
	// MaxSize is the maximum number of resident entries.
	MaxSize int `yaml:"max_size"`
	// TTL is the maximum age of an entry.
	TTL time.Duration `yaml:"ttl"`
	// StaleThreshold is the window after a write during which entries
	// reading the written tables are flagged stale.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// MinExecutionTime is the fast-query floor: faster results are not cached.
	MinExecutionTime time.Duration `yaml:"min_execution_time"`
	// MaxExecutionTime is the slow-query ceiling: slower results are not cached.
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          DefaultMaxSize,
		TTL:              DefaultTTL,
		StaleThreshold:   DefaultStaleThreshold,
		CleanupInterval:  DefaultCleanupInterval,
		MinExecutionTime: DefaultMinExecutionTime,
		MaxExecutionTime: DefaultMaxExecutionTime,
	}
}

// withDefaults fills zero or negative fields from DefaultConfig.
// MinExecutionTime may legitimately be zero and is only defaulted when negative.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MinExecutionTime < 0 {
		c.MinExecutionTime = def.MinExecutionTime
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = def.MaxExecutionTime
	}
	return c
}

// Clock supplies the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's time source.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the collectors the engine updates.
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Hit is a successful lookup. Result is a copy the caller owns.
type Hit struct {
	Result        interface{}
	Hits          int64
	ExecutionTime time.Duration
	Age           time.Duration
	Stale         bool
	Tables        []string
}

// entry is one resident statement/result pairing.
type entry struct {
	key           Key
	result        interface{}
	created       time.Time
	hits          int64
	executionTime time.Duration
	statement     string
	tables        []string
	lastWrite     time.Time
	elem          *list.Element
}

// Engine is a bounded, time-aware result cache.
//
// All operations, including the background sweep, are serialized behind a
// single mutex; none of them block on I/O.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	clock   Clock
	logger  *zap.Logger
	metrics *metrics.CacheMetrics

	entries    map[Key]*entry
	order      *list.List                  // creation order, oldest at front
	tableIndex map[string]map[Key]struct{} // table -> keys reading it
	writes     map[string]time.Time        // table -> last reported write

	total         uint64
	hits          uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	invalidations uint64
	copyFallbacks uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Zero config fields take their defaults.
// The background sweep does not run until Start is called.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		clock:      systemClock{},
		logger:     zap.NewNop(),
		entries:    make(map[Key]*entry),
		order:      list.New(),
		tableIndex: make(map[string]map[Key]struct{}),
		writes:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Lookup returns the cached result for statement and params.
//
// Every call counts toward the lookup total. An entry older than TTL is
// removed and reported as a miss. On a hit the entry's hit count is
// incremented and a copy of the stored result is returned.
func (e *Engine) Lookup(statement string, params []interface{}) (*Hit, bool) {
	key := MakeKey(statement, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++

	ent, ok := e.entries[key]
	if !ok {
		e.misses++
		e.metrics.ObserveLookup(metrics.LookupMiss)
		return nil, false
	}

	now := e.clock.Now()
	age := now.Sub(ent.created)
	if age > e.cfg.TTL {
		e.removeEntry(ent)
		e.expirations++
		e.misses++
		e.metrics.ObserveLookup(metrics.LookupExpired)
		e.metrics.ObserveRemoval(metrics.RemovalExpired, 1)
		e.metrics.SetEntries(len(e.entries))
		return nil, false
	}

	ent.hits++
	e.hits++
	e.metrics.ObserveLookup(metrics.LookupHit)

	result, err := deepCopy(ent.result)
	if err != nil {
		e.copyFallback("lookup", ent.statement, err)
		result = ent.result
	}

	return &Hit{
		Result:        result,
		Hits:          ent.hits,
		ExecutionTime: ent.executionTime,
		Age:           age,
		Stale:         !ent.lastWrite.IsZero() && ent.lastWrite.After(now.Add(-e.cfg.StaleThreshold)),
		Tables:        append([]string(nil), ent.tables...),
	}, true
}

// Store offers a freshly executed result to the cache.
//
// Results failing the admission policy are silently dropped. When the cache
// is full the entry with the oldest creation time is evicted; lookups do not
// refresh an entry's position. Table names come from tables when given,
// otherwise they are extracted from the statement text. Storing a key that
// is already resident replaces it.
func (e *Engine) Store(statement string, params []interface{}, result interface{}, executionTime time.Duration, tables ...string) {
	if !admit(e.cfg, statement, executionTime) {
		e.metrics.ObserveStore(false)
		e.logger.Debug("statement not admitted to cache",
			zap.String("statement", statement),
			zap.Duration("execution_time", executionTime))
		return
	}

	names := normalizeTables(tables)
	if names == nil {
		names = ExtractTables(statement)
	}

	stored, err := deepCopy(result)
	if err != nil {
		e.mu.Lock()
		e.copyFallback("store", statement, err)
		e.mu.Unlock()
		stored = result
	}

	key := MakeKey(statement, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.entries[key]; ok {
		e.removeEntry(old)
	}
	for len(e.entries) >= e.cfg.MaxSize {
		if !e.evictOldest() {
			break
		}
	}

	now := e.clock.Now()
	ent := &entry{
		key:           key,
		result:        stored,
		created:       now,
		executionTime: executionTime,
		statement:     statement,
		tables:        names,
		lastWrite:     e.lastWriteFor(names),
	}
	ent.elem = e.order.PushBack(ent)
	e.entries[key] = ent
	for _, table := range names {
		keys := e.tableIndex[table]
		if keys == nil {
			keys = make(map[Key]struct{})
			e.tableIndex[table] = keys
		}
		keys[key] = struct{}{}
	}

	e.metrics.ObserveStore(true)
	e.metrics.SetEntries(len(e.entries))
}

// InvalidateWrites removes every entry that reads any of the given tables
// and returns how many were removed. Table names compare case-insensitively.
//
// The write time is also recorded per table so entries stored within
// StaleThreshold afterwards are flagged stale on lookup.
func (e *Engine) InvalidateWrites(tables ...string) int {
	names := normalizeTables(tables)
	if len(names) == 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	doomed := make(map[Key]*entry)
	for _, table := range names {
		e.writes[table] = now
		for key := range e.tableIndex[table] {
			if ent, ok := e.entries[key]; ok {
				doomed[key] = ent
			}
		}
	}
	for _, ent := range doomed {
		e.removeEntry(ent)
	}

	removed := len(doomed)
	e.invalidations += uint64(removed)
	e.metrics.ObserveRemoval(metrics.RemovalInvalidated, removed)
	e.metrics.SetEntries(len(e.entries))
	if removed > 0 {
		e.logger.Debug("invalidated cache entries",
			zap.Strings("tables", names),
			zap.Int("removed", removed))
	}
	return removed
}

// Sweep removes every entry older than TTL and returns how many were removed.
// It is called periodically once Start has been called and may also be
// called directly.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	removed := 0
	for elem := e.order.Front(); elem != nil; {
		next := elem.Next()
		ent := elem.Value.(*entry)
		if now.Sub(ent.created) > e.cfg.TTL {
			e.removeEntry(ent)
			removed++
		}
		elem = next
	}

	for table, at := range e.writes {
		if !at.After(now.Add(-e.cfg.StaleThreshold)) {
			delete(e.writes, table)
		}
	}

	e.expirations += uint64(removed)
	e.metrics.ObserveRemoval(metrics.RemovalExpired, removed)
	e.metrics.SetEntries(len(e.entries))
	return removed
}

// Clear removes all entries and resets every statistics counter.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cleared := len(e.entries)
	e.entries = make(map[Key]*entry)
	e.order.Init()
	e.tableIndex = make(map[string]map[Key]struct{})
	e.writes = make(map[string]time.Time)
	e.total = 0
	e.hits = 0
	e.misses = 0
	e.evictions = 0
	e.expirations = 0
	e.invalidations = 0
	e.copyFallbacks = 0

	e.metrics.ObserveRemoval(metrics.RemovalCleared, cleared)
	e.metrics.SetEntries(0)
	e.logger.Info("query cache cleared", zap.Int("entries", cleared))
}

// Len returns the number of resident entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Start launches the background sweep, running every CleanupInterval.
// Calling Start on a running engine does nothing.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Sweep(); n > 0 {
					e.logger.Debug("swept expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
// It is safe to call Stop more than once.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
		e.wg.Wait()
	}
}

// evictOldest removes the entry created first. Caller must hold the lock.
func (e *Engine) evictOldest() bool {
	front := e.order.Front()
	if front == nil {
		return false
	}
	ent := front.Value.(*entry)
	e.removeEntry(ent)
	e.evictions++
	e.metrics.ObserveRemoval(metrics.RemovalEvicted, 1)
	return true
}

// removeEntry unlinks ent from every index. Caller must hold the lock.
func (e *Engine) removeEntry(ent *entry) {
	for _, table := range ent.tables {
		if keys, ok := e.tableIndex[table]; ok {
			delete(keys, ent.key)
			if len(keys) == 0 {
				delete(e.tableIndex, table)
			}
		}
	}
	if ent.elem != nil {
		e.order.Remove(ent.elem)
	}
	delete(e.entries, ent.key)
}

// lastWriteFor returns the most recent recorded write to any of tables.
// Caller must hold the lock.
func (e *Engine) lastWriteFor(tables []string) time.Time {
	var latest time.Time
	for _, table := range tables {
		if at, ok := e.writes[table]; ok && at.After(latest) {
			latest = at
		}
	}
	return latest
}

// copyFallback records that a result is being shared uncopied.
// Caller must hold the lock.
func (e *Engine) copyFallback(op, statement string, err error) {
	e.copyFallbacks++
	e.metrics.ObserveCopyFallback(op)
	e.logger.Warn("deep copy failed, sharing cached result uncopied",
		zap.String("op", op),
		zap.String("statement", statement),
		zap.Error(err))
}
