// Package executor runs SQL statements against a database/sql handle with
// the query result cache in front of it.
//
// Reads are looked up in the cache first and stored after execution when
// they pass the admission policy. Writes and DDL always reach the database
// and invalidate every cached result that read an affected table.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbadmin/querycache/pkg/cache"
	"github.com/dbadmin/querycache/pkg/metrics"
)

// ErrEmptyStatement is returned when Execute is given blank statement text.
var ErrEmptyStatement = errors.New("empty statement")

// DB is the subset of *sql.DB (and *sql.Tx) the executor needs.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Result is the outcome of one statement.
type Result struct {
	Columns       []string        `json:"columns"`
	Rows          [][]interface{} `json:"rows"`
	RowsAffected  int64           `json:"rowsAffected"`
	ExecutionTime time.Duration   `json:"-"`
	Cache         *CacheInfo      `json:"cache,omitempty"`
}

// CacheInfo is attached to results served from the cache.
type CacheInfo struct {
	FromCache             bool          `json:"fromCache"`
	CacheHits             int64         `json:"cacheHits"`
	OriginalExecutionTime time.Duration `json:"-"`
	IsStale               bool          `json:"isStale"`
	CacheAge              time.Duration `json:"-"`
	TableNames            []string      `json:"tableNames"`
}

// MarshalJSON renders durations as fractional milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ExecutionTime float64 `json:"executionTime"`
	}{plain(r), millis(r.ExecutionTime)})
}

// MarshalJSON renders durations as fractional milliseconds.
func (c CacheInfo) MarshalJSON() ([]byte, error) {
	type plain CacheInfo
	return json.Marshal(struct {
		plain
		OriginalExecutionTime float64 `json:"originalExecutionTime"`
		CacheAge              float64 `json:"cacheAge"`
	}{plain(c), millis(c.OriginalExecutionTime), millis(c.CacheAge)})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Patterns naming the target table of writes and DDL that the read-side
// extraction does not look for.
var writeTargetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:create|alter|drop)\s+(?:temporary\s+|temp\s+)?table\s+(?:if\s+(?:not\s+)?exists\s+)?([^\s,;()]+)`),
	regexp.MustCompile(`^truncate\s+(?:table\s+)?([^\s,;()]+)`),
	regexp.MustCompile(`^(?:replace|upsert|merge|insert\s+or\s+\w+)\s+into\s+([^\s,;()]+)`),
}

// Writes the cache's admission prefixes do not cover.
var (
	writeKeywordPattern = regexp.MustCompile(`^(?:replace|truncate|merge|upsert)\b`)
	cteWritePattern     = regexp.MustCompile(`\b(?:insert|update|delete|replace|merge)\b`)
)

// IsWrite reports whether statement modifies data or schema and must go to
// the database with ExecContext. It covers the cache's write prefixes plus
// replace, truncate, merge, upsert and WITH clauses wrapping a write.
func IsWrite(statement string) bool {
	if cache.IsWriteStatement(statement) {
		return true
	}
	normalized := cache.NormalizeStatement(statement)
	if writeKeywordPattern.MatchString(normalized) {
		return true
	}
	return strings.HasPrefix(normalized, "with ") && cteWritePattern.MatchString(normalized)
}

// AffectedTables returns the tables a write or DDL statement touches.
func AffectedTables(statement string) []string {
	tables := cache.ExtractTables(statement)
	normalized := cache.NormalizeStatement(statement)
	for _, pattern := range writeTargetPatterns {
		m := pattern.FindStringSubmatch(normalized)
		if m == nil || slices.Contains(tables, m[1]) {
			continue
		}
		tables = append(tables, m[1])
	}
	return tables
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(x *Executor) { x.logger = logger }
}

// WithMetrics sets the collectors the executor updates.
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(x *Executor) { x.metrics = m }
}

// Executor runs statements through the cache.
type Executor struct {
	db      DB
	cache   *cache.Engine
	logger  *zap.Logger
	metrics *metrics.CacheMetrics
}

// New creates an executor over db using engine for caching.
func New(db DB, engine *cache.Engine, opts ...Option) *Executor {
	x := &Executor{
		db:     db,
		cache:  engine,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Cache returns the engine the executor consults.
func (x *Executor) Cache() *cache.Engine {
	return x.cache
}

// Execute runs statement with params.
//
// Write and DDL statements (see IsWrite) are executed with ExecContext and
// then invalidate cached reads of the affected tables; they are never stored. Everything else is a read: a cache hit
// is returned with Cache populated; a miss runs the query and offers the
// result to the cache.
func (x *Executor) Execute(ctx context.Context, statement string, params ...interface{}) (*Result, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, ErrEmptyStatement
	}
	if IsWrite(statement) {
		return x.write(ctx, statement, params)
	}
	return x.read(ctx, statement, params)
}

func (x *Executor) write(ctx context.Context, statement string, params []interface{}) (*Result, error) {
	start := time.Now()
	res, err := x.db.ExecContext(ctx, statement, params...)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}

	// Some drivers cannot report affected rows for DDL.
	affected, err := res.RowsAffected()
	if err != nil {
		x.logger.Debug("driver did not report affected rows", zap.Error(err))
		affected = 0
	}

	tables := AffectedTables(statement)
	removed := x.cache.InvalidateWrites(tables...)
	x.metrics.ObserveQuery("write", "database", elapsed)
	x.logger.Debug("executed write",
		zap.Strings("tables", tables),
		zap.Int64("rows_affected", affected),
		zap.Int("invalidated", removed),
		zap.Duration("elapsed", elapsed))

	return &Result{
		RowsAffected:  affected,
		ExecutionTime: elapsed,
	}, nil
}

func (x *Executor) read(ctx context.Context, statement string, params []interface{}) (*Result, error) {
	start := time.Now()
	if hit, ok := x.cache.Lookup(statement, params); ok {
		if cached, ok := hit.Result.(*Result); ok {
			elapsed := time.Since(start)
			cached.ExecutionTime = elapsed
			cached.Cache = &CacheInfo{
				FromCache:             true,
				CacheHits:             hit.Hits,
				OriginalExecutionTime: hit.ExecutionTime,
				IsStale:               hit.Stale,
				CacheAge:              hit.Age,
				TableNames:            hit.Tables,
			}
			x.metrics.ObserveQuery("read", "cache", elapsed)
			return cached, nil
		}
		x.logger.Warn("unexpected cached result type, re-running query",
			zap.String("type", fmt.Sprintf("%T", hit.Result)))
	}

	start = time.Now()
	result, err := x.query(ctx, statement, params)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	result.ExecutionTime = elapsed

	x.cache.Store(statement, params, result, elapsed)
	x.metrics.ObserveQuery("read", "database", elapsed)
	return result, nil
}

func (x *Executor) query(ctx context.Context, statement string, params []interface{}) (*Result, error) {
	rows, err := x.db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &Result{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return result, nil
}
