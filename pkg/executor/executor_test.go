package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	_ "modernc.org/sqlite"

	"github.com/dbadmin/querycache/pkg/cache"
	"github.com/dbadmin/querycache/pkg/metrics"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// setupExecutor returns an executor whose cache admits every read,
// since in-memory SQLite answers far below the default floor.
func setupExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	engine := cache.New(cache.Config{MinExecutionTime: 0})
	x := New(openTestDB(t), engine, opts...)

	ctx := context.Background()
	_, err := x.Execute(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = x.Execute(ctx, "CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, total REAL)")
	require.NoError(t, err)
	_, err = x.Execute(ctx, "INSERT INTO users (id, name) VALUES (?, ?), (?, ?)", 1, "alice", 2, "bob")
	require.NoError(t, err)
	return x
}

func TestExecute_EmptyStatement(t *testing.T) {
	x := New(openTestDB(t), cache.New(cache.DefaultConfig()))

	_, err := x.Execute(context.Background(), "   ")
	assert.True(t, errors.Is(err, ErrEmptyStatement))
}

func TestExecute_ReadMissThenHit(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	query := "SELECT id, name FROM users ORDER BY id"

	first, err := x.Execute(ctx, query)
	require.NoError(t, err)
	assert.Nil(t, first.Cache, "first execution comes from the database")
	assert.Equal(t, []string{"id", "name"}, first.Columns)
	require.Len(t, first.Rows, 2)
	assert.Equal(t, int64(1), first.Rows[0][0])
	assert.Equal(t, "alice", first.Rows[0][1])

	second, err := x.Execute(ctx, query)
	require.NoError(t, err)
	require.NotNil(t, second.Cache)
	assert.True(t, second.Cache.FromCache)
	assert.Equal(t, int64(1), second.Cache.CacheHits)
	assert.Equal(t, first.ExecutionTime, second.Cache.OriginalExecutionTime)
	assert.Equal(t, []string{"users"}, second.Cache.TableNames)
	assert.False(t, second.Cache.IsStale)
	assert.Equal(t, first.Rows, second.Rows)
}

func TestExecute_ParamsSeparateEntries(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	query := "SELECT name FROM users WHERE id = ?"

	alice, err := x.Execute(ctx, query, 1)
	require.NoError(t, err)
	bob, err := x.Execute(ctx, query, 2)
	require.NoError(t, err)

	assert.Nil(t, bob.Cache)
	assert.Equal(t, "alice", alice.Rows[0][0])
	assert.Equal(t, "bob", bob.Rows[0][0])
	assert.Equal(t, 2, x.Cache().Len())
}

func TestExecute_WriteInvalidates(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	usersQuery := "SELECT COUNT(*) FROM users"
	ordersQuery := "SELECT COUNT(*) FROM orders"

	_, err := x.Execute(ctx, usersQuery)
	require.NoError(t, err)
	_, err = x.Execute(ctx, ordersQuery)
	require.NoError(t, err)
	require.Equal(t, 2, x.Cache().Len())

	res, err := x.Execute(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", 3, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	after, err := x.Execute(ctx, usersQuery)
	require.NoError(t, err)
	assert.Nil(t, after.Cache, "users result was invalidated")
	assert.Equal(t, int64(3), after.Rows[0][0])

	orders, err := x.Execute(ctx, ordersQuery)
	require.NoError(t, err)
	require.NotNil(t, orders.Cache, "orders result survives a users write")
	assert.True(t, orders.Cache.FromCache)
}

func TestExecute_UpdateAndDelete(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	query := "SELECT name FROM users WHERE id = ?"

	_, err := x.Execute(ctx, query, 1)
	require.NoError(t, err)

	res, err := x.Execute(ctx, "UPDATE users SET name = ? WHERE id = ?", "alicia", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	got, err := x.Execute(ctx, query, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Cache)
	assert.Equal(t, "alicia", got.Rows[0][0])

	res, err = x.Execute(ctx, "DELETE FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	got, err = x.Execute(ctx, query, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Cache)
	assert.Empty(t, got.Rows)
}

func TestExecute_WrappedWritesInvalidate(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	query := "SELECT id FROM users ORDER BY id"

	_, err := x.Execute(ctx, query)
	require.NoError(t, err)
	require.Equal(t, 1, x.Cache().Len())

	cteDelete := "WITH gone AS (SELECT 1) DELETE FROM users WHERE id = 1"
	res, err := x.Execute(ctx, cteDelete)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, 0, x.Cache().Len(), "the read of users was invalidated and the write was not stored")

	got, err := x.Execute(ctx, query)
	require.NoError(t, err)
	assert.Nil(t, got.Cache)
	assert.Equal(t, [][]interface{}{{int64(2)}}, got.Rows)

	res, err = x.Execute(ctx, "REPLACE INTO users (id, name) VALUES (?, ?)", 5, "eve")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	got, err = x.Execute(ctx, query)
	require.NoError(t, err)
	assert.Nil(t, got.Cache)
	assert.Equal(t, [][]interface{}{{int64(2)}, {int64(5)}}, got.Rows)

	// Repeating a write always reaches the database.
	_, err = x.Execute(ctx, "INSERT OR REPLACE INTO users (id, name) VALUES (6, 'zed')")
	require.NoError(t, err)
	again, err := x.Execute(ctx, "INSERT OR REPLACE INTO users (id, name) VALUES (6, 'zed')")
	require.NoError(t, err)
	assert.Nil(t, again.Cache)
	assert.Equal(t, int64(1), again.RowsAffected)
}

type noRowsAffectedDB struct{}

func (noRowsAffectedDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("queries not supported")
}

func (noRowsAffectedDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return noRowsAffected{}, nil
}

type noRowsAffected struct{}

func (noRowsAffected) LastInsertId() (int64, error) { return 0, nil }
func (noRowsAffected) RowsAffected() (int64, error) {
	return 0, errors.New("rows affected not supported")
}

func TestExecute_RowsAffectedUnavailable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	x := New(noRowsAffectedDB{}, cache.New(cache.DefaultConfig()), WithLogger(zap.New(core)))

	res, err := x.Execute(context.Background(), "CREATE TABLE t (id int)")
	require.NoError(t, err)
	assert.Zero(t, res.RowsAffected)

	entries := logs.FilterMessage("driver did not report affected rows").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "rows affected not supported", entries[0].ContextMap()["error"])
}

func TestExecute_DDLInvalidates(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()

	_, err := x.Execute(ctx, "SELECT * FROM orders")
	require.NoError(t, err)
	require.Equal(t, 1, x.Cache().Len())

	_, err = x.Execute(ctx, "ALTER TABLE orders ADD COLUMN note TEXT")
	require.NoError(t, err)
	assert.Equal(t, 0, x.Cache().Len())

	got, err := x.Execute(ctx, "SELECT * FROM orders")
	require.NoError(t, err)
	assert.Contains(t, got.Columns, "note")
}

func TestExecute_WriteStaleness(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()

	_, err := x.Execute(ctx, "INSERT INTO orders (user_id, total) VALUES (1, 9.5)")
	require.NoError(t, err)
	_, err = x.Execute(ctx, "SELECT total FROM orders")
	require.NoError(t, err)

	got, err := x.Execute(ctx, "SELECT total FROM orders")
	require.NoError(t, err)
	require.NotNil(t, got.Cache)
	assert.True(t, got.Cache.IsStale, "read cached right after a write is flagged")
}

func TestExecute_HitIsIsolated(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()
	query := "SELECT id, name FROM users ORDER BY id"

	_, err := x.Execute(ctx, query)
	require.NoError(t, err)

	hit, err := x.Execute(ctx, query)
	require.NoError(t, err)
	hit.Rows[0][1] = "mallory"
	hit.Rows = hit.Rows[:1]

	again, err := x.Execute(ctx, query)
	require.NoError(t, err)
	require.Len(t, again.Rows, 2)
	assert.Equal(t, "alice", again.Rows[0][1])
	assert.Equal(t, int64(2), again.Cache.CacheHits)
}

func TestExecute_VolatileNotCached(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()

	_, err := x.Execute(ctx, "SELECT id, random() FROM users")
	require.NoError(t, err)
	got, err := x.Execute(ctx, "SELECT id, random() FROM users")
	require.NoError(t, err)

	assert.Nil(t, got.Cache)
	assert.Equal(t, 0, x.Cache().Len())
}

func TestExecute_Errors(t *testing.T) {
	x := setupExecutor(t)
	ctx := context.Background()

	_, err := x.Execute(ctx, "SELECT * FROM missing_table")
	assert.Error(t, err)

	_, err = x.Execute(ctx, "INSERT INTO missing_table VALUES (1)")
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = x.Execute(cancelled, "SELECT * FROM users WHERE id = 99")
	assert.Error(t, err)
}

func TestExecute_Metrics(t *testing.T) {
	m := metrics.NewCacheMetrics("test", nil)
	x := setupExecutor(t, WithMetrics(m))
	ctx := context.Background()

	_, err := x.Execute(ctx, "SELECT * FROM users")
	require.NoError(t, err)
	_, err = x.Execute(ctx, "SELECT * FROM users")
	require.NoError(t, err)

	assert.Equal(t, 3, testutil.CollectAndCount(m.QueryDuration))
}

func TestAffectedTables(t *testing.T) {
	tests := []struct {
		statement string
		want      []string
	}{
		{"INSERT INTO users VALUES (1)", []string{"users"}},
		{"UPDATE Users SET a = 1", []string{"users"}},
		{"DELETE FROM users", []string{"users"}},
		{"CREATE TABLE items (id int)", []string{"items"}},
		{"CREATE TABLE IF NOT EXISTS items (id int)", []string{"items"}},
		{"create temp table scratch (id int)", []string{"scratch"}},
		{"DROP TABLE IF EXISTS items", []string{"items"}},
		{"ALTER TABLE items ADD COLUMN c int", []string{"items"}},
		{"INSERT INTO archive SELECT * FROM users", []string{"archive", "users"}},
		{"CREATE INDEX idx ON items (id)", nil},
		{"WITH d AS (SELECT 1) DELETE FROM users WHERE id = 1", []string{"users"}},
		{"REPLACE INTO users VALUES (1)", []string{"users"}},
		{"INSERT OR REPLACE INTO users VALUES (1)", []string{"users"}},
		{"TRUNCATE TABLE users", []string{"users"}},
		{"truncate orders", []string{"orders"}},
		{"MERGE INTO users USING staging ON users.id = staging.id", []string{"users"}},
	}

	for _, tt := range tests {
		t.Run(tt.statement, func(t *testing.T) {
			assert.Equal(t, tt.want, AffectedTables(tt.statement))
		})
	}
}

func TestIsWrite(t *testing.T) {
	tests := []struct {
		statement string
		want      bool
	}{
		{"SELECT * FROM users", false},
		{"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", false},
		{"select updated_at from users", false},
		{"INSERT INTO users VALUES (1)", true},
		{"DROP TABLE users", true},
		{"WITH d AS (SELECT 1) DELETE FROM users", true},
		{"with ids as (select 1)\n  update users set a = 1", true},
		{"WITH src AS (SELECT 1) INSERT INTO users SELECT * FROM src", true},
		{"REPLACE INTO users VALUES (1)", true},
		{"TRUNCATE users", true},
		{"MERGE INTO users USING staging ON true", true},
		{"UPSERT INTO users VALUES (1)", true},
	}

	for _, tt := range tests {
		t.Run(tt.statement, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWrite(tt.statement))
		})
	}
}

func TestResultJSON(t *testing.T) {
	res := &Result{
		Columns:       []string{"n"},
		Rows:          [][]interface{}{{int64(1)}},
		ExecutionTime: 1500 * time.Microsecond,
		Cache: &CacheInfo{
			FromCache:             true,
			CacheHits:             2,
			OriginalExecutionTime: 120 * time.Millisecond,
			CacheAge:              3 * time.Second,
			TableNames:            []string{"t"},
		},
	}

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.5, decoded["executionTime"])

	info := decoded["cache"].(map[string]interface{})
	assert.Equal(t, true, info["fromCache"])
	assert.Equal(t, 120.0, info["originalExecutionTime"])
	assert.Equal(t, 3000.0, info["cacheAge"])
	assert.Equal(t, []interface{}{"t"}, info["tableNames"])
}
