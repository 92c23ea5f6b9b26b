package transform

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/sqlengine/sqlite"
	"github.com/giaosudau/sqlflow/watermark"
)

func newExecutor(t *testing.T) (*Executor, func()) {
	t.Helper()

	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)

	ctx := context.Background()
	wms, err := watermark.NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	return NewExecutor(eng, wms, 0, 0), func() { eng.Close() }
}

func TestExecutor_ReplaceIsIdempotent(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()
	block := ast.SqlBlock{TableName: "t", Mode: ast.TransformReplace, Query: `SELECT 1 AS a, '2024-01-01' AS d`}

	st, err := ex.Execute(ctx, "p", block)
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, st)

	st, err = ex.Execute(ctx, "p", block)
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, st)

	snap, ok, err := ex.Engine.Schema(ctx, "t")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, len(snap.Columns))
}

func TestExecutor_AppendWithColumnAddition(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{TableName: "t", Mode: ast.TransformReplace, Query: `SELECT 1 AS a`})
	assert.NoError(t, err)

	st, err := ex.Execute(ctx, "p", ast.SqlBlock{TableName: "t", Mode: ast.TransformAppend, Query: `SELECT 3 AS a, 'x' AS b`})
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, st)

	snap, ok, err := ex.Engine.Schema(ctx, "t")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, len(snap.Columns))

	col, ok := snap.ColumnByName("b")
	assert.True(t, ok)
	assert.True(t, col.Nullable)
}

func TestExecutor_UpsertCompositeKey(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "t", Mode: ast.TransformReplace,
		Query: `SELECT 1 AS id, 'us' AS region, 10 AS v`,
	})
	assert.NoError(t, err)

	st, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "t", Mode: ast.TransformUpsert, MergeKeys: []string{"id", "region"},
		Query: `SELECT 1 AS id, 'us' AS region, 11 AS v UNION ALL SELECT 2, 'eu', 20`,
	})
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, st)

	tx, err := ex.Engine.Begin(ctx)
	assert.NoError(t, err)
	defer tx.Rollback()

	row := tx.QueryRow(ctx, `SELECT COUNT(*) FROM t`)

	var n int
	assert.NoError(t, row.Scan(&n))
	assert.Equal(t, 2, n)
}

func TestExecutor_UpsertMissingKeyColumnFails(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{TableName: "t", Mode: ast.TransformReplace, Query: `SELECT 1 AS id`})
	assert.NoError(t, err)

	_, err = ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "t", Mode: ast.TransformUpsert, MergeKeys: []string{"missing_col"},
		Query: `SELECT 1 AS id`,
	})
	assert.Error(t, err)
}

// Regression: maxColumnValue must derive the watermark Kind from the
// scanned column value instead of always assuming a timestamp, else
// INCREMENTAL BY an integer or string cursor never gets a watermark
// persisted and every run silently re-reads from the start.
func TestMaxColumnValue_DerivesKindFromColumnType(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "events", Mode: ast.TransformReplace,
		Query: `SELECT 1 AS seq, 'b' AS code UNION ALL SELECT 2, 'a' UNION ALL SELECT 3, 'c'`,
	})
	assert.NoError(t, err)

	tx, err := ex.Engine.Begin(ctx)
	assert.NoError(t, err)
	defer tx.Rollback()

	v, ok, err := ex.maxColumnValue(ctx, tx, "events", "seq")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, watermark.KindInt, v.Kind)
	assert.Equal(t, int64(3), v.Int)

	v, ok, err = ex.maxColumnValue(ctx, tx, "events", "code")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, watermark.KindString, v.Kind)
	assert.Equal(t, "c", v.Str)
}

func TestMaxColumnValue_EmptyTableReportsNotFoundWithoutError(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "empty_events", Mode: ast.TransformReplace,
		Query: `SELECT 1 AS seq WHERE 1 = 0`,
	})
	assert.NoError(t, err)

	tx, err := ex.Engine.Begin(ctx)
	assert.NoError(t, err)
	defer tx.Rollback()

	_, ok, err := ex.maxColumnValue(ctx, tx, "empty_events", "seq")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutor_IncrementalFirstRunInsertsAll(t *testing.T) {
	ex, cleanup := newExecutor(t)
	defer cleanup()

	ctx := context.Background()

	_, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "orders", Mode: ast.TransformReplace,
		Query: `SELECT '2024-01-01' AS ts, 10 AS amount UNION ALL SELECT '2024-01-02', 20 UNION ALL SELECT '2024-01-03', 30`,
	})
	assert.NoError(t, err)

	st, err := ex.Execute(ctx, "p", ast.SqlBlock{
		TableName: "daily", Mode: ast.TransformIncremental, TimeColumn: "ts", Lookback: "1 day",
		Query: `SELECT ts, amount FROM orders WHERE ts > @start_dt AND ts <= @end_dt`,
	})
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, st)
}
