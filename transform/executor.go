// Package transform implements the Transform Mode Executor (spec
// §4.3): CREATE TABLE ... MODE {REPLACE|APPEND|UPSERT|INCREMENTAL}
// with atomic, schema-evolving, watermark-driven semantics.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/schema"
	"github.com/giaosudau/sqlflow/sqlengine"
	"github.com/giaosudau/sqlflow/watermark"
)

// State is a transform operation's lifecycle stage (spec §4.3 state
// machine: Planned -> Preparing -> Staging -> Swapping -> Committed|Failed).
type State string

const (
	StatePlanned   State = "planned"
	StatePreparing State = "preparing"
	StateStaging   State = "staging"
	StateSwapping  State = "swapping"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Executor realizes one CREATE TABLE ... AS statement against an
// embedded sqlengine.Engine, consulting the watermark store for
// INCREMENTAL mode.
type Executor struct {
	Engine        sqlengine.Engine
	Watermarks    *watermark.Store
	BulkThreshold int
	BatchSize     int
}

// NewExecutor constructs a transform Executor. bulkThreshold <= 0 uses
// the spec default of 10,000 (§4.3 "Performance policy").
func NewExecutor(engine sqlengine.Engine, watermarks *watermark.Store, bulkThreshold, batchSize int) *Executor {
	if bulkThreshold <= 0 {
		bulkThreshold = 10000
	}

	if batchSize <= 0 {
		batchSize = 1000
	}

	return &Executor{Engine: engine, Watermarks: watermarks, BulkThreshold: bulkThreshold, BatchSize: batchSize}
}

// Execute runs block under pipelineName, returning the final state. On
// any failure the transaction is rolled back and the live table is left
// untouched (spec §4.3/§4.4 "staging failures never affect the live
// object").
func (e *Executor) Execute(ctx context.Context, pipelineName string, block ast.SqlBlock) (State, error) {
	switch block.Mode {
	case ast.TransformReplace, "":
		return e.execReplace(ctx, block)
	case ast.TransformAppend:
		return e.execAppend(ctx, block)
	case ast.TransformUpsert:
		return e.execUpsert(ctx, block)
	case ast.TransformIncremental:
		return e.execIncremental(ctx, pipelineName, block)
	default:
		return StateFailed, fmt.Errorf("unknown transform mode %q", block.Mode)
	}
}

func (e *Executor) execReplace(ctx context.Context, block ast.SqlBlock) (State, error) {
	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return StateFailed, err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(block.TableName))); err != nil {
		tx.Rollback()
		return StateFailed, fmt.Errorf("replace %s: %w", block.TableName, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(block.TableName), block.Query)); err != nil {
		tx.Rollback()
		return StateFailed, fmt.Errorf("replace %s: %w", block.TableName, err)
	}

	if err := tx.Commit(); err != nil {
		return StateFailed, fmt.Errorf("replace %s commit: %w", block.TableName, err)
	}

	return StateCommitted, nil
}

// execAppend stages the query into a temp table, evolves the target
// schema against the staging schema, and inserts staging rows into the
// (possibly newly widened) target.
func (e *Executor) execAppend(ctx context.Context, block ast.SqlBlock) (State, error) {
	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return StateFailed, err
	}
	defer tx.Rollback()

	stageName := stagingName(block.TableName)

	if err := sqlengine.RegisterTempTable(ctx, tx, stageName, block.Query); err != nil {
		return StateFailed, err
	}

	if err := e.evolveAndMerge(ctx, tx, block.TableName, stageName); err != nil {
		return StateFailed, err
	}

	if err := tx.Commit(); err != nil {
		return StateFailed, fmt.Errorf("%w: append %s: %s", sqlflow.ErrSwapFailed, block.TableName, err)
	}

	return StateCommitted, nil
}

// execUpsert stages the query, then merges: rows whose key tuple exists
// in the target update non-key columns; others insert (spec §4.3 "UPSERT").
func (e *Executor) execUpsert(ctx context.Context, block ast.SqlBlock) (State, error) {
	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return StateFailed, err
	}
	defer tx.Rollback()

	exists, err := e.Engine.TableExists(ctx, block.TableName)
	if err != nil {
		return StateFailed, err
	}

	if exists {
		targetSnap, _, err := e.Engine.Schema(ctx, block.TableName)
		if err != nil {
			return StateFailed, err
		}

		for _, k := range block.MergeKeys {
			if _, ok := targetSnap.ColumnByName(k); !ok {
				return StateFailed, fmt.Errorf("%w: %s lacks key column %q", sqlflow.ErrMissingKeys, block.TableName, k)
			}
		}
	}

	stageName := stagingName(block.TableName)

	if err := sqlengine.RegisterTempTable(ctx, tx, stageName, block.Query); err != nil {
		return StateFailed, err
	}

	if !exists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 0", quoteIdent(block.TableName), stageName)); err != nil {
			return StateFailed, fmt.Errorf("creating %s: %w", block.TableName, err)
		}
	} else {
		if err := e.evolveSchema(ctx, tx, block.TableName, stageName); err != nil {
			return StateFailed, err
		}
	}

	keyPred := make([]string, len(block.MergeKeys))
	for i, k := range block.MergeKeys {
		keyPred[i] = fmt.Sprintf("%s = %s.%s", qualify(block.TableName, k), stageName, quoteIdent(k))
	}

	deleteStmt := fmt.Sprintf(
		"DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s WHERE %s)",
		quoteIdent(block.TableName), stageName, strings.Join(keyPred, " AND "),
	)

	if _, err := tx.Exec(ctx, deleteStmt); err != nil {
		return StateFailed, fmt.Errorf("%w: upsert delete phase: %s", sqlflow.ErrSwapFailed, err)
	}

	insertStmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(block.TableName), stageName)
	if _, err := tx.Exec(ctx, insertStmt); err != nil {
		return StateFailed, fmt.Errorf("%w: upsert insert phase: %s", sqlflow.ErrSwapFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return StateFailed, fmt.Errorf("%w: upsert %s: %s", sqlflow.ErrSwapFailed, block.TableName, err)
	}

	return StateCommitted, nil
}

// execIncremental resolves the watermark window, substitutes @start_dt
// etc via parameterized binding, and replaces the rows in range inside
// one transaction (spec §4.3 "INCREMENTAL").
func (e *Executor) execIncremental(ctx context.Context, pipelineName string, block ast.SqlBlock) (State, error) {
	key := watermark.Key{Pipeline: pipelineName, Source: block.TableName, Target: block.TableName, Column: block.TimeColumn}

	wm, hasWM, err := e.Watermarks.Get(ctx, key)
	if err != nil {
		return StateFailed, err
	}

	lookback, err := parseLookback(block.Lookback)
	if err != nil {
		return StateFailed, err
	}

	end := time.Now().UTC()

	var start time.Time

	if hasWM && wm.Kind == watermark.KindTimestamp {
		start = wm.Timestamp.Add(-lookback)
	}

	query, args, err := bindTimeMacros(block.Query, start, end)
	if err != nil {
		return StateFailed, err
	}

	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return StateFailed, err
	}
	defer tx.Rollback()

	exists, err := e.Engine.TableExists(ctx, block.TableName)
	if err != nil {
		return StateFailed, err
	}

	if !exists {
		if err := sqlengine.RegisterTempTable(ctx, tx, stagingName(block.TableName), query, args...); err != nil {
			return StateFailed, err
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(block.TableName), stagingName(block.TableName))); err != nil {
			return StateFailed, fmt.Errorf("creating %s: %w", block.TableName, err)
		}
	} else {
		deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE %s > ? AND %s <= ?",
			quoteIdent(block.TableName), quoteIdent(block.TimeColumn), quoteIdent(block.TimeColumn))
		if _, err := tx.Exec(ctx, deleteStmt, start, end); err != nil {
			return StateFailed, fmt.Errorf("%w: incremental delete phase: %s", sqlflow.ErrSwapFailed, err)
		}

		insertStmt := fmt.Sprintf("INSERT INTO %s %s", quoteIdent(block.TableName), query)
		if _, err := tx.Exec(ctx, insertStmt, args...); err != nil {
			return StateFailed, fmt.Errorf("%w: incremental insert phase: %s", sqlflow.ErrSwapFailed, err)
		}
	}

	maxObserved, ok, err := e.maxColumnValue(ctx, tx, block.TableName, block.TimeColumn)
	if err != nil {
		return StateFailed, err
	}

	if ok {
		next := maxObserved
		if hasWM {
			merged, comparable := watermark.Max(wm, maxObserved)
			if !comparable {
				return StateFailed, fmt.Errorf("%w: incomparable watermark kinds for %s", sqlflow.ErrWatermarkUpdate, block.TableName)
			}

			next = merged
		}

		if err := e.Watermarks.Update(ctx, tx, key, next); err != nil {
			return StateFailed, err
		}

		if err := tx.Commit(); err != nil {
			return StateFailed, fmt.Errorf("%w: incremental %s: %s", sqlflow.ErrSwapFailed, block.TableName, err)
		}

		e.Watermarks.CommitHook(key, next)

		return StateCommitted, nil
	}

	if err := tx.Commit(); err != nil {
		return StateFailed, fmt.Errorf("%w: incremental %s: %s", sqlflow.ErrSwapFailed, block.TableName, err)
	}

	return StateCommitted, nil
}

// maxColumnValue scans MAX(col) into its native driver type and derives
// its watermark Kind from the value itself (watermark.ValueFromAny),
// same as the load path's toWatermarkValue -- INCREMENTAL BY an
// integer or string cursor column gets a value_int/value_str watermark
// persisted instead of silently never updating one (spec §3/§4.5).
func (e *Executor) maxColumnValue(ctx context.Context, tx sqlengine.Tx, table, col string) (watermark.Value, bool, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(col), quoteIdent(table)))

	var raw any

	if err := row.Scan(&raw); err != nil {
		return watermark.Value{}, false, nil //nolint:nilerr // empty/NULL result, not a failure
	}

	v, ok := watermark.ValueFromAny(raw)

	return v, ok, nil
}

// evolveAndMerge evolves target's schema against stageName's and, if
// widened, ALTERs the target before inserting staged rows.
func (e *Executor) evolveAndMerge(ctx context.Context, tx sqlengine.Tx, table, stageName string) error {
	exists, err := e.Engine.TableExists(ctx, table)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(table), stageName)); err != nil {
			return fmt.Errorf("creating %s: %w", table, err)
		}

		return nil
	}

	if err := e.evolveSchema(ctx, tx, table, stageName); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(table), stageName)); err != nil {
		return fmt.Errorf("%w: append insert phase: %s", sqlflow.ErrSwapFailed, err)
	}

	return nil
}

func (e *Executor) evolveSchema(ctx context.Context, tx sqlengine.Tx, table, stageName string) error {
	targetSnap, _, err := e.Engine.Schema(ctx, table)
	if err != nil {
		return err
	}

	stagingSnap, _, err := e.Engine.Schema(ctx, stageName)
	if err != nil {
		return err
	}

	result, err := schema.Evolve(targetSnap, stagingSnap)
	if err != nil {
		return err
	}

	for _, col := range result.Widened.Columns {
		if _, existed := targetSnap.ColumnByName(col.Name); existed {
			continue
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(col.Name), col.Type)); err != nil {
			return fmt.Errorf("widening %s.%s: %w", table, col.Name, err)
		}
	}

	return nil
}

func stagingName(table string) string { return "stg_" + table }

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func qualify(table, col string) string { return quoteIdent(table) + "." + quoteIdent(col) }

func parseLookback(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed LOOKBACK duration %q", s)
	}

	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed LOOKBACK duration %q: %w", s, err)
	}

	unit := strings.TrimSuffix(strings.ToLower(parts[1]), "s")

	var per time.Duration

	switch unit {
	case "second":
		per = time.Second
	case "minute":
		per = time.Minute
	case "hour":
		per = time.Hour
	case "day":
		per = 24 * time.Hour
	case "week":
		per = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown LOOKBACK unit %q", parts[1])
	}

	return time.Duration(n) * per, nil
}

var macroTokens = []string{"@start_date", "@end_date", "@start_dt", "@end_dt"}

// bindTimeMacros replaces @start_dt/@end_dt/@start_date/@end_date with
// positional placeholders, scanning left to right so the bound args
// line up with the resulting "?" positions, so the substitution is
// parameterized rather than string-interpolated (spec §4.3 "never
// string interpolation"). @start_date/@end_date are checked before
// @start_dt/@end_dt at each position since the former are not prefixes
// of the latter but a naive per-token full-string replace would
// otherwise bind them out of left-to-right order.
func bindTimeMacros(query string, start, end time.Time) (string, []any, error) {
	var (
		args []any
		sb   strings.Builder
	)

	i := 0
	for i < len(query) {
		matched := ""

		for _, tok := range macroTokens {
			if strings.HasPrefix(query[i:], tok) {
				matched = tok
				break
			}
		}

		if matched == "" {
			sb.WriteByte(query[i])
			i++

			continue
		}

		sb.WriteByte('?')
		i += len(matched)

		switch matched {
		case "@start_dt":
			args = append(args, start)
		case "@end_dt":
			args = append(args, end)
		case "@start_date":
			args = append(args, start.Format("2006-01-02"))
		case "@end_date":
			args = append(args, end.Format("2006-01-02"))
		}
	}

	return sb.String(), args, nil
}
