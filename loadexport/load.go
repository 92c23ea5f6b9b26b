// Package loadexport implements the Load & Export Executors (spec
// §4.4): the universal stage-and-swap protocol bridging external
// connectors and the embedded SQL engine.
package loadexport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/sqlengine"
	"github.com/giaosudau/sqlflow/transform"
	"github.com/giaosudau/sqlflow/watermark"
)

// LoadExecutor realizes LOAD <table> FROM <source> (spec §4.4
// "Load executor (source → SQL engine)").
type LoadExecutor struct {
	Engine     sqlengine.Engine
	Watermarks *watermark.Store
	BatchSize  int
}

// NewLoadExecutor constructs a LoadExecutor. batchSize <= 0 defaults to 1000.
func NewLoadExecutor(engine sqlengine.Engine, watermarks *watermark.Store, batchSize int) *LoadExecutor {
	if batchSize <= 0 {
		batchSize = 1000
	}

	return &LoadExecutor{Engine: engine, Watermarks: watermarks, BatchSize: batchSize}
}

// Load pulls batches from def's connector (incrementally if def.Sync ==
// "incremental" and the connector supports it, else logging a downgrade
// to a full read per spec §4.4) and commits them into stmt.TargetTable
// per stmt.Mode.
func (e *LoadExecutor) Load(ctx context.Context, pipelineName string, def ast.SourceDef, stmt ast.LoadStmt) (transform.State, error) {
	conn, err := connector.New(def.Type)
	if err != nil {
		return transform.StateFailed, err
	}

	if err := conn.Configure(def.Params); err != nil {
		return transform.StateFailed, err
	}

	readable, ok := conn.(connector.Readable)
	if !ok {
		return transform.StateFailed, fmt.Errorf("connector %q is not readable", def.Type)
	}

	var (
		watermarkKey watermark.Key
		hasWatermark bool
		lastValue    watermark.Value
	)

	it, usedIncremental, err := e.openIterator(ctx, pipelineName, def, stmt, readable, &watermarkKey, &hasWatermark, &lastValue)
	if err != nil {
		return transform.StateFailed, err
	}
	defer it.Close()

	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return transform.StateFailed, err
	}
	defer tx.Rollback()

	stageName := "stg_load_" + stmt.TargetTable

	var (
		staged    bool
		maxCursor watermark.Value
		haveMax   bool
	)

	for {
		batch, more, err := it.Next(ctx)
		if err != nil {
			return transform.StateFailed, err
		}

		if !more {
			break
		}

		if !staged {
			if err := createStagingTable(ctx, tx, stageName, batch.Columns); err != nil {
				return transform.StateFailed, err
			}

			staged = true
		}

		if err := insertBatch(ctx, tx, stageName, batch); err != nil {
			return transform.StateFailed, err
		}

		if def.CursorCol != "" {
			if v, ok := maxInBatch(batch, def.CursorCol); ok {
				if !haveMax {
					maxCursor, haveMax = v, true
				} else if merged, comparable := watermark.Max(maxCursor, v); comparable {
					maxCursor = merged
				}
			}
		}
	}

	if !staged {
		// no rows emitted; nothing to commit.
		return transform.StateCommitted, nil
	}

	if err := commitLoad(ctx, tx, stmt, stageName); err != nil {
		return transform.StateFailed, err
	}

	if usedIncremental && haveMax {
		if err := e.Watermarks.Update(ctx, tx, watermarkKey, maxCursor); err != nil {
			return transform.StateFailed, err
		}
	}

	if err := tx.Commit(); err != nil {
		return transform.StateFailed, fmt.Errorf("%w: load %s: %s", sqlflow.ErrSwapFailed, stmt.TargetTable, err)
	}

	if usedIncremental && haveMax {
		e.Watermarks.CommitHook(watermarkKey, maxCursor)
	}

	return transform.StateCommitted, nil
}

func (e *LoadExecutor) openIterator(
	ctx context.Context, pipelineName string, def ast.SourceDef, stmt ast.LoadStmt, readable connector.Readable,
	watermarkKey *watermark.Key, hasWatermark *bool, lastValue *watermark.Value,
) (connector.RowIterator, bool, error) {
	if def.Sync != "incremental" {
		it, err := readable.Read(ctx, def.Name, nil, e.BatchSize)
		return it, false, err
	}

	incr, ok := readable.(connector.IncrementallyReadable)
	if !ok {
		// Source declares incremental sync but the connector cannot do
		// it: downgrade to a full read (spec §4.4 "the executor logs a
		// downgrade and performs a full read").
		slog.Warn("connector cannot read incrementally; downgrading to a full read",
			"source", def.Name, "connector", def.Type)

		it, err := readable.Read(ctx, def.Name, nil, e.BatchSize)
		return it, false, err
	}

	*watermarkKey = watermark.Key{Pipeline: pipelineName, Source: def.Name, Target: stmt.TargetTable, Column: def.CursorCol}

	v, ok, err := e.Watermarks.Get(ctx, *watermarkKey)
	if err != nil {
		return nil, false, err
	}

	*hasWatermark = ok
	*lastValue = v

	var last any

	if ok {
		last = watermarkAsAny(v)
	}

	it, err := incr.ReadIncremental(ctx, def.Name, def.CursorCol, last, nil, e.BatchSize)

	return it, true, err
}

func watermarkAsAny(v watermark.Value) any {
	switch v.Kind {
	case watermark.KindTimestamp:
		return v.Timestamp
	case watermark.KindInt:
		return v.Int
	default:
		return v.Str
	}
}

func maxInBatch(batch connector.RowBatch, cursorCol string) (watermark.Value, bool) {
	idx := -1

	for i, c := range batch.Columns {
		if strings.EqualFold(c, cursorCol) {
			idx = i
			break
		}
	}

	if idx < 0 {
		return watermark.Value{}, false
	}

	var (
		max   watermark.Value
		found bool
	)

	for _, row := range batch.Rows {
		v, ok := watermark.ValueFromAny(row[idx])
		if !ok {
			continue
		}

		if !found {
			max, found = v, true
			continue
		}

		if merged, comparable := watermark.Max(max, v); comparable {
			max = merged
		}
	}

	return max, found
}

func createStagingTable(ctx context.Context, tx sqlengine.Tx, name string, cols []string) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " TEXT"
	}

	_, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s)", name, strings.Join(defs, ", ")))
	if err != nil {
		return fmt.Errorf("creating staging table %s: %w", name, err)
	}

	return nil
}

func insertBatch(ctx context.Context, tx sqlengine.Tx, name string, batch connector.RowBatch) error {
	placeholders := make([]string, len(batch.Columns))
	for i := range batch.Columns {
		placeholders[i] = "?"
	}

	stmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, strings.Join(placeholders, ", "))

	for _, row := range batch.Rows {
		if _, err := tx.Exec(ctx, stmt, row...); err != nil {
			return fmt.Errorf("staging batch into %s: %w", name, err)
		}
	}

	return nil
}

func commitLoad(ctx context.Context, tx sqlengine.Tx, stmt ast.LoadStmt, stageName string) error {
	switch stmt.Mode {
	case ast.LoadReplace, "":
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(stmt.TargetTable))); err != nil {
			return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(stmt.TargetTable), stageName)); err != nil {
			return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
		}

		return nil

	case ast.LoadAppend:
		exists, err := tableExists(ctx, tx, stmt.TargetTable)
		if err != nil {
			return err
		}

		if !exists {
			_, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(stmt.TargetTable), stageName))
			return err
		}

		_, err = tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(stmt.TargetTable), stageName))

		return err

	case ast.LoadMerge:
		exists, err := tableExists(ctx, tx, stmt.TargetTable)
		if err != nil {
			return err
		}

		if !exists {
			if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(stmt.TargetTable), stageName)); err != nil {
				return err
			}

			return nil
		}

		keyPred := make([]string, len(stmt.MergeKeys))
		for i, k := range stmt.MergeKeys {
			keyPred[i] = fmt.Sprintf("%s.%s = %s.%s", quoteIdent(stmt.TargetTable), quoteIdent(k), stageName, quoteIdent(k))
		}

		del := fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s WHERE %s)",
			quoteIdent(stmt.TargetTable), stageName, strings.Join(keyPred, " AND "))
		if _, err := tx.Exec(ctx, del); err != nil {
			return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
		}

		ins := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(stmt.TargetTable), stageName)
		_, err = tx.Exec(ctx, ins)

		return err

	default:
		return fmt.Errorf("unknown load mode %q", stmt.Mode)
	}
}

func tableExists(ctx context.Context, tx sqlengine.Tx, table string) (bool, error) {
	row := tx.QueryRow(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table)

	var name string
	if err := row.Scan(&name); err != nil {
		return false, nil //nolint:nilerr // sql.ErrNoRows means "does not exist", not a failure
	}

	return true, nil
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
