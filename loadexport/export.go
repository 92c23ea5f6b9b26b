package loadexport

import (
	"context"
	"fmt"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/sqlengine"
	"github.com/giaosudau/sqlflow/transform"
)

// ExportExecutor realizes EXPORT <sql> TO "<uri>" (spec §4.4 "Export
// executor (SQL engine → destination)").
type ExportExecutor struct {
	Engine    sqlengine.Engine
	BatchSize int
}

// NewExportExecutor constructs an ExportExecutor. batchSize <= 0
// defaults to 1000.
func NewExportExecutor(engine sqlengine.Engine, batchSize int) *ExportExecutor {
	if batchSize <= 0 {
		batchSize = 1000
	}

	return &ExportExecutor{Engine: engine, BatchSize: batchSize}
}

// Export streams stmt.Query's result out of the engine in batches and
// writes each to stmt's destination connector; only the first batch
// carries stmt.Mode so a REPLACE destination is truncated exactly once.
func (e *ExportExecutor) Export(ctx context.Context, stmt ast.ExportStmt) (transform.State, error) {
	conn, err := connector.New(stmt.ConnectorType)
	if err != nil {
		return transform.StateFailed, err
	}

	if err := conn.Configure(stmt.Options); err != nil {
		return transform.StateFailed, err
	}

	writable, ok := conn.(connector.Writable)
	if !ok {
		return transform.StateFailed, fmt.Errorf("connector %q is not writable", stmt.ConnectorType)
	}

	tx, err := e.Engine.Begin(ctx)
	if err != nil {
		return transform.StateFailed, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(ctx, stmt.Query)
	if err != nil {
		return transform.StateFailed, fmt.Errorf("export query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return transform.StateFailed, err
	}

	mode := toConnectorMode(stmt.Mode)
	first := true

	for {
		batch, more, err := scanBatch(rows, cols, e.BatchSize)
		if err != nil {
			return transform.StateFailed, err
		}

		if !more {
			break
		}

		writeMode := mode
		if !first {
			writeMode = connector.WriteAppend
		}

		if err := writable.Write(ctx, stmt.Destination, batch, writeMode, stmt.UpsertKeys); err != nil {
			return transform.StateFailed, fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
		}

		first = false
	}

	if err := rows.Err(); err != nil {
		return transform.StateFailed, err
	}

	if err := tx.Commit(); err != nil {
		return transform.StateFailed, err
	}

	return transform.StateCommitted, nil
}

func toConnectorMode(m ast.ExportMode) connector.WriteMode {
	switch m {
	case ast.ExportAppend:
		return connector.WriteAppend
	case ast.ExportUpsert:
		return connector.WriteUpsert
	default:
		return connector.WriteReplace
	}
}

func scanBatch(rows interface {
	Next() bool
	Scan(...any) error
}, cols []string, batchSize int,
) (connector.RowBatch, bool, error) {
	var out [][]any

	for len(out) < batchSize && rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return connector.RowBatch{}, false, fmt.Errorf("scanning export row: %w", err)
		}

		out = append(out, vals)
	}

	if len(out) == 0 {
		return connector.RowBatch{}, false, nil
	}

	return connector.RowBatch{Columns: cols, Rows: out}, true, nil
}
