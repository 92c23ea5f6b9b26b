// Package sqlengine wraps the embedded, in-process analytic SQL engine
// assumed by spec §2 ("an in-process analytic SQL engine with a catalog
// of tables and user-defined scalar/table functions"). It is backed by
// an embedded SQLite database (mattn/go-sqlite3), the same driver the
// teacher uses for its own embedded-execution test harness.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/giaosudau/sqlflow"
)

// Engine is the catalog-owning SQL engine the executor drives. All
// catalog mutation (CREATE/DROP/ALTER/INSERT/DELETE/MERGE) happens
// inside a Tx (spec §5 "Shared-resource policy").
type Engine interface {
	Begin(ctx context.Context) (Tx, error)
	// Schema returns the ordered column snapshot for table, or ok=false
	// if the table does not exist in the catalog.
	Schema(ctx context.Context, table string) (snap sqlflow.Snapshot, ok bool, err error)
	TableExists(ctx context.Context, table string) (bool, error)
	Close() error
}

// Tx is one catalog transaction. Every transform/load/export/watermark
// mutation happens inside a Tx so the swap is atomic (spec §4.3, §4.4).
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// RegisterTempTable materializes the result of query into a session-scoped
// temp table, the universal staging primitive behind stage-and-swap
// (spec §4.4 "Database destination. Stage = session-scoped temp table").
func RegisterTempTable(ctx context.Context, tx Tx, tempName, query string, args ...any) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS %s", tempName, query), args...)
	if err != nil {
		return fmt.Errorf("staging %s: %w", tempName, err)
	}

	return nil
}

// DropTempTable removes a staging table; failures here never affect the
// live object (spec §4.4 "Failure semantics").
func DropTempTable(ctx context.Context, tx Tx, tempName string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempName))
	return err
}

// RowCount returns the number of rows in table. The transform executor
// does not consult it: there is no separate bulk-copy path.
func RowCount(ctx context.Context, tx Tx, table string) (int64, error) {
	var n int64

	row := tx.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}

	return n, nil
}
