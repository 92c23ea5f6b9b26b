// Package sqlite backs sqlengine.Engine with an embedded SQLite
// database via mattn/go-sqlite3, the driver the teacher uses for its
// own embedded test execution path.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/sqlengine"
)

// Engine implements sqlengine.Engine over a single *sql.DB. dsn is
// typically "file:name.db?cache=shared&mode=rwc" or ":memory:" for
// tests.
type Engine struct {
	db *sql.DB
}

// Open creates a new embedded SQLite-backed engine.
func Open(dsn string) (*Engine, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening embedded engine: %w", err)
	}

	// The in-process catalog is single-writer; cap the pool so SQLite's
	// single-writer constraint doesn't surface as spurious "database is
	// locked" errors under the executor's concurrent-branch scheduling
	// (spec §5 "independent branches may execute in parallel").
	db.SetMaxOpenConns(1)

	return &Engine{db: db}, nil
}

func (e *Engine) Close() error { return e.db.Close() }

func (e *Engine) Begin(ctx context.Context) (sqlengine.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

func (e *Engine) TableExists(ctx context.Context, table string) (bool, error) {
	var name string

	row := e.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table)
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}

		return false, fmt.Errorf("checking table existence: %w", err)
	}

	return true, nil
}

func (e *Engine) Schema(ctx context.Context, table string) (sqlflow.Snapshot, bool, error) {
	exists, err := e.TableExists(ctx, table)
	if err != nil || !exists {
		return sqlflow.Snapshot{}, false, err
	}

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return sqlflow.Snapshot{}, false, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	snap := sqlflow.Snapshot{Table: table}

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)

		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return sqlflow.Snapshot{}, false, fmt.Errorf("scanning column info: %w", err)
		}

		snap.Columns = append(snap.Columns, sqlflow.Column{
			Name:     name,
			Type:     normalizeType(typ),
			Nullable: notNull == 0,
		})
	}

	return snap, true, rows.Err()
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case strings.HasPrefix(t, "int"):
		return "int"
	case strings.HasPrefix(t, "bigint"):
		return "bigint"
	default:
		return t
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	return res, nil
}

func (t *sqliteTx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	return rows, nil
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }
