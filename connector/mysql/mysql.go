// Package mysql implements a second database-dialect connector (spec
// SPEC_FULL.md domain-stack table) using go-sql-driver/mysql, exercising
// MySQL's dialect-specific upsert swap (INSERT ... ON DUPLICATE KEY
// UPDATE) where Postgres uses ON CONFLICT.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/resilience"
)

func init() {
	connector.Register("mysql", func() connector.Connector { return &Connector{} })
}

// Connector is a database-kind connector against MySQL/MariaDB.
type Connector struct {
	db   *sql.DB
	dsn  string
	tier resilience.Tier
}

var _ connector.Connector = (*Connector)(nil)
var _ connector.Readable = (*Connector)(nil)
var _ connector.IncrementallyReadable = (*Connector)(nil)
var _ connector.Writable = (*Connector)(nil)

func (c *Connector) Kind() connector.Kind { return connector.KindDatabase }

func (c *Connector) ResilienceTier() resilience.Tier { return c.tier }

func (c *Connector) Configure(params map[string]any) error {
	dsn, ok := params["dsn"].(string)
	if !ok || dsn == "" {
		return fmt.Errorf("%w: mysql connector requires \"dsn\"", sqlflow.ErrMissingParameter)
	}

	c.dsn = dsn
	c.tier = resilience.DefaultTier

	return nil
}

func (c *Connector) connect() error {
	if c.db != nil {
		return nil
	}

	db, err := sql.Open("mysql", c.dsn)
	if err != nil {
		return fmt.Errorf("%w: opening mysql: %s", sqlflow.ErrConnectorTransient, err)
	}

	c.db = db

	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}

	return c.db.PingContext(ctx)
}

func (c *Connector) GetSchema(ctx context.Context, object string) (sqlflow.Snapshot, error) {
	if err := c.connect(); err != nil {
		return sqlflow.Snapshot{}, err
	}

	rows, err := c.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`, object)
	if err != nil {
		return sqlflow.Snapshot{}, classifyErr(err)
	}
	defer rows.Close()

	snap := sqlflow.Snapshot{Table: object}

	for rows.Next() {
		var name, typ, nullable string
		if err := rows.Scan(&name, &typ, &nullable); err != nil {
			return sqlflow.Snapshot{}, classifyErr(err)
		}

		snap.Columns = append(snap.Columns, sqlflow.Column{
			Name: name, Type: normalizeType(typ), Nullable: strings.EqualFold(nullable, "YES"),
		})
	}

	return snap, rows.Err()
}

func (c *Connector) Read(ctx context.Context, object string, options map[string]any, batchSize int) (connector.RowIterator, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(object)))
	if err != nil {
		return nil, classifyErr(err)
	}

	return &rowIterator{rows: rows, batchSize: batchSize}, nil
}

func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, lastValue any, options map[string]any, batchSize int) (connector.RowIterator, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s", quoteIdent(object), quoteIdent(cursorField), quoteIdent(cursorField))

	rows, err := c.db.QueryContext(ctx, query, lastValue)
	if err != nil {
		return nil, classifyErr(err)
	}

	return &rowIterator{rows: rows, batchSize: batchSize}, nil
}

// Write realizes stage-and-swap for MySQL, using the dialect-specific
// INSERT ... ON DUPLICATE KEY UPDATE form for upsert mode (spec
// SPEC_FULL.md domain-stack table entry for this connector).
func (c *Connector) Write(ctx context.Context, object string, batch connector.RowBatch, mode connector.WriteMode, keys []string) error {
	if err := c.connect(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback()

	if mode == connector.WriteReplace {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(object))); err != nil {
			return classifyErr(err)
		}
	}

	cols := strings.Join(quoteAll(batch.Columns), ", ")
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(batch.Columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(object), cols, placeholders)

	if mode == connector.WriteUpsert && len(keys) > 0 {
		sets := make([]string, 0, len(batch.Columns))
		for _, col := range batch.Columns {
			if contains(keys, col) {
				continue
			}

			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(col), quoteIdent(col)))
		}

		insert += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	for _, row := range batch.Rows {
		if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
			return classifyErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
	}

	return nil
}

type rowIterator struct {
	rows      *sql.Rows
	batchSize int
}

func (it *rowIterator) Next(ctx context.Context) (connector.RowBatch, bool, error) {
	cols, err := it.rows.Columns()
	if err != nil {
		return connector.RowBatch{}, false, classifyErr(err)
	}

	var rows [][]any

	for len(rows) < it.batchSize && it.rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err := it.rows.Scan(ptrs...); err != nil {
			return connector.RowBatch{}, false, classifyErr(err)
		}

		rows = append(rows, vals)
	}

	if err := it.rows.Err(); err != nil {
		return connector.RowBatch{}, false, classifyErr(err)
	}

	if len(rows) == 0 {
		return connector.RowBatch{}, false, nil
	}

	return connector.RowBatch{Columns: cols, Rows: rows}, true, nil
}

func (it *rowIterator) Close() error { return it.rows.Close() }

func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
}

func normalizeType(t string) string {
	switch strings.ToLower(t) {
	case "int":
		return "int"
	case "bigint":
		return "bigint"
	case "varchar":
		return "varchar"
	default:
		return strings.ToLower(t)
	}
}

func quoteIdent(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" }

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}

	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}

	return false
}
