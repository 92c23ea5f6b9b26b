// Package postgres implements a database connector (spec §6 "Connector
// contract") against PostgreSQL using jackc/pgx/v5, the teacher's own
// Postgres driver dependency.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/resilience"
)

func init() {
	connector.Register("postgres", func() connector.Connector { return &Connector{} })
}

// Connector is a database-kind connector reading/writing Postgres
// tables via pgx's connection pool.
type Connector struct {
	pool   *pgxpool.Pool
	dsn    string
	tier   resilience.Tier
}

var _ connector.Connector = (*Connector)(nil)
var _ connector.Discoverable = (*Connector)(nil)
var _ connector.Readable = (*Connector)(nil)
var _ connector.IncrementallyReadable = (*Connector)(nil)
var _ connector.Writable = (*Connector)(nil)

func (c *Connector) Kind() connector.Kind { return connector.KindDatabase }

func (c *Connector) ResilienceTier() resilience.Tier { return c.tier }

// Configure accepts {"dsn": "postgres://..."}. Other keys are ignored;
// the connector's tier is always resilience.DefaultTier.
func (c *Connector) Configure(params map[string]any) error {
	dsn, ok := params["dsn"].(string)
	if !ok || dsn == "" {
		return fmt.Errorf("%w: postgres connector requires \"dsn\"", sqlflow.ErrMissingParameter)
	}

	c.dsn = dsn
	c.tier = resilience.DefaultTier

	return nil
}

func (c *Connector) connect(ctx context.Context) error {
	if c.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("%w: connecting to postgres: %s", sqlflow.ErrConnectorTransient, err)
	}

	c.pool = pool

	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	return c.pool.Ping(ctx)
}

func (c *Connector) Discover(ctx context.Context) ([]connector.ObjectInfo, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []connector.ObjectInfo

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyErr(err)
		}

		schema, err := c.GetSchema(ctx, name)
		if err != nil {
			return nil, err
		}

		out = append(out, connector.ObjectInfo{Name: name, Schema: schema})
	}

	return out, rows.Err()
}

func (c *Connector) GetSchema(ctx context.Context, object string) (sqlflow.Snapshot, error) {
	if err := c.connect(ctx); err != nil {
		return sqlflow.Snapshot{}, err
	}

	rows, err := c.pool.Query(ctx, `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`, object)
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
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", quoteIdent(object))

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyErr(err)
	}

	return &rowIterator{rows: rows, batchSize: batchSize}, nil
}

func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, lastValue any, options map[string]any, batchSize int) (connector.RowIterator, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s", quoteIdent(object), quoteIdent(cursorField), quoteIdent(cursorField))

	rows, err := c.pool.Query(ctx, query, lastValue)
	if err != nil {
		return nil, classifyErr(err)
	}

	return &rowIterator{rows: rows, batchSize: batchSize}, nil
}

// Write realizes the database-destination half of stage-and-swap (spec
// §4.4): BEGIN; TRUNCATE+INSERT | INSERT | INSERT ... ON CONFLICT
// UPDATE; COMMIT, driven by mode.
func (c *Connector) Write(ctx context.Context, object string, batch connector.RowBatch, mode connector.WriteMode, keys []string) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback(ctx)

	if mode == connector.WriteReplace {
		if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(object))); err != nil {
			return classifyErr(err)
		}
	}

	cols := strings.Join(batch.Columns, ", ")
	placeholders := make([]string, len(batch.Columns))

	for i := range batch.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(object), cols, strings.Join(placeholders, ", "))

	if mode == connector.WriteUpsert && len(keys) > 0 {
		sets := make([]string, 0, len(batch.Columns))
		for _, col := range batch.Columns {
			if contains(keys, col) {
				continue
			}

			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}

		insert += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	}

	for _, row := range batch.Rows {
		if _, err := tx.Exec(ctx, insert, row...); err != nil {
			return classifyErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
	}

	return nil
}

type rowIterator struct {
	rows      pgx.Rows
	batchSize int
}

func (it *rowIterator) Next(ctx context.Context) (connector.RowBatch, bool, error) {
	fields := it.rows.FieldDescriptions()
	cols := make([]string, len(fields))

	for i, f := range fields {
		cols[i] = string(f.Name)
	}

	var rows [][]any

	for len(rows) < it.batchSize && it.rows.Next() {
		vals, err := it.rows.Values()
		if err != nil {
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

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
}

func normalizeType(t string) string {
	switch strings.ToLower(t) {
	case "integer":
		return "int"
	case "bigint":
		return "bigint"
	case "character varying":
		return "varchar"
	default:
		return strings.ToLower(t)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}

	return false
}
