// Package udf implements the table-valued UDF external-processing
// pattern from spec §9 (REDESIGN FLAGS): "table-valued UDFs use the
// external-processing pattern... (fetch → process → re-register the
// result as a catalog table) because inline table-function invocation
// is not supported by the target SQL engine family."
package udf

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/sqlengine"
)

// Processor is an external table-valued function: it receives the
// fetched input rows and returns the processed result rows. In a full
// deployment this dispatches to an out-of-process UDF runtime; it is a
// plain Go function here so the core stays runtime-agnostic.
type Processor func(ctx context.Context, input connector.RowBatch) (connector.RowBatch, error)

// Registry is the process-wide table of registered table-valued UDFs,
// keyed by the "module.function" name used in UDF_CALL("module.fn", ...).
type Registry struct {
	fns map[string]Processor
}

// NewRegistry creates an empty UDF registry.
func NewRegistry() *Registry { return &Registry{fns: map[string]Processor{}} }

// Register installs fn under name.
func (r *Registry) Register(name string, fn Processor) { r.fns[name] = fn }

// Lookup returns the registered processor for name, if any.
func (r *Registry) Lookup(name string) (Processor, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

var udfCallRe = regexp.MustCompile(`(?i)UDF_CALL\s*\(\s*"([^"]*)"\s*,\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\)`)

// Preprocessor rewrites UDF_CALL("module.fn", table) expressions in a
// SQL query into plain table references, materializing each call's
// result via fetch -> Processor -> re-register before the rewritten
// query reaches the SQL engine.
type Preprocessor struct {
	Engine    sqlengine.Engine
	Registry  *Registry
	BatchSize int
}

// NewPreprocessor constructs a Preprocessor. batchSize <= 0 defaults to 1000.
func NewPreprocessor(engine sqlengine.Engine, registry *Registry, batchSize int) *Preprocessor {
	if batchSize <= 0 {
		batchSize = 1000
	}

	return &Preprocessor{Engine: engine, Registry: registry, BatchSize: batchSize}
}

// Rewrite replaces every UDF_CALL(...) occurrence in query with the name
// of a freshly materialized catalog table holding the call's result.
func (p *Preprocessor) Rewrite(ctx context.Context, query string) (string, error) {
	var rewriteErr error

	out := udfCallRe.ReplaceAllStringFunc(query, func(match string) string {
		if rewriteErr != nil {
			return match
		}

		sub := udfCallRe.FindStringSubmatch(match)
		fnName, sourceTable := sub[1], sub[2]

		resultTable, err := p.materialize(ctx, fnName, sourceTable)
		if err != nil {
			rewriteErr = err
			return match
		}

		return resultTable
	})

	if rewriteErr != nil {
		return "", rewriteErr
	}

	return out, nil
}

func (p *Preprocessor) materialize(ctx context.Context, fnName, sourceTable string) (string, error) {
	fn, ok := p.Registry.Lookup(fnName)
	if !ok {
		return "", fmt.Errorf("unregistered table-valued UDF %q", fnName)
	}

	tx, err := p.Engine.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	batch, err := fetch(ctx, tx, sourceTable, p.BatchSize)
	if err != nil {
		return "", fmt.Errorf("fetching %s for UDF_CALL: %w", sourceTable, err)
	}

	processed, err := fn(ctx, batch)
	if err != nil {
		return "", fmt.Errorf("external UDF %q failed: %w", fnName, err)
	}

	resultTable := resultTableName(fnName, sourceTable)

	if err := reregister(ctx, tx, resultTable, processed); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	return resultTable, nil
}

func fetch(ctx context.Context, tx sqlengine.Tx, table string, batchSize int) (connector.RowBatch, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(table)))
	if err != nil {
		return connector.RowBatch{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return connector.RowBatch{}, err
	}

	var out [][]any

	for len(out) < batchSize && rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return connector.RowBatch{}, err
		}

		out = append(out, vals)
	}

	return connector.RowBatch{Columns: cols, Rows: out}, rows.Err()
}

func reregister(ctx context.Context, tx sqlengine.Tx, table string, batch connector.RowBatch) error {
	defs := make([]string, len(batch.Columns))
	for i, c := range batch.Columns {
		defs[i] = quoteIdent(c) + " TEXT"
	}

	// table is content-addressed (SHA-1 of fn|sourceTable): a second
	// UDF_CALL over the same pair, in this run or a prior one against a
	// persisted engine, must re-materialize rather than error on a
	// duplicate table.
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))); err != nil {
		return fmt.Errorf("clearing UDF result table %s: %w", table, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("registering UDF result table %s: %w", table, err)
	}

	placeholders := make([]string, len(batch.Columns))
	for i := range batch.Columns {
		placeholders[i] = "?"
	}

	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), strings.Join(placeholders, ", "))

	for _, row := range batch.Rows {
		if _, err := tx.Exec(ctx, insert, row...); err != nil {
			return fmt.Errorf("populating UDF result table %s: %w", table, err)
		}
	}

	return nil
}

func resultTableName(fnName, sourceTable string) string {
	h := sha1.New() //nolint:gosec
	fmt.Fprintf(h, "%s|%s", fnName, sourceTable)

	return "udf_" + hex.EncodeToString(h.Sum(nil))[:12]
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
