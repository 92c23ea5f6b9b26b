// Package localfile implements the file-kind connector (spec §6
// "Connector contract", kind = file) over CSV files on local disk, and
// realizes the local-file half of stage-and-swap via write-to-temp then
// atomic rename (spec §4.4 "Local-file destination").
package localfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/connector"
	"github.com/giaosudau/sqlflow/resilience"
)

func init() {
	connector.Register("file", func() connector.Connector { return &Connector{} })
}

// Connector reads/writes a single CSV file, configured with {"path": "..."}.
type Connector struct {
	path string
	tier resilience.Tier
}

var _ connector.Connector = (*Connector)(nil)
var _ connector.Readable = (*Connector)(nil)
var _ connector.Writable = (*Connector)(nil)

func (c *Connector) Kind() connector.Kind { return connector.KindFile }

func (c *Connector) ResilienceTier() resilience.Tier { return c.tier }

func (c *Connector) Configure(params map[string]any) error {
	p, ok := params["path"].(string)
	if !ok || p == "" {
		return fmt.Errorf("%w: file connector requires \"path\"", sqlflow.ErrMissingParameter)
	}

	c.path = p
	c.tier = resilience.DefaultTier

	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}

	return nil
}

func (c *Connector) GetSchema(ctx context.Context, object string) (sqlflow.Snapshot, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return sqlflow.Snapshot{}, fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}
	defer f.Close()

	r := csv.NewReader(f)

	header, err := r.Read()
	if err != nil {
		return sqlflow.Snapshot{}, fmt.Errorf("%w: reading header: %s", sqlflow.ErrConnectorTransient, err)
	}

	snap := sqlflow.Snapshot{Table: object}
	for _, h := range header {
		snap.Columns = append(snap.Columns, sqlflow.Column{Name: h, Type: "varchar(255)", Nullable: true})
	}

	return snap, nil
}

// Read emits the file's rows as string-typed batches; the SQL engine
// performs any further type coercion on staging.
func (c *Connector) Read(ctx context.Context, object string, options map[string]any, batchSize int) (connector.RowIterator, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}

	r := csv.NewReader(f)

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading header: %s", sqlflow.ErrConnectorTransient, err)
	}

	return &rowIterator{file: f, r: r, cols: header, batchSize: batchSize}, nil
}

// Write stages batch to a temp file in the destination directory. For
// every mode except APPEND the temp file is then atomically renamed over
// the destination. For APPEND the staged rows (without their header)
// are appended to the existing destination file in place: no new file
// is created and no rename takes place.
func (c *Connector) Write(ctx context.Context, object string, batch connector.RowBatch, mode connector.WriteMode, keys []string) error {
	dir := filepath.Dir(c.path)

	tmp, err := os.CreateTemp(dir, ".staging-*.csv")
	if err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(batch.Columns); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}

	for _, row := range batch.Rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = fmt.Sprint(v)
		}

		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrConnectorTransient, err)
	}

	if mode == connector.WriteAppend {
		if err := appendFile(c.path, tmp.Name()); err != nil {
			return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
		}

		return nil
	}

	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("%w: %s", sqlflow.ErrSwapFailed, err)
	}

	return nil
}

func appendFile(dst, src string) error {
	srcData, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	lines := strings.SplitN(string(srcData), "\n", 2)
	body := ""

	if len(lines) == 2 {
		body = lines[1]
	}

	f, err := os.OpenFile(dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(body)

	return err
}

type rowIterator struct {
	file      *os.File
	r         *csv.Reader
	cols      []string
	batchSize int
}

func (it *rowIterator) Next(ctx context.Context) (connector.RowBatch, bool, error) {
	var rows [][]any

	for len(rows) < it.batchSize {
		rec, err := it.r.Read()
		if err != nil {
			break
		}

		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}

		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return connector.RowBatch{}, false, nil
	}

	return connector.RowBatch{Columns: it.cols, Rows: rows}, true, nil
}

func (it *rowIterator) Close() error { return it.file.Close() }
