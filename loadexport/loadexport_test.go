package loadexport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/ast"
	_ "github.com/giaosudau/sqlflow/connector/localfile"
	"github.com/giaosudau/sqlflow/sqlengine/sqlite"
	"github.com/giaosudau/sqlflow/watermark"
)

func TestLoadExecutor_ReplaceFromLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")

	writeCSV(t, path, []string{"id", "name"}, [][]string{{"1", "a"}, {"2", "b"}})

	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	wms, err := watermark.NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	ex := NewLoadExecutor(eng, wms, 10)

	def := ast.SourceDef{Name: "src", Type: "file", Params: map[string]any{"path": path}}
	stmt := ast.LoadStmt{TargetTable: "raw", SourceName: "src", Mode: ast.LoadReplace}

	st, err := ex.Load(ctx, "p", def, stmt)
	assert.NoError(t, err)
	assert.Equal(t, "committed", string(st))

	tx, err := eng.Begin(ctx)
	assert.NoError(t, err)
	defer tx.Rollback()

	row := tx.QueryRow(ctx, "SELECT COUNT(*) FROM raw")

	var n int
	assert.NoError(t, row.Scan(&n))
	assert.Equal(t, 2, n)
}

func writeCSV(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()

	content := joinCSVLine(header)
	for _, r := range rows {
		content += "\n" + joinCSVLine(r)
	}

	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func joinCSVLine(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}

		out += f
	}

	return out
}
