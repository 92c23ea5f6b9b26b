package dslparse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/ast"
)

func TestParse_SourceLoadExport(t *testing.T) {
	src := `
SOURCE orders TYPE postgres PARAMS { "dsn": "postgres://x" } SYNC incremental CURSOR updated_at;
LOAD raw FROM orders MODE MERGE KEY (id, region);
EXPORT SELECT * FROM raw TO "s3://bucket/out" TYPE s3 OPTIONS { "format": "parquet" } MODE APPEND;
`
	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(pipeline.Steps))

	sd := pipeline.Steps[0].(ast.SourceDef)
	assert.Equal(t, "orders", sd.Name)
	assert.Equal(t, "postgres", sd.Type)
	assert.Equal(t, "incremental", sd.Sync)
	assert.Equal(t, "updated_at", sd.CursorCol)
	assert.Equal(t, "postgres://x", sd.Params["dsn"])

	ls := pipeline.Steps[1].(ast.LoadStmt)
	assert.Equal(t, ast.LoadMerge, ls.Mode)
	assert.Equal(t, []string{"id", "region"}, ls.MergeKeys)

	es := pipeline.Steps[2].(ast.ExportStmt)
	assert.Equal(t, "s3://bucket/out", es.Destination)
	assert.Equal(t, ast.ExportAppend, es.Mode)
	assert.Equal(t, "parquet", es.Options["format"])
}

func TestParse_CreateTableIncrementalWithLookback(t *testing.T) {
	src := `CREATE TABLE daily MODE INCREMENTAL BY ts LOOKBACK '1 day' AS SELECT ts, amount FROM orders WHERE ts > @start_dt AND ts <= @end_dt;`

	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)

	sb := pipeline.Steps[0].(ast.SqlBlock)
	assert.Equal(t, ast.TransformIncremental, sb.Mode)
	assert.Equal(t, "ts", sb.TimeColumn)
	assert.Equal(t, "1 day", sb.Lookback)
	assert.Contains(t, sb.Query, "@start_dt")
}

func TestParse_CreateOrReplaceUpsert(t *testing.T) {
	src := `CREATE OR REPLACE TABLE t MODE UPSERT KEY (id, region) AS VALUES (1,'us',11);`

	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)

	sb := pipeline.Steps[0].(ast.SqlBlock)
	assert.True(t, sb.IsReplace)
	assert.Equal(t, ast.TransformUpsert, sb.Mode)
	assert.Equal(t, []string{"id", "region"}, sb.MergeKeys)
}

func TestParse_IfElseEndIf(t *testing.T) {
	src := `
SET env = "prod";
IF ${env} == "prod" THEN
CREATE TABLE t AS SELECT 1;
ELSE
CREATE TABLE t AS SELECT 2;
END IF;
`
	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(pipeline.Steps))

	ifb := pipeline.Steps[1].(ast.IfBranch)
	assert.Equal(t, 1, len(ifb.Then))
	assert.Equal(t, 1, len(ifb.Else))
	assert.Equal(t, `${env} == "prod"`, ifb.Condition)
}

// Regression: an unquoted ${name} must lex as one token, not a bare "$"
// word followed by a separate "{name}" JSON-block token -- the latter
// reassembles as "$ {name}" and never matches variable/expression.go's
// "${" scan, so the condition silently never substitutes.
func TestParse_UnquotedVariableLexedAsSingleToken(t *testing.T) {
	src := `
SET threshold = "10";
CREATE TABLE t AS SELECT * FROM raw WHERE amount > ${threshold};
`
	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)

	sb := pipeline.Steps[1].(ast.SqlBlock)
	assert.Contains(t, sb.Query, "${threshold}")
	assert.Equal(t, false, strings.Contains(sb.Query, "$ {"))
}

func TestParse_CommentsIgnored(t *testing.T) {
	src := `
-- this is a comment
SET x = "1"; -- trailing comment
`
	pipeline, err := Parse("t.sql", src)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(pipeline.Steps))
}

func TestParseFile_IncludeResolved(t *testing.T) {
	dir := t.TempDir()

	childPath := filepath.Join(dir, "child.sql")
	assert.NoError(t, os.WriteFile(childPath, []byte(`SET inner = "1";`), 0o644))

	parentPath := filepath.Join(dir, "parent.sql")
	assert.NoError(t, os.WriteFile(parentPath, []byte(`INCLUDE "child.sql";`+"\n"+`SET outer = "2";`), 0o644))

	pipeline, err := ParseFile(parentPath)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(pipeline.Steps))
	assert.Equal(t, "inner", pipeline.Steps[0].(ast.SetVar).Name)
	assert.Equal(t, "outer", pipeline.Steps[1].(ast.SetVar).Name)
}

func TestParseFile_IncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()

	aPath := filepath.Join(dir, "a.sql")
	bPath := filepath.Join(dir, "b.sql")

	assert.NoError(t, os.WriteFile(aPath, []byte(`INCLUDE "b.sql";`), 0o644))
	assert.NoError(t, os.WriteFile(bPath, []byte(`INCLUDE "a.sql";`), 0o644))

	_, err := ParseFile(aPath)
	assert.Error(t, err)
}
