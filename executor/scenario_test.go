package executor

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/connector"
	_ "github.com/giaosudau/sqlflow/connector/localfile"
	"github.com/giaosudau/sqlflow/dslparse"
	"github.com/giaosudau/sqlflow/plan"
	"github.com/giaosudau/sqlflow/resilience"
	"github.com/giaosudau/sqlflow/sqlengine"
	"github.com/giaosudau/sqlflow/sqlengine/sqlite"
	"github.com/giaosudau/sqlflow/udf"
	"github.com/giaosudau/sqlflow/variable"
	"github.com/giaosudau/sqlflow/watermark"
)

func newScenarioExecutor(t *testing.T, vars map[string]any) (*Executor, *sqlite.Engine) {
	t.Helper()

	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)

	ctx := context.Background()

	wms, err := watermark.NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	varCtx := variable.NewContext(nil, vars, nil)

	ex := New("p", eng, wms, varCtx, variable.StrategyFail, resilience.NewRegistry(), udf.NewRegistry(),
		10000, 1000, true, slog.Default())

	return ex, eng
}

// Scenario 1 (spec §8): CREATE OR REPLACE TABLE t AS SELECT 1 AS a,
// '${date}' AS d; is idempotent across runs.
func TestScenario_ReplaceTransform(t *testing.T) {
	ex, eng := newScenarioExecutor(t, map[string]any{"date": "2024-01-01"})
	defer eng.Close()

	src := `CREATE OR REPLACE TABLE t AS SELECT 1 AS a, '${date}' AS d;`

	for i := 0; i < 2; i++ {
		pipeline, err := dslparse.Parse("p.sql", src)
		assert.NoError(t, err)

		planner := plan.NewPlanner(ex.VarContext, variable.StrategyFail, map[string]bool{})

		graph, err := planner.Plan(pipeline)
		assert.NoError(t, err)

		_, err = ex.Run(context.Background(), graph)
		assert.NoError(t, err)
	}

	tx, err := eng.Begin(context.Background())
	assert.NoError(t, err)
	defer tx.Rollback()

	row := tx.QueryRow(context.Background(), "SELECT a, d FROM t")

	var (
		a int
		d string
	)

	assert.NoError(t, row.Scan(&a, &d))
	assert.Equal(t, 1, a)
	assert.Equal(t, "2024-01-01", d)

	n, err := sqlengine.RowCount(context.Background(), tx, "t")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// Scenario 5 (spec §8): a two-table mutual dependency is rejected by
// the planner before any operation executes.
func TestScenario_PlannerCyclicDependency(t *testing.T) {
	src := `
CREATE TABLE a AS SELECT * FROM b;
CREATE TABLE b AS SELECT * FROM a;
`
	pipeline, err := dslparse.Parse("p.sql", src)
	assert.NoError(t, err)

	varCtx := variable.NewContext(nil, nil, nil)
	planner := plan.NewPlanner(varCtx, variable.StrategyFail, map[string]bool{})

	_, err = planner.Plan(pipeline)
	assert.Error(t, err)
}

// Scenario 6 (spec §8): LOAD raw FROM src; CREATE TABLE processed AS
// SELECT * FROM UDF_CALL("mod.fn", raw); -- the planner orders the LOAD
// before the transform, and the executor's UDF preprocessor rewrites
// the table-valued call into a materialized table before the query
// reaches the SQL engine.
func TestScenario_TableUDFDependencyDetection(t *testing.T) {
	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()

	wms, err := watermark.NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	dir := t.TempDir()
	csvPath := dir + "/src.csv"
	assert.NoError(t, writeCSVFile(csvPath, "id,name\n1,alice\n2,bob"))

	src := `
SOURCE src TYPE file PARAMS { "path": "` + csvPath + `" };
LOAD raw FROM src MODE REPLACE;
CREATE TABLE processed AS SELECT * FROM UDF_CALL("mod.upper", raw);
`
	pipeline, err := dslparse.Parse("p.sql", src)
	assert.NoError(t, err)

	varCtx := variable.NewContext(nil, nil, nil)
	planner := plan.NewPlanner(varCtx, variable.StrategyFail, map[string]bool{})

	graph, err := planner.Plan(pipeline)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(graph.Operations))
	assert.Equal(t, plan.KindSourceRead, graph.Operations[0].Kind)
	assert.Equal(t, plan.KindTransform, graph.Operations[1].Kind)
	assert.Equal(t, []string{graph.Operations[1].ID}, graph.Edges[graph.Operations[0].ID])

	reg := udf.NewRegistry()
	reg.Register("mod.upper", func(_ context.Context, in connector.RowBatch) (connector.RowBatch, error) {
		out := connector.RowBatch{Columns: in.Columns, Rows: make([][]any, len(in.Rows))}

		for i, row := range in.Rows {
			newRow := append([]any(nil), row...)
			out.Rows[i] = newRow
		}

		return out, nil
	})

	ex := New("p", eng, wms, varCtx, variable.StrategyFail, resilience.NewRegistry(), reg, 10000, 1000, true, slog.Default())

	results, err := ex.Run(ctx, graph)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(results))

	tx, err := eng.Begin(ctx)
	assert.NoError(t, err)
	defer tx.Rollback()

	n, err := sqlengine.RowCount(ctx, tx, "processed")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func writeCSVFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// Two independent branches off the same source run concurrently
// (spec §5 "independent branches may execute in parallel"); both must
// still complete and be visible in the catalog once Run returns.
func TestRun_IndependentBranchesBothComplete(t *testing.T) {
	ex, eng := newScenarioExecutor(t, nil)
	defer eng.Close()

	src := `
CREATE TABLE root AS SELECT 1 AS a;
CREATE TABLE left_branch AS SELECT a * 10 AS a FROM root;
CREATE TABLE right_branch AS SELECT a * 100 AS a FROM root;
`
	pipeline, err := dslparse.Parse("p.sql", src)
	assert.NoError(t, err)

	planner := plan.NewPlanner(ex.VarContext, variable.StrategyFail, map[string]bool{})

	graph, err := planner.Plan(pipeline)
	assert.NoError(t, err)

	results, err := ex.Run(context.Background(), graph)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(results))

	for _, r := range results {
		assert.False(t, r.Skipped)
		assert.NoError(t, r.Err)
		assert.Equal(t, r.RunID, results[0].RunID)
	}

	tx, err := eng.Begin(context.Background())
	assert.NoError(t, err)
	defer tx.Rollback()

	var a int
	assert.NoError(t, tx.QueryRow(context.Background(), "SELECT a FROM left_branch").Scan(&a))
	assert.Equal(t, 10, a)

	assert.NoError(t, tx.QueryRow(context.Background(), "SELECT a FROM right_branch").Scan(&a))
	assert.Equal(t, 100, a)
}

// A branch that fails causes its dependent to be skipped rather than
// executed against a nonexistent table, whether the run aborted it via
// the FailFast abort signal or via the ordinary dependsOnFailed check.
func TestRun_ConsumerOfFailedBranchNeverRuns(t *testing.T) {
	ex, eng := newScenarioExecutor(t, nil)
	defer eng.Close()

	src := `
CREATE TABLE root AS SELECT 1 AS a;
CREATE TABLE broken AS SELECT * FROM root WHERE nope(a);
CREATE TABLE consumer AS SELECT a FROM broken;
`
	pipeline, err := dslparse.Parse("p.sql", src)
	assert.NoError(t, err)

	planner := plan.NewPlanner(ex.VarContext, variable.StrategyFail, map[string]bool{})

	graph, err := planner.Plan(pipeline)
	assert.NoError(t, err)

	results, err := ex.Run(context.Background(), graph)
	assert.Error(t, err)
	assert.Equal(t, 3, len(results))

	byOutput := map[string]Result{}
	for _, r := range results {
		for _, o := range r.Outputs {
			byOutput[o] = r
		}
	}

	// consumer depends on broken and must never reach the engine with a
	// query against a table that was never produced.
	assert.True(t, byOutput["consumer"].Skipped)

	tx, txErr := eng.Begin(context.Background())
	assert.NoError(t, txErr)
	defer tx.Rollback()

	_, err = sqlengine.RowCount(context.Background(), tx, "consumer")
	assert.Error(t, err) // table was never created
}
