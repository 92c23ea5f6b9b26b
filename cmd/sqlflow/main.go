// Command sqlflow is the thin CLI adapter over the core (spec §6: "the
// core exposes these verbs to the CLI adapter, not a CLI itself").
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/giaosudau/sqlflow"
	_ "github.com/giaosudau/sqlflow/connector/localfile"
	_ "github.com/giaosudau/sqlflow/connector/mysql"
	_ "github.com/giaosudau/sqlflow/connector/postgres"
	"github.com/giaosudau/sqlflow/diagnostics"
	"github.com/giaosudau/sqlflow/dslparse"
	"github.com/giaosudau/sqlflow/executor"
	"github.com/giaosudau/sqlflow/plan"
	"github.com/giaosudau/sqlflow/resilience"
	"github.com/giaosudau/sqlflow/sqlengine/sqlite"
	"github.com/giaosudau/sqlflow/udf"
	"github.com/giaosudau/sqlflow/variable"
	"github.com/giaosudau/sqlflow/watermark"
)

// exit codes per spec §6.
const (
	exitSuccess           = 0
	exitPipelineFailure   = 1
	exitValidationFailure = 2
	exitConfigFailure     = 3
)

type globals struct {
	Profile string            `help:"Path to the profile YAML file." default:"sqlflow.yaml"`
	Verbose bool              `help:"Include stack traces in failure output."`
	Var     map[string]string `help:"Override a pipeline variable, NAME=VALUE. Repeatable."`
}

type cli struct {
	globals

	Validate        validateCmd        `cmd:"" help:"Parse and plan a pipeline without executing it."`
	Compile         compileCmd         `cmd:"" help:"Print the execution plan for a pipeline."`
	Run             runCmd             `cmd:"" help:"Execute a pipeline."`
	ListOperations  listOperationsCmd  `cmd:"list-operations" help:"List the operations a pipeline compiles to."`
	ListWatermarks  listWatermarksCmd  `cmd:"list-watermarks" help:"List stored watermarks for a pipeline."`
	ResetWatermarks resetWatermarksCmd `cmd:"reset-watermarks" help:"Clear stored watermarks for a pipeline."`
}

func main() {
	var c cli

	kctx := kong.Parse(&c,
		kong.Name("sqlflow"),
		kong.Description("SQL-centric ELT pipeline engine."),
		kong.UsageOnError(),
	)

	err := kctx.Run(&c.globals)
	if err == nil {
		os.Exit(exitSuccess)
	}

	code := exitCodeFor(err)
	renderErr(os.Stderr, err, c.Verbose)
	os.Exit(code)
}

// cliError carries the exit code a command wants main() to return,
// alongside the underlying error for rendering.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	if err == nil {
		return nil
	}

	return &cliError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ce *cliError
	if ok := asCliError(err, &ce); ok {
		return ce.code
	}

	return exitPipelineFailure
}

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}

func renderErr(w *os.File, err error, verbose bool) {
	var ce *cliError
	if asCliError(err, &ce) {
		err = ce.err
	}

	for _, d := range diagnostics.ClassifyBulk(err, verbose) {
		diagnostics.Render(w, d)
	}
}

// validateCmd / compileCmd share pipeline parsing and planning.
type validateCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline DSL file."`
}

func (c *validateCmd) Run(g *globals) error {
	_, err := parseAndPlan(c.Pipeline, g, nil)
	if err != nil {
		return fail(exitValidationFailure, err)
	}

	fmt.Println("pipeline is valid")

	return nil
}

type compileCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline DSL file."`
}

func (c *compileCmd) Run(g *globals) error {
	graph, err := parseAndPlan(c.Pipeline, g, nil)
	if err != nil {
		return fail(exitValidationFailure, err)
	}

	printOperations(graph)

	return nil
}

type listOperationsCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline DSL file."`
}

func (c *listOperationsCmd) Run(g *globals) error {
	graph, err := parseAndPlan(c.Pipeline, g, nil)
	if err != nil {
		return fail(exitValidationFailure, err)
	}

	printOperations(graph)

	return nil
}

func printOperations(graph *plan.Graph) {
	for _, op := range graph.Operations {
		fmt.Printf("%s  %-14s outputs=%s depends_on=%s\n",
			op.ID, op.Kind, strings.Join(op.Outputs, ","), strings.Join(op.DependsOn, ","))
	}
}

type runCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline DSL file."`
}

func (c *runCmd) Run(g *globals) error {
	ctx := context.Background()

	cfg, err := sqlflow.LoadConfig(g.Profile)
	if err != nil {
		return fail(exitConfigFailure, err)
	}

	engine, err := sqlite.Open(cfg.EngineDSN)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening engine: %w", err))
	}
	defer engine.Close()

	wms, err := watermark.NewStore(ctx, engine, cfg.Watermark.CacheSize)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening watermark store: %w", err))
	}

	varCtx := variable.NewContext(cliOverridesAny(g.Var), stringDefaultsAny(cfg.VariableDefaults), environAny())

	graph, err := parseAndPlan(c.Pipeline, g, varCtx)
	if err != nil {
		return fail(exitValidationFailure, err)
	}

	registry := resilience.NewRegistry()
	for name, override := range cfg.Resilience {
		registry.Configure(name, resilience.TierFromOverride(resilience.DefaultTier, override))
	}

	pipelineName := pipelineNameFromPath(c.Pipeline)

	exec := executor.New(pipelineName, engine, wms, varCtx, strategyFromString(cfg.Execution.SubstitutionMode),
		registry, udf.NewRegistry(), cfg.Execution.BulkThreshold, cfg.Execution.BatchSize,
		cfg.Execution.FailFast, nil)

	results, err := exec.Run(ctx, graph)
	if err != nil {
		return fail(exitPipelineFailure, err)
	}

	for _, r := range results {
		status := "committed"
		if r.Skipped {
			status = "skipped"
		}

		fmt.Printf("%s  outputs=%s  %s\n", r.OperationID, strings.Join(r.Outputs, ","), status)
	}

	return nil
}

type listWatermarksCmd struct {
	Pipeline string `arg:"" help:"Pipeline name to list watermarks for."`
}

func (c *listWatermarksCmd) Run(g *globals) error {
	ctx := context.Background()

	cfg, err := sqlflow.LoadConfig(g.Profile)
	if err != nil {
		return fail(exitConfigFailure, err)
	}

	engine, err := sqlite.Open(cfg.EngineDSN)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening engine: %w", err))
	}
	defer engine.Close()

	wms, err := watermark.NewStore(ctx, engine, cfg.Watermark.CacheSize)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening watermark store: %w", err))
	}

	entries, err := wms.List(ctx, c.Pipeline)
	if err != nil {
		return fail(exitPipelineFailure, err)
	}

	for _, entry := range entries {
		fmt.Printf("%s/%s.%s = %v\n", entry.Key.Source, entry.Key.Target, entry.Key.Column, watermarkDisplay(entry.Value))
	}

	return nil
}

type resetWatermarksCmd struct {
	Pipeline string `arg:"" help:"Pipeline name to reset watermarks for."`
}

func (c *resetWatermarksCmd) Run(g *globals) error {
	ctx := context.Background()

	cfg, err := sqlflow.LoadConfig(g.Profile)
	if err != nil {
		return fail(exitConfigFailure, err)
	}

	engine, err := sqlite.Open(cfg.EngineDSN)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening engine: %w", err))
	}
	defer engine.Close()

	wms, err := watermark.NewStore(ctx, engine, cfg.Watermark.CacheSize)
	if err != nil {
		return fail(exitConfigFailure, fmt.Errorf("opening watermark store: %w", err))
	}

	if err := wms.ResetAll(ctx, c.Pipeline); err != nil {
		return fail(exitPipelineFailure, err)
	}

	fmt.Printf("watermarks reset for pipeline %q\n", c.Pipeline)

	return nil
}

// parseAndPlan parses the pipeline file (with INCLUDE resolution) and
// runs it through the planner, returning a bulk diagnostic-renderable
// error on either a parse or plan failure. A nil varCtx builds one from
// only the CLI's --var overrides, suitable for validate/compile which
// do not load a profile.
func parseAndPlan(path string, g *globals, varCtx *variable.Context) (*plan.Graph, error) {
	pipeline, err := dslparse.ParseFile(path)
	if err != nil {
		return nil, err
	}

	if varCtx == nil {
		varCtx = variable.NewContext(cliOverridesAny(g.Var), nil, environAny())
	}

	planner := plan.NewPlanner(varCtx, variable.StrategyWarn, map[string]bool{})

	graph, err := planner.Plan(pipeline)
	if err != nil {
		return nil, err
	}

	return graph, nil
}

func pipelineNameFromPath(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}

	return strings.TrimSuffix(base, ".sql")
}

func strategyFromString(s string) variable.Strategy {
	switch s {
	case "warn":
		return variable.StrategyWarn
	case "ignore":
		return variable.StrategyIgnore
	default:
		return variable.StrategyFail
	}
}

func cliOverridesAny(vars map[string]string) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}

	return out
}

func stringDefaultsAny(vars map[string]string) map[string]any {
	return cliOverridesAny(vars)
}

func environAny() map[string]any {
	out := map[string]any{}

	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}

		out[kv[:i]] = kv[i+1:]
	}

	return out
}

func watermarkDisplay(v watermark.Value) any {
	switch v.Kind {
	case watermark.KindTimestamp:
		return v.Timestamp
	case watermark.KindInt:
		return v.Int
	case watermark.KindString:
		return v.Str
	default:
		return nil
	}
}
