// Package executor is the top-level DAG runner (spec §4 "Execution
// flow"): it walks a plan.Graph in topological order and dispatches
// each operation to the transform, load/export, or UDF subsystem,
// applying variable substitution and the resilience wrapper uniformly.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/giaosudau/sqlflow/errkind"
	"github.com/giaosudau/sqlflow/loadexport"
	"github.com/giaosudau/sqlflow/plan"
	"github.com/giaosudau/sqlflow/resilience"
	"github.com/giaosudau/sqlflow/sqlengine"
	"github.com/giaosudau/sqlflow/transform"
	"github.com/giaosudau/sqlflow/udf"
	"github.com/giaosudau/sqlflow/variable"
	"github.com/giaosudau/sqlflow/watermark"
)

// Result records one operation's outcome for reporting (spec §6
// "list-operations").
type Result struct {
	RunID       string
	OperationID string
	Outputs     []string
	State       transform.State
	Err         error
	Skipped     bool
}

// Executor owns a run of a plan.Graph against one engine/watermark
// store pair (spec §5 "Connector instances are owned by the executor
// for the span of one operation").
type Executor struct {
	Engine     sqlengine.Engine
	Watermarks *watermark.Store
	VarContext *variable.Context
	Strategy   variable.Strategy
	Resilience *resilience.Registry
	Pipeline   string
	FailFast   bool
	Logger     *slog.Logger

	transform *transform.Executor
	load      *loadexport.LoadExecutor
	export    *loadexport.ExportExecutor
	udf       *udf.Preprocessor
}

// New wires a full Executor from its subsystems, mirroring the
// teacher's "one constructor per server, composed from its
// collaborators" wiring style.
func New(
	pipeline string,
	engine sqlengine.Engine,
	watermarks *watermark.Store,
	varCtx *variable.Context,
	strategy variable.Strategy,
	resilienceRegistry *resilience.Registry,
	udfRegistry *udf.Registry,
	bulkThreshold, batchSize int,
	failFast bool,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		Engine:     engine,
		Watermarks: watermarks,
		VarContext: varCtx,
		Strategy:   strategy,
		Resilience: resilienceRegistry,
		Pipeline:   pipeline,
		FailFast:   failFast,
		Logger:     logger,

		transform: transform.NewExecutor(engine, watermarks, bulkThreshold, batchSize),
		load:      loadexport.NewLoadExecutor(engine, watermarks, batchSize),
		export:    loadexport.NewExportExecutor(engine, batchSize),
		udf:       udf.NewPreprocessor(engine, udfRegistry, batchSize),
	}
}

// Run dispatches every operation in graph respecting its DependsOn
// edges as a strict happens-before order (spec §5 "Ordering
// guarantees"), but does not otherwise serialize independent branches:
// each operation runs in its own goroutine as soon as its dependencies
// have signaled completion, coordinated with errgroup the way spec §5's
// "cooperative worker pool ... independent branches may execute in
// parallel if the SQL engine admits concurrent transactions" describes.
// database/sql's connection pool (sqlengine/sqlite caps it at one
// physical connection) queues concurrent Begin calls rather than
// rejecting them, so this is safe against engines that do not actually
// admit concurrent transactions: such an engine just serializes the
// work, it does not corrupt it.
//
// When FailFast is true, a failure signals an abort channel so any
// operation still waiting on a dependency bails out early instead of
// running; otherwise independent branches continue to completion and
// every operation transitively depending on a failed one is recorded as
// Skipped without being executed (spec §7 "Swap failure is fatal for
// that operation but isolated: other DAG branches proceed or abort per
// the executor's fail-fast policy").
func (e *Executor) Run(ctx context.Context, graph *plan.Graph) ([]Result, error) {
	runID := uuid.New().String()
	runLogger := e.Logger.With("run_id", runID, "pipeline", e.Pipeline)

	n := len(graph.Operations)
	results := make([]Result, n)
	done := make(map[string]chan struct{}, n)

	for _, op := range graph.Operations {
		done[op.ID] = make(chan struct{})
	}

	var (
		mu     sync.Mutex
		failed = map[string]bool{}
		bulk   = &errkind.Bulk{}
		abort  = make(chan struct{})
		once   sync.Once
	)

	runLogger.Info("run started", "operations", n)

	g, gctx := errgroup.WithContext(ctx)

	for i, op := range graph.Operations {
		i, op := i, op

		g.Go(func() error {
			defer close(done[op.ID])

			if !e.awaitDeps(gctx, op, done, abort) {
				mu.Lock()
				failed[op.ID] = true
				results[i] = Result{RunID: runID, OperationID: op.ID, Outputs: op.Outputs, State: transform.StateFailed, Skipped: true}
				mu.Unlock()

				return nil
			}

			mu.Lock()
			skip := dependsOnFailed(op, failed)
			mu.Unlock()

			if skip {
				mu.Lock()
				failed[op.ID] = true
				results[i] = Result{RunID: runID, OperationID: op.ID, Outputs: op.Outputs, State: transform.StateFailed, Skipped: true}
				mu.Unlock()

				return nil
			}

			state, err := e.runOne(gctx, op)

			mu.Lock()
			results[i] = Result{RunID: runID, OperationID: op.ID, Outputs: op.Outputs, State: state, Err: err}
			mu.Unlock()

			if err != nil {
				mu.Lock()
				failed[op.ID] = true
				mu.Unlock()

				runLogger.Error("operation failed", "operation", op.ID, "outputs", op.Outputs, "error", err)

				if e.FailFast {
					once.Do(func() { close(abort) })
					return fmt.Errorf("operation %s: %w", op.ID, err)
				}

				mu.Lock()
				bulk.Add(fmt.Errorf("operation %s: %w", op.ID, err))
				mu.Unlock()
			}

			return nil
		})
	}

	waitErr := g.Wait()

	if e.FailFast && waitErr != nil {
		runLogger.Error("run aborted", "error", waitErr)
		return results, waitErr
	}

	if err := bulk.ErrOrNil(); err != nil {
		runLogger.Error("run completed with failures", "error", err)
		return results, err
	}

	runLogger.Info("run completed")

	return results, nil
}

// awaitDeps blocks until every dependency of op has completed, or until
// abort closes (fail-fast already triggered elsewhere) or ctx is
// cancelled. It reports false when op should not run.
func (e *Executor) awaitDeps(ctx context.Context, op *plan.Operation, done map[string]chan struct{}, abort chan struct{}) bool {
	for _, dep := range op.DependsOn {
		select {
		case <-done[dep]:
		case <-abort:
			return false
		case <-ctx.Done():
			return false
		}
	}

	select {
	case <-abort:
		return false
	default:
		return true
	}
}

func dependsOnFailed(op *plan.Operation, failed map[string]bool) bool {
	for _, dep := range op.DependsOn {
		if failed[dep] {
			return true
		}
	}

	return false
}

func (e *Executor) runOne(ctx context.Context, op *plan.Operation) (transform.State, error) {
	switch op.Kind {
	case plan.KindSourceRead:
		return e.runLoad(ctx, op)
	case plan.KindTransform:
		return e.runTransform(ctx, op)
	case plan.KindExport:
		return e.runExport(ctx, op)
	case plan.KindSetWatermark:
		// No planner path currently emits this kind (watermarks are
		// updated as part of the owning transform/load operation's own
		// transaction, spec §4.5); kept for forward compatibility with a
		// future explicit SET WATERMARK statement.
		return transform.StateCommitted, nil
	default:
		return transform.StateFailed, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Executor) runTransform(ctx context.Context, op *plan.Operation) (transform.State, error) {
	block := *op.SqlBlock

	query, err := e.substituteSQL(block.Query)
	if err != nil {
		return transform.StateFailed, err
	}

	query, err = e.udf.Rewrite(ctx, query)
	if err != nil {
		return transform.StateFailed, err
	}

	block.Query = query

	return e.transform.Execute(ctx, e.Pipeline, block)
}

func (e *Executor) runLoad(ctx context.Context, op *plan.Operation) (transform.State, error) {
	def := *op.SourceDef
	stmt := *op.LoadStmt

	key := resilienceKey(def.Type, def.Params)

	var (
		state transform.State
		err   error
	)

	runErr := e.Resilience.Do(ctx, key, e.Logger, func(ctx context.Context) error {
		state, err = e.load.Load(ctx, e.Pipeline, def, stmt)
		return err
	})
	if runErr != nil {
		return transform.StateFailed, runErr
	}

	return state, nil
}

func (e *Executor) runExport(ctx context.Context, op *plan.Operation) (transform.State, error) {
	stmt := *op.ExportStmt

	query, err := e.substituteSQL(stmt.Query)
	if err != nil {
		return transform.StateFailed, err
	}

	query, err = e.udf.Rewrite(ctx, query)
	if err != nil {
		return transform.StateFailed, err
	}

	stmt.Query = query

	key := resilienceKey(stmt.ConnectorType, stmt.Options)

	var state transform.State

	runErr := e.Resilience.Do(ctx, key, e.Logger, func(ctx context.Context) error {
		var execErr error
		state, execErr = e.export.Export(ctx, stmt)
		err = execErr

		return execErr
	})
	if runErr != nil {
		return transform.StateFailed, runErr
	}

	return state, nil
}

func (e *Executor) substituteSQL(query string) (string, error) {
	return variable.SQLValue(query, e.VarContext, e.Strategy, func(d variable.Diagnostic) {
		if d.Missing {
			e.Logger.Warn("substitution: missing variable", "variable", d.VariableName)
		}
	})
}

// resilienceKey groups retry/breaker/rate-limit state by
// (connector_type, host) per spec §5, falling back to connector_type
// alone when params carry no host-like field.
func resilienceKey(connType string, params map[string]any) string {
	for _, field := range []string{"host", "dsn", "path", "url"} {
		if v, ok := params[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return connType + ":" + s
			}
		}
	}

	return connType
}
