// Package condition evaluates IF/ELSE expressions (§4.7) against the
// current variable context, using the same substitution engine the
// planner and SQL engine bridge use, followed by CEL compilation and
// evaluation -- grounded on the teacher's CEL-backed Namespace
// (parser/parsercommon/namespace.go), which builds one *cel.Env per
// frame of declared variables and evaluates expressions against it.
package condition

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/variable"
)

// Evaluator evaluates boolean IF expressions at plan time.
type Evaluator struct {
	strategy variable.Strategy
}

// New builds an Evaluator using the given missing-variable strategy.
func New(strategy variable.Strategy) *Evaluator {
	return &Evaluator{strategy: strategy}
}

// Eval resolves variable references in expr using AST-context
// substitution (quoted scalars for strings, bare for numerics/bools),
// then parses and evaluates the result as a CEL boolean expression.
// Failures surface as planning errors carrying the expression text;
// the planner attaches the precise span.
func (e *Evaluator) Eval(expr string, ctx *variable.Context) (bool, error) {
	substituted, err := variable.ASTValue(expr, ctx, e.strategy, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", sqlflow.ErrUnevaluableCondition, err)
	}

	env, err := cel.NewEnv(cel.HomogeneousAggregateLiterals())
	if err != nil {
		return false, fmt.Errorf("%w: cel environment: %w", sqlflow.ErrUnevaluableCondition, err)
	}

	ast, issues := env.Compile(substituted)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("%w: %q: %w", sqlflow.ErrUnevaluableCondition, expr, issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", sqlflow.ErrUnevaluableCondition, expr, err)
	}

	out, _, err := program.Eval(map[string]any{})
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", sqlflow.ErrUnevaluableCondition, expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q did not evaluate to a boolean", sqlflow.ErrUnevaluableCondition, expr)
	}

	return b, nil
}
