package condition

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/variable"
)

func TestEval_VariableComparison(t *testing.T) {
	ctx := variable.NewContext(nil, nil, nil)
	ctx.Set("env", "prod")

	eval := New(variable.StrategyFail)

	ok, err := eval.Eval(`${env} == "prod"`, ctx)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Eval(`${env} == "dev"`, ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestEval_UnresolvableVariableFails(t *testing.T) {
	ctx := variable.NewContext(nil, nil, nil)
	eval := New(variable.StrategyFail)

	_, err := eval.Eval(`${missing} == "x"`, ctx)
	assert.Error(t, err)
}

func TestEval_NumericComparison(t *testing.T) {
	ctx := variable.NewContext(nil, nil, nil)
	ctx.Set("count", 5)

	eval := New(variable.StrategyFail)

	ok, err := eval.Eval(`${count} > 3`, ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
}
