package variable

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/shopspring/decimal"
)

func TestParse_NestedNotSupported(t *testing.T) {
	occurrences := Parse("${a_${b}}")
	assert.Equal(t, 1, len(occurrences))
	assert.Equal(t, "a_${b", occurrences[0].Expr.Name)
}

func TestParse_DefaultQuoteStrippedOnce(t *testing.T) {
	occurrences := Parse(`${name|"'x'"}`)
	assert.Equal(t, 1, len(occurrences))
	assert.Equal(t, "'x'", occurrences[0].Expr.Default)
}

func TestFormatters_ConsistentSpans(t *testing.T) {
	template := "select * from t where d = ${date} and n = ${count|0}"
	ctx := NewContext(nil, nil, nil)
	ctx.Set("date", "2024-01-01")

	plain, err := PlainText(template, ctx, StrategyFail, nil)
	assert.NoError(t, err)
	assert.Equal(t, "select * from t where d = 2024-01-01 and n = 0", plain)

	sql, err := SQLValue(template, ctx, StrategyFail, nil)
	assert.NoError(t, err)
	assert.Equal(t, "select * from t where d = '2024-01-01' and n = '0'", sql)
}

func TestMissingVariable_Strategies(t *testing.T) {
	ctx := NewContext(nil, nil, nil)

	_, err := PlainText("${missing}", ctx, StrategyFail, nil)
	assert.Error(t, err)

	out, err := PlainText("${missing}", ctx, StrategyWarn, nil)
	assert.NoError(t, err)
	assert.Equal(t, "${missing}", out)

	sqlOut, err := SQLValue("${missing}", ctx, StrategyIgnore, nil)
	assert.NoError(t, err)
	assert.Equal(t, "NULL", sqlOut)
}

func TestSQLValue_StringEscaping(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	ctx.Set("name", "o'brien")

	out, err := SQLValue("${name}", ctx, StrategyFail, nil)
	assert.NoError(t, err)
	assert.Equal(t, "'o''brien'", out)
}

func TestSQLValue_DecimalRendersExactNoQuotes(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	ctx.Set("threshold", decimal.RequireFromString("19.999999999999999999"))

	out, err := SQLValue("WHERE amount > ${threshold}", ctx, StrategyFail, nil)
	assert.NoError(t, err)
	assert.Equal(t, "WHERE amount > 19.999999999999999999", out)
}

func TestJSONValue(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	ctx.Set("count", 3)

	out, err := JSONValue("${count}", ctx, StrategyFail, nil)
	assert.NoError(t, err)
	assert.Equal(t, "3", out)

	missingOut, err := JSONValue("${absent}", ctx, StrategyWarn, nil)
	assert.NoError(t, err)
	assert.Equal(t, "null", missingOut)
}
