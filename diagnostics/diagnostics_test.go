package diagnostics

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/errkind"
)

func TestClassify_MapsSentinelToCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("%w: orders", sqlflow.ErrUnknownTable)

	d := Classify(err, false)
	assert.Equal(t, CategoryPlanning, d.Category)
	assert.Equal(t, "E_UNKNOWN_TABLE", d.Code)
	assert.Equal(t, "", d.Stack)
	assert.True(t, len(d.Suggestion) > 0)
}

func TestClassify_UnwrapsLocatedSpanAndOwnCode(t *testing.T) {
	err := &errkind.Located{
		Span:       ast.Span{File: "p.sql", Line: 3, Column: 7},
		Err:        fmt.Errorf("%w: b", sqlflow.ErrCyclicDependency),
		Code:       "CUSTOM_CODE",
		Suggestion: "custom suggestion",
	}

	d := Classify(err, false)
	assert.Equal(t, "p.sql", d.Span.File)
	assert.Equal(t, 3, d.Span.Line)
	assert.Equal(t, CategoryPlanning, d.Category)
	assert.Equal(t, "CUSTOM_CODE", d.Code)
	assert.Equal(t, "custom suggestion", d.Suggestion)
}

func TestClassify_VerboseCapturesStack(t *testing.T) {
	d := Classify(sqlflow.ErrTimeout, true)
	assert.True(t, len(d.Stack) > 0)
}

func TestClassifyBulk_ExpandsEachCollectedError(t *testing.T) {
	bulk := &errkind.Bulk{}
	bulk.Add(fmt.Errorf("%w: a", sqlflow.ErrUnknownTable))
	bulk.Add(fmt.Errorf("%w: b", sqlflow.ErrCyclicDependency))

	ds := ClassifyBulk(bulk, false)
	assert.Equal(t, 2, len(ds))
	assert.Equal(t, "E_UNKNOWN_TABLE", ds[0].Code)
	assert.Equal(t, "E_CYCLE", ds[1].Code)
}

func TestRender_IncludesCodeCategoryAndSuggestion(t *testing.T) {
	var buf bytes.Buffer

	Render(&buf, Diagnostic{
		Span:       ast.Span{File: "p.sql", Line: 1, Column: 1},
		Category:   CategoryPlanning,
		Code:       "E_UNKNOWN_TABLE",
		Message:    "unknown table reference: orders",
		Suggestion: "declare the table first",
	})

	out := buf.String()
	assert.True(t, len(out) > 0)
}
