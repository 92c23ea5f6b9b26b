// Package diagnostics renders internal errors as user-facing failures
// (spec §7): "the offending span (line, column), the category, a
// single actionable suggestion, and a stable error code; stack traces
// are reserved for verbose mode."
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/fatih/color"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/errkind"
)

// Category is one of the seven taxonomy buckets from spec §7.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryPlanning     Category = "planning"
	CategorySubstitution Category = "substitution"
	CategorySchema       Category = "schema"
	CategoryConnector    Category = "connector"
	CategoryExecution    Category = "execution"
	CategoryResource     Category = "resource"
	CategoryUnknown      Category = "unknown"
)

// Diagnostic is one rendered failure.
type Diagnostic struct {
	Span       ast.Span
	Category   Category
	Code       string
	Message    string
	Suggestion string
	Stack      string // only populated when Classify runs with captureStack
}

// rule maps a sentinel to its category/code/suggestion. Checked in
// order with errors.Is, first match wins.
type rule struct {
	sentinel   error
	category   Category
	code       string
	suggestion string
}

var rules = []rule{
	{sqlflow.ErrUnknownConnectorType, CategoryValidation, "E_UNKNOWN_CONNECTOR", "check the TYPE clause against the registered connector types"},
	{sqlflow.ErrMissingParameter, CategoryValidation, "E_MISSING_PARAM", "add the missing key to the connector's PARAMS object"},
	{sqlflow.ErrIncompatibleModeClause, CategoryValidation, "E_BAD_MODE", "remove the conflicting clause or switch to a mode that supports it"},
	{sqlflow.ErrUnknownSource, CategoryPlanning, "E_UNKNOWN_SOURCE", "declare a SOURCE statement before the LOAD that references it"},
	{sqlflow.ErrUnknownTable, CategoryPlanning, "E_UNKNOWN_TABLE", "check the table name for a typo, or add the step that produces it"},
	{sqlflow.ErrDuplicateTable, CategoryPlanning, "E_DUPLICATE_TABLE", "add OR REPLACE, or rename one of the conflicting outputs"},
	{sqlflow.ErrCyclicDependency, CategoryPlanning, "E_CYCLE", "break the cycle by removing or reordering one of the listed dependencies"},
	{sqlflow.ErrMissingCursorField, CategoryPlanning, "E_NO_CURSOR", "add BY <column> to the INCREMENTAL clause"},
	{sqlflow.ErrMergeWithoutKeys, CategoryPlanning, "E_NO_KEYS", "add KEY (col, ...) to the MERGE/UPSERT clause"},
	{sqlflow.ErrIncludeCycle, CategoryPlanning, "E_INCLUDE_CYCLE", "remove the circular INCLUDE reference"},
	{sqlflow.ErrUnevaluableCondition, CategoryPlanning, "E_BAD_CONDITION", "check the IF expression's variable references and CEL syntax"},
	{sqlflow.ErrMissingVariable, CategorySubstitution, "E_MISSING_VAR", "provide a value via --var, SET, profile defaults, or environment, or add a |default"},
	{sqlflow.ErrMalformedExpression, CategorySubstitution, "E_BAD_EXPR", "check the ${name} or ${name|default} syntax"},
	{sqlflow.ErrNestedVariable, CategorySubstitution, "E_NESTED_VAR", "flatten the nested ${...} expression into a single reference"},
	{sqlflow.ErrSchemaIncompatible, CategorySchema, "E_SCHEMA_INCOMPATIBLE", "narrow or retype the column explicitly, or change targets"},
	{sqlflow.ErrMissingKeys, CategorySchema, "E_TARGET_NO_KEYS", "the target table lacks the declared merge/upsert key columns"},
	{sqlflow.ErrConnectorAuth, CategoryConnector, "E_CONNECTOR_AUTH", "refresh the connector's credentials"},
	{sqlflow.ErrConnectorRateLimited, CategoryConnector, "E_RATE_LIMITED", "lower the request rate or raise rate_limit_per_minute"},
	{sqlflow.ErrConnectorPermanent, CategoryConnector, "E_CONNECTOR_PERMANENT", "check the connector's configuration and target reachability"},
	{sqlflow.ErrConnectorTransient, CategoryConnector, "E_CONNECTOR_TRANSIENT", "retries were exhausted; check the target's health"},
	{sqlflow.ErrCircuitOpen, CategoryConnector, "E_CIRCUIT_OPEN", "wait for the cooldown period or investigate the failing connector"},
	{sqlflow.ErrSwapFailed, CategoryExecution, "E_SWAP_FAILED", "inspect the staging table; the live table was left unchanged"},
	{sqlflow.ErrWatermarkUpdate, CategoryExecution, "E_WATERMARK", "the transform committed but its watermark did not; rerun is safe"},
	{sqlflow.ErrCancelled, CategoryResource, "E_CANCELLED", "rerun once the cancelling condition clears"},
	{sqlflow.ErrTimeout, CategoryResource, "E_TIMEOUT", "raise the configured timeout or investigate a slow dependency"},
}

// Classify converts an internal error into a Diagnostic, unwrapping an
// *errkind.Located for its span if present. verbose additionally
// captures a debug.Stack() snapshot.
func Classify(err error, verbose bool) Diagnostic {
	d := Diagnostic{Category: CategoryUnknown, Code: "E_UNKNOWN", Message: err.Error()}

	var located *errkind.Located
	if errors.As(err, &located) {
		d.Span = located.Span

		if located.Code != "" {
			d.Code = located.Code
		}

		if located.Suggestion != "" {
			d.Suggestion = located.Suggestion
		}
	}

	for _, r := range rules {
		if errors.Is(err, r.sentinel) {
			d.Category = r.category

			if located == nil || located.Code == "" {
				d.Code = r.code
			}

			if d.Suggestion == "" {
				d.Suggestion = r.suggestion
			}

			break
		}
	}

	if verbose {
		d.Stack = string(debug.Stack())
	}

	return d
}

// ClassifyBulk expands an *errkind.Bulk into one Diagnostic per
// collected error, preserving the bulk-reporting propagation policy
// (spec §7: "the planner collects all errors in one pass ... before
// failing").
func ClassifyBulk(err error, verbose bool) []Diagnostic {
	if bulk, ok := errkind.AsBulk(err); ok {
		out := make([]Diagnostic, 0, len(bulk.Errors))
		for _, e := range bulk.Errors {
			out = append(out, Classify(e, verbose))
		}

		return out
	}

	return []Diagnostic{Classify(err, verbose)}
}

// Render writes d to w, colorized by category severity: connector/
// resource failures (often transient) in yellow, everything else in
// red, the code and suggestion in faint/cyan respectively. Color is
// auto-disabled by fatih/color when w is not a terminal.
func Render(w io.Writer, d Diagnostic) {
	sev := color.New(color.FgRed, color.Bold)
	if d.Category == CategoryConnector || d.Category == CategoryResource {
		sev = color.New(color.FgYellow, color.Bold)
	}

	code := color.New(color.FgHiBlack)
	suggestion := color.New(color.FgCyan)

	var loc string
	if d.Span.File != "" || d.Span.Line != 0 {
		loc = fmt.Sprintf("%s:%d:%d: ", d.Span.File, d.Span.Line, d.Span.Column)
	}

	sev.Fprintf(w, "%s[%s]", loc, strings.ToUpper(string(d.Category)))
	code.Fprintf(w, " %s", d.Code)
	fmt.Fprintf(w, ": %s\n", d.Message)

	if d.Suggestion != "" {
		suggestion.Fprintf(w, "  suggestion: %s\n", d.Suggestion)
	}

	if d.Stack != "" {
		fmt.Fprintf(w, "%s\n", d.Stack)
	}
}

// RenderAll renders every diagnostic in ds to w, in order.
func RenderAll(w io.Writer, ds []Diagnostic) {
	for _, d := range ds {
		Render(w, d)
	}
}
