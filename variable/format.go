package variable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Substitute renders every ${...} occurrence in s through the given
// Renderer, which is the only thing that differs between the four
// contexts (§4.2 table). Parsing (Parse) is identical for every
// formatter; only value-rendering differs, which is the cross-component
// consistency invariant §8 tests.
type Renderer interface {
	// Render formats a resolved value for this context.
	Render(v any) string
	// Missing is the formatted output when a variable has no value and
	// no default, before the strategy even runs (used as the warn/ignore
	// fallback).
	Missing(name string) string
}

func substitute(s string, ctx *Context, strategy Strategy, r Renderer, sink Sink) (string, error) {
	occurrences := Parse(s)
	if len(occurrences) == 0 {
		return s, nil
	}

	var sb strings.Builder

	last := 0

	for _, occ := range occurrences {
		sb.WriteString(s[last:occ.Span.Start])

		rendered, err := resolveOne(occ.Expr, ctx, strategy, r, sink)
		if err != nil {
			return "", err
		}

		// A placeholder already inside a single-quoted SQL literal, as in
		// '${date}', takes the value without a second pair of quotes.
		if _, isSQL := r.(sqlRenderer); isSQL && occ.Span.Start > 0 && occ.Span.End < len(s) &&
			s[occ.Span.Start-1] == '\'' && s[occ.Span.End] == '\'' && len(rendered) >= 2 && rendered[0] == '\'' {
			rendered = rendered[1 : len(rendered)-1]
		}

		sb.WriteString(rendered)
		last = occ.Span.End
	}

	sb.WriteString(s[last:])

	return sb.String(), nil
}

func resolveOne(expr Expression, ctx *Context, strategy Strategy, r Renderer, sink Sink) (string, error) {
	if v, ok := ctx.Lookup(expr.Name); ok {
		return r.Render(v), nil
	}

	if expr.HasDefault {
		return r.Render(expr.Default), nil
	}

	return resolveMissing(strategy, expr.Name, r.Missing(expr.Name), sink)
}

// PlainText: defined value as-is (string-coerced); missing keeps the
// original ${...} placeholder; default as-is.
type plainRenderer struct{}

func (plainRenderer) Render(v any) string    { return fmt.Sprint(v) }
func (plainRenderer) Missing(name string) string { return "${" + name + "}" }

func PlainText(s string, ctx *Context, strategy Strategy, sink Sink) (string, error) {
	return substitute(s, ctx, strategy, plainRenderer{}, sink)
}

// SQLValue: string -> 'x' with ' -> '' escaping; numeric/bool -> literal;
// missing/NULL -> NULL.
type sqlRenderer struct{}

func (sqlRenderer) Render(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "TRUE"
		}

		return "FALSE"
	case int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	case decimal.Decimal:
		// Rendered as an exact numeric literal, never through
		// float64, so a DECIMAL/NUMERIC-typed variable (a monetary
		// threshold, say) can't pick up binary-float rounding error
		// on its way into a WHERE/SET clause.
		return t.String()
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(t), "'", "''") + "'"
	}
}
func (sqlRenderer) Missing(string) string { return "NULL" }

func SQLValue(s string, ctx *Context, strategy Strategy, sink Sink) (string, error) {
	return substitute(s, ctx, strategy, sqlRenderer{}, sink)
}

// AST: quoted scalar in the condition grammar's literal syntax (used by
// the condition evaluator, §4.7); missing/None -> null.
type astRenderer struct{}

func (astRenderer) Render(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case decimal.Decimal:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
func (astRenderer) Missing(string) string { return "null" }

func ASTValue(s string, ctx *Context, strategy Strategy, sink Sink) (string, error) {
	return substitute(s, ctx, strategy, astRenderer{}, sink)
}

// JSON: JSON-encoded scalar; missing -> null.
type jsonRenderer struct{}

func (jsonRenderer) Render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}

	return string(b)
}
func (jsonRenderer) Missing(string) string { return "null" }

func JSONValue(s string, ctx *Context, strategy Strategy, sink Sink) (string, error) {
	return substitute(s, ctx, strategy, jsonRenderer{}, sink)
}
