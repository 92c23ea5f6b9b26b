// Package variable implements the single, context-aware substitution
// engine (§4.2): one grammar, four context formatters, one error
// strategy, shared by the planner, the SQL engine bridge, and the
// condition evaluator.
package variable

import (
	"strings"
	"sync"
)

// Expression is a single parsed ${name} or ${name|default} reference.
type Expression struct {
	Name    string
	Default string
	HasDefault bool
}

// Span is the byte offset range of a parsed expression within its
// source string, used to splice substituted output back in.
type Span struct {
	Start, End int
}

// Occurrence pairs a parsed expression with its source span.
type Occurrence struct {
	Span Span
	Expr Expression
}

// parseCache avoids re-parsing identical template strings; keyed by the
// string's content since Go strings of equal value share no identity
// guarantee, but content-based caching is exactly what §4.2 calls for
// ("caches parse results keyed by input-string identity").
var parseCache sync.Map

// Parse returns the ordered list of variable occurrences in s. Unbalanced
// braces and nested expressions such as ${a_${b}} are never split into
// multiple references: scanning treats the first un-nested `}` as the
// terminator, so ${a_${b}} parses as one unresolvable reference named
// "a_${b" (no closing brace for the inner `${`, so it is literal text
// inside the outer name) -- per §4.2/§8 nested expressions are not
// recognized.
func Parse(s string) []Occurrence {
	if cached, ok := parseCache.Load(s); ok {
		return cached.([]Occurrence)
	}

	var out []Occurrence

	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			break
		}

		start += i
		end := strings.IndexByte(s[start+2:], '}')

		if end == -1 {
			// Unbalanced: no closing brace anywhere after this point;
			// the rest of the string is literal.
			break
		}

		end += start + 2

		body := s[start+2 : end]

		name := body
		def := ""
		hasDefault := false

		if pipe := strings.IndexByte(body, '|'); pipe != -1 {
			name = body[:pipe]
			def = body[pipe+1:]
			hasDefault = true
			def = stripOuterQuotesOnce(def)
		}

		out = append(out, Occurrence{
			Span: Span{Start: start, End: end + 1},
			Expr: Expression{Name: name, Default: def, HasDefault: hasDefault},
		})

		i = end + 1
	}

	parseCache.Store(s, out)

	return out
}

// stripOuterQuotesOnce removes exactly one layer of matching outer
// quotes (single or double) from a default value, per §3 "Variable
// expression": "Default value, if quoted, has outer quotes stripped
// exactly once."
func stripOuterQuotesOnce(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}

	return s
}
