package dslparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giaosudau/sqlflow/ast"
)

// Parse lexes and parses pipeline source text into an ast.Pipeline.
// file is used only to stamp spans for diagnostics.
func Parse(file, src string) (*ast.Pipeline, error) {
	toks, err := lex(file, src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, file: file}

	steps, err := p.parseStatements(nil)
	if err != nil {
		return nil, err
	}

	return &ast.Pipeline{Steps: steps}, nil
}

type parser struct {
	toks []token
	pos  int
	file string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}

	return t
}

func upper(s string) string { return strings.ToUpper(s) }

func (p *parser) peekWord() (string, bool) {
	t := p.peek()
	if t.Kind != tokWord {
		return "", false
	}

	return upper(t.Value), true
}

func (p *parser) expectWord(kw string) (token, error) {
	t := p.next()
	if t.Kind != tokWord || upper(t.Value) != kw {
		return token{}, fmt.Errorf("%s:%d:%d: expected %q, found %q", p.file, t.Span.Line, t.Span.Column, kw, t.Raw)
	}

	return t, nil
}

func (p *parser) expectSemi() error {
	t := p.next()
	if t.Kind != tokSemi {
		return fmt.Errorf("%s:%d:%d: expected ';', found %q", p.file, t.Span.Line, t.Span.Column, t.Raw)
	}

	return nil
}

// parseStatements consumes statements until EOF or until the next
// top-level word token is a member of stop (ELSE / END), which is left
// unconsumed for the caller (IF/THEN/ELSE/END IF nesting).
func (p *parser) parseStatements(stop map[string]bool) ([]ast.Step, error) {
	var steps []ast.Step

	for {
		t := p.peek()
		if t.Kind == tokEOF {
			return steps, nil
		}

		if w, ok := p.peekWord(); ok && stop[w] {
			return steps, nil
		}

		step, err := p.parseStatement()
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}
}

func (p *parser) parseStatement() (ast.Step, error) {
	t := p.peek()

	w, ok := p.peekWord()
	if !ok {
		return nil, fmt.Errorf("%s:%d:%d: expected a statement keyword, found %q", p.file, t.Span.Line, t.Span.Column, t.Raw)
	}

	switch w {
	case "SOURCE":
		return p.parseSource()
	case "LOAD":
		return p.parseLoad()
	case "CREATE":
		return p.parseCreate()
	case "EXPORT":
		return p.parseExport()
	case "SET":
		return p.parseSet()
	case "IF":
		return p.parseIf()
	case "INCLUDE":
		return p.parseInclude()
	default:
		return nil, fmt.Errorf("%s:%d:%d: unrecognized statement %q", p.file, t.Span.Line, t.Span.Column, t.Raw)
	}
}

func (p *parser) parseJSONObject(tok token) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(tok.Value), &m); err != nil {
		return nil, fmt.Errorf("%s:%d:%d: invalid JSON: %w", p.file, tok.Span.Line, tok.Span.Column, err)
	}

	return m, nil
}

func (p *parser) parseSource() (ast.Step, error) {
	start := p.next().Span // SOURCE

	name := p.next()
	if name.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected source name", p.file, name.Span.Line, name.Span.Column)
	}

	if _, err := p.expectWord("TYPE"); err != nil {
		return nil, err
	}

	typ := p.next()
	if typ.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected connector type", p.file, typ.Span.Line, typ.Span.Column)
	}

	def := ast.SourceDef{Span: start, Name: name.Value, Type: typ.Value}

	if w, ok := p.peekWord(); ok && w == "PARAMS" {
		p.next()

		blk := p.next()
		if blk.Kind != tokJSON {
			return nil, fmt.Errorf("%s:%d:%d: expected { ... } after PARAMS", p.file, blk.Span.Line, blk.Span.Column)
		}

		params, err := p.parseJSONObject(blk)
		if err != nil {
			return nil, err
		}

		def.Params = params
	}

	if w, ok := p.peekWord(); ok && w == "SYNC" {
		p.next()

		mode := p.next()
		if mode.Kind != tokWord {
			return nil, fmt.Errorf("%s:%d:%d: expected FULL or INCREMENTAL after SYNC", p.file, mode.Span.Line, mode.Span.Column)
		}

		def.Sync = strings.ToLower(mode.Value)

		if w, ok := p.peekWord(); ok && w == "CURSOR" {
			p.next()

			col := p.next()
			if col.Kind != tokWord {
				return nil, fmt.Errorf("%s:%d:%d: expected column name after CURSOR", p.file, col.Span.Line, col.Span.Column)
			}

			def.CursorCol = col.Value
		}
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return def, nil
}

func (p *parser) parseLoad() (ast.Step, error) {
	start := p.next().Span // LOAD

	table := p.next()
	if table.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected target table name", p.file, table.Span.Line, table.Span.Column)
	}

	if _, err := p.expectWord("FROM"); err != nil {
		return nil, err
	}

	src := p.next()
	if src.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected source name", p.file, src.Span.Line, src.Span.Column)
	}

	ls := ast.LoadStmt{Span: start, TargetTable: table.Value, SourceName: src.Value, Mode: ast.LoadReplace}

	if w, ok := p.peekWord(); ok && w == "MODE" {
		p.next()

		mode := p.next()
		if mode.Kind != tokWord {
			return nil, fmt.Errorf("%s:%d:%d: expected mode after MODE", p.file, mode.Span.Line, mode.Span.Column)
		}

		switch upper(mode.Value) {
		case "REPLACE":
			ls.Mode = ast.LoadReplace
		case "APPEND":
			ls.Mode = ast.LoadAppend
		case "MERGE":
			ls.Mode = ast.LoadMerge

			if _, err := p.expectWord("KEY"); err != nil {
				return nil, err
			}

			keys := p.next()
			if keys.Kind != tokParen {
				return nil, fmt.Errorf("%s:%d:%d: expected (col, ...) after KEY", p.file, keys.Span.Line, keys.Span.Column)
			}

			ls.MergeKeys = splitCols(keys.Value)
		default:
			return nil, fmt.Errorf("%s:%d:%d: unknown LOAD mode %q", p.file, mode.Span.Line, mode.Span.Column, mode.Value)
		}
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return ls, nil
}

// parseFreeText consumes tokens, reconstructing their original text
// joined by single spaces, until the next top-level word matches one of
// stop (not consumed) or a top-level ';' is reached when stopOnSemi.
func (p *parser) parseFreeText(stop map[string]bool, stopOnSemi bool) string {
	var parts []string

	for {
		t := p.peek()

		if t.Kind == tokEOF {
			break
		}

		if stopOnSemi && t.Kind == tokSemi {
			break
		}

		if t.Kind == tokWord && stop[upper(t.Value)] {
			break
		}

		p.next()

		switch t.Kind {
		case tokDQuote:
			parts = append(parts, `"`+t.Value+`"`)
		case tokSQuote:
			parts = append(parts, `'`+t.Value+`'`)
		default:
			parts = append(parts, t.Raw)
		}
	}

	return strings.Join(parts, " ")
}

func (p *parser) parseCreate() (ast.Step, error) {
	start := p.next().Span // CREATE

	isReplace := false

	if w, ok := p.peekWord(); ok && w == "OR" {
		p.next()

		if _, err := p.expectWord("REPLACE"); err != nil {
			return nil, err
		}

		isReplace = true
	}

	if _, err := p.expectWord("TABLE"); err != nil {
		return nil, err
	}

	name := p.next()
	if name.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected table name", p.file, name.Span.Line, name.Span.Column)
	}

	sb := ast.SqlBlock{Span: start, TableName: name.Value, IsReplace: isReplace, Mode: ast.TransformReplace}

	if w, ok := p.peekWord(); ok && w == "MODE" {
		p.next()

		mode := p.next()
		if mode.Kind != tokWord {
			return nil, fmt.Errorf("%s:%d:%d: expected mode after MODE", p.file, mode.Span.Line, mode.Span.Column)
		}

		switch upper(mode.Value) {
		case "REPLACE":
			sb.Mode = ast.TransformReplace
		case "APPEND":
			sb.Mode = ast.TransformAppend
		case "UPSERT":
			sb.Mode = ast.TransformUpsert

			if _, err := p.expectWord("KEY"); err != nil {
				return nil, err
			}

			keys := p.next()
			if keys.Kind != tokParen {
				return nil, fmt.Errorf("%s:%d:%d: expected (col, ...) after KEY", p.file, keys.Span.Line, keys.Span.Column)
			}

			sb.MergeKeys = splitCols(keys.Value)
		case "INCREMENTAL":
			sb.Mode = ast.TransformIncremental

			if _, err := p.expectWord("BY"); err != nil {
				return nil, err
			}

			col := p.next()
			if col.Kind != tokWord {
				return nil, fmt.Errorf("%s:%d:%d: expected column after BY", p.file, col.Span.Line, col.Span.Column)
			}

			sb.TimeColumn = col.Value

			if w, ok := p.peekWord(); ok && w == "LOOKBACK" {
				p.next()

				dur := p.next()
				if dur.Kind != tokSQuote && dur.Kind != tokDQuote {
					return nil, fmt.Errorf("%s:%d:%d: expected quoted duration after LOOKBACK", p.file, dur.Span.Line, dur.Span.Column)
				}

				sb.Lookback = dur.Value
			}
		default:
			return nil, fmt.Errorf("%s:%d:%d: unknown transform mode %q", p.file, mode.Span.Line, mode.Span.Column, mode.Value)
		}
	}

	if _, err := p.expectWord("AS"); err != nil {
		return nil, err
	}

	sb.Query = p.parseFreeText(nil, true)

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return sb, nil
}

func (p *parser) parseExport() (ast.Step, error) {
	start := p.next().Span // EXPORT

	es := ast.ExportStmt{Span: start, Mode: ast.ExportReplace}
	es.Query = p.parseFreeText(map[string]bool{"TO": true}, false)

	if _, err := p.expectWord("TO"); err != nil {
		return nil, err
	}

	dest := p.next()
	if dest.Kind != tokDQuote {
		return nil, fmt.Errorf("%s:%d:%d: expected quoted destination URI after TO", p.file, dest.Span.Line, dest.Span.Column)
	}

	es.Destination = dest.Value

	if _, err := p.expectWord("TYPE"); err != nil {
		return nil, err
	}

	typ := p.next()
	if typ.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected connector type", p.file, typ.Span.Line, typ.Span.Column)
	}

	es.ConnectorType = typ.Value

	if w, ok := p.peekWord(); ok && w == "OPTIONS" {
		p.next()

		blk := p.next()
		if blk.Kind != tokJSON {
			return nil, fmt.Errorf("%s:%d:%d: expected { ... } after OPTIONS", p.file, blk.Span.Line, blk.Span.Column)
		}

		opts, err := p.parseJSONObject(blk)
		if err != nil {
			return nil, err
		}

		es.Options = opts
	}

	if w, ok := p.peekWord(); ok && w == "MODE" {
		p.next()

		mode := p.next()
		if mode.Kind != tokWord {
			return nil, fmt.Errorf("%s:%d:%d: expected mode after MODE", p.file, mode.Span.Line, mode.Span.Column)
		}

		switch upper(mode.Value) {
		case "REPLACE":
			es.Mode = ast.ExportReplace
		case "APPEND":
			es.Mode = ast.ExportAppend
		case "UPSERT":
			es.Mode = ast.ExportUpsert

			if _, err := p.expectWord("KEY"); err != nil {
				return nil, err
			}

			keys := p.next()
			if keys.Kind != tokParen {
				return nil, fmt.Errorf("%s:%d:%d: expected (col, ...) after KEY", p.file, keys.Span.Line, keys.Span.Column)
			}

			es.UpsertKeys = splitCols(keys.Value)
		default:
			return nil, fmt.Errorf("%s:%d:%d: unknown EXPORT mode %q", p.file, mode.Span.Line, mode.Span.Column, mode.Value)
		}
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return es, nil
}

func (p *parser) parseSet() (ast.Step, error) {
	start := p.next().Span // SET

	name := p.next()
	if name.Kind != tokWord {
		return nil, fmt.Errorf("%s:%d:%d: expected variable name", p.file, name.Span.Line, name.Span.Column)
	}

	eq := p.next()
	if eq.Kind != tokWord || eq.Value != "=" {
		return nil, fmt.Errorf("%s:%d:%d: expected '=' after SET %s", p.file, eq.Span.Line, eq.Span.Column, name.Value)
	}

	val := p.next()
	if val.Kind != tokDQuote {
		return nil, fmt.Errorf("%s:%d:%d: expected quoted value after '='", p.file, val.Span.Line, val.Span.Column)
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return ast.SetVar{Span: start, Name: name.Value, Value: val.Value}, nil
}

func (p *parser) parseIf() (ast.Step, error) {
	start := p.next().Span // IF

	cond := p.parseFreeText(map[string]bool{"THEN": true}, false)

	if _, err := p.expectWord("THEN"); err != nil {
		return nil, err
	}

	thenSteps, err := p.parseStatements(map[string]bool{"ELSE": true, "END": true})
	if err != nil {
		return nil, err
	}

	var elseSteps []ast.Step

	if w, ok := p.peekWord(); ok && w == "ELSE" {
		p.next()

		elseSteps, err = p.parseStatements(map[string]bool{"END": true})
		if err != nil {
			return nil, err
		}
	}

	if _, err := p.expectWord("END"); err != nil {
		return nil, err
	}

	if _, err := p.expectWord("IF"); err != nil {
		return nil, err
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return ast.IfBranch{Span: start, Condition: cond, Then: thenSteps, Else: elseSteps}, nil
}

func (p *parser) parseInclude() (ast.Step, error) {
	start := p.next().Span // INCLUDE

	path := p.next()
	if path.Kind != tokDQuote {
		return nil, fmt.Errorf("%s:%d:%d: expected quoted path after INCLUDE", p.file, path.Span.Line, path.Span.Column)
	}

	if err := p.expectSemi(); err != nil {
		return nil, err
	}

	return ast.Include{Span: start, Path: path.Value}, nil
}
