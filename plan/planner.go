package plan

import (
	"fmt"
	"sort"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/ast"
	"github.com/giaosudau/sqlflow/condition"
	"github.com/giaosudau/sqlflow/errkind"
	"github.com/giaosudau/sqlflow/variable"
)

// Graph is the planner's output: operations in valid topological order
// plus the underlying adjacency list (§4.1 contract).
type Graph struct {
	Operations []*Operation
	Edges      map[string][]string // producer id -> consumer ids
}

// Planner lowers an ast.Pipeline into a Graph.
type Planner struct {
	VarContext *variable.Context
	Strategy   variable.Strategy
	Condition  *condition.Evaluator
	// ExistingTables are tables already present in the catalog before
	// this run (§3 invariant: a referenced table must exist in the
	// catalog or be produced by a prior step).
	ExistingTables map[string]bool
}

// NewPlanner builds a Planner with a condition evaluator bound to the
// same strategy/context as substitution, satisfying the "single source
// of truth" requirement (§4.2).
func NewPlanner(varCtx *variable.Context, strategy variable.Strategy, existingTables map[string]bool) *Planner {
	return &Planner{
		VarContext:     varCtx,
		Strategy:       strategy,
		Condition:      condition.New(strategy),
		ExistingTables: existingTables,
	}
}

// Plan lowers pipeline into a Graph, or returns an *errkind.Bulk
// collecting every planning error found in one pass.
func (p *Planner) Plan(pipeline *ast.Pipeline) (*Graph, error) {
	bulk := &errkind.Bulk{}

	steps := p.flattenConditionals(pipeline.Steps, bulk)

	outputOwner := map[string]*Operation{} // last producer of a table name (case-insensitive)
	allOps := []*Operation{}
	sourceNames := map[string]*ast.SourceDef{}

	for _, step := range steps {
		switch s := step.(type) {
		case ast.SourceDef:
			def := s
			sourceNames[def.Name] = &def

		case ast.LoadStmt:
			ls := s

			def, ok := sourceNames[ls.SourceName]
			if !ok {
				bulk.Add(&errkind.Located{
					Span: ls.Span, Code: "UnknownSource",
					Err: fmt.Errorf("%w: %q", sqlflow.ErrUnknownSource, ls.SourceName),
				})

				continue
			}

			if ls.Mode == ast.LoadMerge && len(ls.MergeKeys) == 0 {
				bulk.Add(&errkind.Located{
					Span: ls.Span, Code: "MergeWithoutKeys",
					Err: fmt.Errorf("%w: LOAD %s", sqlflow.ErrMergeWithoutKeys, ls.TargetTable),
				})

				continue
			}

			op := &Operation{
				Kind:      KindSourceRead,
				Outputs:   []string{ls.TargetTable},
				Step:      ls,
				SourceDef: def,
				LoadStmt:  &ls,
			}
			op.ID = NewID(op.Kind, op.Outputs, ls.Span)

			p.registerOutput(op, ls.TargetTable, false, outputOwner, bulk, ls.Span)
			allOps = append(allOps, op)

		case ast.SqlBlock:
			sb := s

			if sb.Mode == ast.TransformUpsert && len(sb.MergeKeys) == 0 {
				bulk.Add(&errkind.Located{
					Span: sb.Span, Code: "MergeWithoutKeys",
					Err: fmt.Errorf("%w: UPSERT %s", sqlflow.ErrMergeWithoutKeys, sb.TableName),
				})

				continue
			}

			if sb.Mode == ast.TransformIncremental && sb.TimeColumn == "" {
				bulk.Add(&errkind.Located{
					Span: sb.Span, Code: "MissingCursorField",
					Err: fmt.Errorf("%w: %s", sqlflow.ErrMissingCursorField, sb.TableName),
				})

				continue
			}

			op := &Operation{
				Kind:     KindTransform,
				Outputs:  []string{sb.TableName},
				Step:     sb,
				SqlBlock: &sb,
			}
			op.ID = NewID(op.Kind, op.Outputs, sb.Span)

			p.registerOutput(op, sb.TableName, sb.IsReplace, outputOwner, bulk, sb.Span)
			allOps = append(allOps, op)

		case ast.ExportStmt:
			es := s
			op := &Operation{
				Kind:       KindExport,
				Outputs:    nil,
				Step:       es,
				ExportStmt: &es,
			}
			op.ID = NewID(op.Kind, []string{es.Destination}, es.Span)
			allOps = append(allOps, op)

		case ast.SetVar:
			rendered, err := variable.PlainText(s.Value, p.VarContext, p.Strategy, nil)
			if err != nil {
				bulk.Add(&errkind.Located{Span: s.Span, Code: "Substitution", Err: err})
				continue
			}

			p.VarContext.Set(s.Name, rendered)
		}
	}

	// Second pass: resolve dependency edges now that all outputs are known.
	edges := map[string][]string{}

	for _, op := range allOps {
		var sql string

		switch {
		case op.SqlBlock != nil:
			sql = op.SqlBlock.Query
		case op.ExportStmt != nil:
			sql = op.ExportStmt.Query
		default:
			continue
		}

		refs := ExtractReferencedTables(sql)
		for tableName := range refs {
			producer, ok := outputOwner[tableName]
			if !ok {
				if p.ExistingTables[tableName] {
					continue
				}

				bulk.Add(&errkind.Located{
					Span: op.Step.Pos(), Code: "UnknownTable",
					Err: fmt.Errorf("%w: %q referenced by %s", sqlflow.ErrUnknownTable, tableName, outputsOf(op)),
				})

				continue
			}

			if producer.ID == op.ID {
				continue
			}

			op.DependsOn = append(op.DependsOn, producer.ID)
			edges[producer.ID] = appendUnique(edges[producer.ID], op.ID)
		}
	}

	if bulk.HasErrors() {
		return nil, bulk
	}

	ordered, err := topoSort(allOps, edges)
	if err != nil {
		return nil, err
	}

	return &Graph{Operations: ordered, Edges: edges}, nil
}

func outputsOf(op *Operation) string {
	if len(op.Outputs) > 0 {
		return op.Outputs[0]
	}

	return op.ID
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}

	return append(list, v)
}

// registerOutput applies the duplicate-table policy (§4.1): a second
// producer of the same table name is an error unless isReplace, in
// which case the later operation's output wins but both operations
// keep their edges.
func (p *Planner) registerOutput(op *Operation, table string, isReplace bool, owner map[string]*Operation, bulk *errkind.Bulk, span ast.Span) {
	key := lower(table)
	if existing, ok := owner[key]; ok && !isReplace {
		bulk.Add(&errkind.Located{
			Span: span, Code: "DuplicateTable",
			Err: fmt.Errorf("%w: %q (first produced by operation %s)", sqlflow.ErrDuplicateTable, table, existing.ID),
		})

		return
	}

	owner[key] = op
}

// flattenConditionals resolves IF/ELSE branches at plan time against
// the current variable context; only the taken branch contributes
// operations (§4.1).
func (p *Planner) flattenConditionals(steps []ast.Step, bulk *errkind.Bulk) []ast.Step {
	out := make([]ast.Step, 0, len(steps))

	for _, step := range steps {
		ifb, ok := step.(ast.IfBranch)
		if !ok {
			out = append(out, step)
			continue
		}

		taken, err := p.Condition.Eval(ifb.Condition, p.VarContext)
		if err != nil {
			bulk.Add(&errkind.Located{Span: ifb.Span, Code: "UnevaluableCondition", Err: err})
			continue
		}

		if taken {
			out = append(out, p.flattenConditionals(ifb.Then, bulk)...)
		} else {
			out = append(out, p.flattenConditionals(ifb.Else, bulk)...)
		}
	}

	return out
}

// topoSort runs Kahn's algorithm with a deterministic tie-break by
// source declaration order (§4.1 "Topological order"). On a cycle, it
// reports every node in the offending strongly-connected component.
func topoSort(ops []*Operation, edges map[string][]string) ([]*Operation, error) {
	byID := map[string]*Operation{}
	declOrder := map[string]int{}

	for i, op := range ops {
		byID[op.ID] = op
		declOrder[op.ID] = i
	}

	indegree := map[string]int{}
	for _, op := range ops {
		indegree[op.ID] = 0
	}

	for _, consumers := range edges {
		for _, c := range consumers {
			indegree[c]++
		}
	}

	var ready []string

	for _, op := range ops {
		if indegree[op.ID] == 0 {
			ready = append(ready, op.ID)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return declOrder[ready[i]] < declOrder[ready[j]] })

	var orderedIDs []string

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declOrder[ready[i]] < declOrder[ready[j]] })

		id := ready[0]
		ready = ready[1:]
		orderedIDs = append(orderedIDs, id)

		var next []string

		for _, c := range edges[id] {
			indegree[c]--
			if indegree[c] == 0 {
				next = append(next, c)
			}
		}

		ready = append(ready, next...)
	}

	if len(orderedIDs) != len(ops) {
		remaining := map[string]bool{}
		for _, op := range ops {
			remaining[op.ID] = true
		}

		for _, id := range orderedIDs {
			delete(remaining, id)
		}

		// Operations that only consume a cycle's output feed no other
		// unordered operation; trim them so only cycle members remain.
		for trimmed := true; trimmed; {
			trimmed = false
			for id := range remaining {
				feeds := false
				for _, c := range edges[id] {
					feeds = feeds || remaining[c]
				}
				if !feeds {
					delete(remaining, id)
					trimmed = true
				}
			}
		}

		return nil, cyclicError(remaining, byID)
	}

	out := make([]*Operation, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		out = append(out, byID[id])
	}

	return out, nil
}

func cyclicError(remaining map[string]bool, byID map[string]*Operation) error {
	names := make([]string, 0, len(remaining))
	for id := range remaining {
		op := byID[id]
		names = append(names, outputsOf(op))
	}

	sort.Strings(names)

	bulk := &errkind.Bulk{}
	bulk.Add(fmt.Errorf("%w: %v", sqlflow.ErrCyclicDependency, names))

	return bulk
}
