// Package plan implements the Execution Planner (§4.1): it lowers a
// validated pipeline AST into an ordered DAG of operations, resolving
// table/UDF references across statements.
package plan

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"fmt"

	"github.com/giaosudau/sqlflow/ast"
)

// Kind is the tagged payload kind of an Operation (§3 "Operation").
type Kind string

const (
	KindSourceRead    Kind = "source_read"
	KindTransform     Kind = "transform"
	KindExport        Kind = "export"
	KindSetWatermark  Kind = "set_watermark"
)

// Operation is one node of the execution DAG.
type Operation struct {
	ID         string
	Kind       Kind
	Outputs    []string
	DependsOn  []string
	Step       ast.Step
	SourceDef  *ast.SourceDef // populated for KindSourceRead
	LoadStmt   *ast.LoadStmt  // populated for KindSourceRead (the consuming LOAD)
	SqlBlock   *ast.SqlBlock  // populated for KindTransform
	ExportStmt *ast.ExportStmt // populated for KindExport
}

// NewID computes a deterministic, content-addressed operation id so
// that identical (AST, context, profile) always produce identical ids
// (§4.1 "Output stability", §8 "Plan determinism"). It hashes the kind,
// declared outputs, and the step's source span, which together are
// stable across runs of the same pipeline text.
func NewID(kind Kind, outputs []string, span ast.Span) string {
	h := sha1.New() //nolint:gosec
	fmt.Fprintf(h, "%s|%v|%s:%d:%d", kind, outputs, span.File, span.Line, span.Column)

	return hex.EncodeToString(h.Sum(nil))[:16]
}
