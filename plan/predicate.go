package plan

import (
	"fmt"

	"github.com/emsqrt-project/emsqrt/batch"
)

// PredKind discriminates a Predicate node: a leaf comparison, or an AND/OR
// combinator over two sub-predicates. Filter's grammar is restricted to
// exactly this shape: column-vs-literal comparisons combined by AND/OR.
type PredKind int

const (
	PredCompare PredKind = iota
	PredAnd
	PredOr
)

type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Predicate is a restricted boolean expression tree: leaves compare one
// named column against a literal Value; AND/OR combine two sub-predicates.
type Predicate struct {
	Kind PredKind

	// PredCompare
	Column  string
	Op      CompareOp
	Literal batch.Value

	// PredAnd / PredOr
	Left  *Predicate
	Right *Predicate
}

func Compare(column string, op CompareOp, literal batch.Value) *Predicate {
	return &Predicate{Kind: PredCompare, Column: column, Op: op, Literal: literal}
}

func And(left, right *Predicate) *Predicate {
	return &Predicate{Kind: PredAnd, Left: left, Right: right}
}

func Or(left, right *Predicate) *Predicate {
	return &Predicate{Kind: PredOr, Left: left, Right: right}
}

// String renders the predicate as an infix expression, for explain output.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	switch p.Kind {
	case PredCompare:
		return fmt.Sprintf("%s %s %s", p.Column, p.Op, p.Literal)
	case PredAnd:
		return fmt.Sprintf("(%s AND %s)", p.Left, p.Right)
	case PredOr:
		return fmt.Sprintf("(%s OR %s)", p.Left, p.Right)
	default:
		return "?"
	}
}

// Columns collects every distinct column name referenced anywhere in the
// predicate tree, used by the planning-error check for unknown identifiers.
func (p *Predicate) Columns(into map[string]struct{}) {
	if p == nil {
		return
	}
	switch p.Kind {
	case PredCompare:
		into[p.Column] = struct{}{}
	case PredAnd, PredOr:
		p.Left.Columns(into)
		p.Right.Columns(into)
	}
}
