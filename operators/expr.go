package operators

import (
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
)

// CompilePredicate resolves every column identifier in pred against schema
// and returns a closure evaluating the predicate for one row. Unknown
// identifiers fail immediately with a Config error, before execution
// begins.
func CompilePredicate(pred *plan.Predicate, schema batch.Schema) (func(*batch.Batch, int) bool, error) {
	if pred == nil {
		return func(*batch.Batch, int) bool { return true }, nil
	}
	switch pred.Kind {
	case plan.PredCompare:
		idx, ok := schema.IndexOf(pred.Column)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "operators.CompilePredicate", "unknown column %q", pred.Column)
		}
		op := pred.Op
		lit := pred.Literal
		return func(b *batch.Batch, row int) bool {
			v := b.ValueAt(idx, row)
			if v.Null || lit.Null {
				return false
			}
			c := v.Compare(lit)
			switch op {
			case plan.OpEq:
				return c == 0
			case plan.OpNe:
				return c != 0
			case plan.OpLt:
				return c < 0
			case plan.OpLe:
				return c <= 0
			case plan.OpGt:
				return c > 0
			case plan.OpGe:
				return c >= 0
			default:
				return false
			}
		}, nil
	case plan.PredAnd:
		l, err := CompilePredicate(pred.Left, schema)
		if err != nil {
			return nil, err
		}
		r, err := CompilePredicate(pred.Right, schema)
		if err != nil {
			return nil, err
		}
		return func(b *batch.Batch, row int) bool { return l(b, row) && r(b, row) }, nil
	case plan.PredOr:
		l, err := CompilePredicate(pred.Left, schema)
		if err != nil {
			return nil, err
		}
		r, err := CompilePredicate(pred.Right, schema)
		if err != nil {
			return nil, err
		}
		return func(b *batch.Batch, row int) bool { return l(b, row) || r(b, row) }, nil
	default:
		return nil, emerr.Newf(emerr.Config, "operators.CompilePredicate", "unknown predicate kind %d", pred.Kind)
	}
}

// selectionMask builds an Arrow boolean array marking which rows of bat
// pass eval, for use with array-level selection (filter.go).
func selectionMask(bat *batch.Batch, eval func(*batch.Batch, int) bool) *array.Boolean {
	bld := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer bld.Release()
	n := int(bat.NumRows())
	for i := 0; i < n; i++ {
		bld.Append(eval(bat, i))
	}
	return bld.NewBooleanArray()
}
