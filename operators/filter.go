package operators

import (
	"context"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/plan"
)

// Filter is a streaming, O(1)-memory operator: it holds at most one input
// batch and one output batch at a time, rebuilding matching rows into a
// fresh Batch. It never spills.
type Filter struct {
	Child Operator
	Pred  *plan.Predicate
	Env   Env
	Tag   string

	eval func(*batch.Batch, int) bool
}

func NewFilter(child Operator, pred *plan.Predicate, schema batch.Schema, env Env, tag string) (*Filter, error) {
	eval, err := CompilePredicate(pred, schema)
	if err != nil {
		return nil, err
	}
	return &Filter{Child: child, Pred: pred, Env: env, Tag: tag, eval: eval}, nil
}

func (f *Filter) Open(ctx context.Context) error {
	return f.Child.Open(ctx)
}

func (f *Filter) Next(ctx context.Context) (*batch.Batch, error) {
	for {
		in, err := f.Child.Next(ctx)
		if err != nil {
			return nil, err
		}
		if in == nil {
			return nil, nil
		}

		n := int(in.NumRows())
		bld := batch.NewBuilder(in.Schema())
		matched := false
		for row := 0; row < n; row++ {
			if f.eval(in, row) {
				bld.AppendRow(in.Row(row))
				matched = true
			}
		}
		in.Release()

		if !matched {
			bld.Release()
			continue
		}

		out, ok, err := bld.Finish(f.Env.Budget, f.Tag)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBudgetRefused(f.Tag)
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
}

func (f *Filter) Close() error {
	return f.Child.Close()
}
