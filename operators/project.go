package operators

import (
	"context"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
)

// Project selects and reorders columns by name, zero-copy: the output
// batch shares the child's underlying Arrow column buffers. The child's
// batch is released and a fresh reservation, sized to the selected
// columns' buffer bytes, is taken for the output.
type Project struct {
	Child   Operator
	Columns []string
	Env     Env
	Tag     string

	outSchema batch.Schema
	srcIdx    []int
}

func NewProject(child Operator, columns []string, childSchema batch.Schema, env Env, tag string) (*Project, error) {
	fields := make([]batch.Field, len(columns))
	srcIdx := make([]int, len(columns))
	for i, col := range columns {
		idx, ok := childSchema.IndexOf(col)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "operators.NewProject", "unknown column %q", col)
		}
		srcIdx[i] = idx
		fields[i] = childSchema.Fields[idx]
	}
	outSchema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "operators.NewProject", err)
	}
	return &Project{Child: child, Columns: columns, Env: env, Tag: tag, outSchema: outSchema, srcIdx: srcIdx}, nil
}

func (p *Project) Open(ctx context.Context) error {
	return p.Child.Open(ctx)
}

func (p *Project) Next(ctx context.Context) (*batch.Batch, error) {
	in, err := p.Child.Next(ctx)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, nil
	}

	rec := in.Record()
	cols := make([]arrow.Array, len(p.srcIdx))
	for i, idx := range p.srcIdx {
		cols[i] = rec.Column(idx)
		cols[i].Retain()
	}
	out := array.NewRecord(p.outSchema.ArrowSchema(), cols, rec.NumRows())
	for _, c := range cols {
		c.Release()
	}
	in.Release()

	bat, ok, err := batch.AdoptRecord(p.outSchema, out, p.Env.Budget, p.Tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetRefused(p.Tag)
	}
	return bat, nil
}

func (p *Project) Close() error {
	return p.Child.Close()
}
