package operators

import (
	"context"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
)

// Map relabels columns per a rename table, leaving row count, order and
// values untouched. Map is a schema-only transform, not a
// row-computation operator; a general expression language is out of
// scope. It is zero-copy: the child's Arrow record is reused verbatim
// under a renamed Schema.
type Map struct {
	Child   Operator
	Renames map[string]string
	Env     Env
	Tag     string

	outSchema batch.Schema
}

func NewMap(child Operator, renames map[string]string, childSchema batch.Schema, env Env, tag string) (*Map, error) {
	fields := make([]batch.Field, len(childSchema.Fields))
	for i, f := range childSchema.Fields {
		if newName, ok := renames[f.Name]; ok {
			f.Name = newName
		}
		fields[i] = f
	}
	outSchema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "operators.NewMap", err)
	}
	return &Map{Child: child, Renames: renames, Env: env, Tag: tag, outSchema: outSchema}, nil
}

func (m *Map) Open(ctx context.Context) error {
	return m.Child.Open(ctx)
}

func (m *Map) Next(ctx context.Context) (*batch.Batch, error) {
	in, err := m.Child.Next(ctx)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, nil
	}

	rec := in.Record()
	rec.Retain()
	in.Release()

	bat, ok, err := batch.AdoptRecord(m.outSchema, rec, m.Env.Budget, m.Tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetRefused(m.Tag)
	}
	return bat, nil
}

func (m *Map) Close() error {
	return m.Child.Close()
}
