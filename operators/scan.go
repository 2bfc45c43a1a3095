package operators

import (
	"context"
	"io"

	"github.com/emsqrt-project/emsqrt/batch"
)

// RowSource is the contract a datasources collaborator presents to Scan:
// Read returns one row at a time in schema order, io.EOF at end of input.
// Scan owns batching and budget accounting; a RowSource only knows how to
// decode its one format.
type RowSource interface {
	Read() ([]batch.Value, error)
	Close() error
}

// Scan is the streaming source end of a pipeline: it pulls rows one at a
// time from a RowSource and packs them into budget-sized batches.
type Scan struct {
	Source RowSource
	Schema batch.Schema
	Env    Env
	Tag    string

	rowsPerBatch int64
	eof          bool
}

func NewScan(source RowSource, schema batch.Schema, env Env, tag string) *Scan {
	return &Scan{
		Source:       source,
		Schema:       schema,
		Env:          env,
		Tag:          tag,
		rowsPerBatch: RowsPerBatch(schema, env.BatchSizeHint),
	}
}

func (s *Scan) Open(ctx context.Context) error { return nil }

func (s *Scan) Next(ctx context.Context) (*batch.Batch, error) {
	if s.eof {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bld := batch.NewBuilder(s.Schema)
	var n int64
	for n < s.rowsPerBatch {
		row, err := s.Source.Read()
		if err == io.EOF {
			s.eof = true
			break
		}
		if err != nil {
			bld.Release()
			return nil, err
		}
		bld.AppendRow(row)
		n++
	}
	if n == 0 {
		bld.Release()
		return nil, nil
	}
	out, ok, err := bld.Finish(s.Env.Budget, s.Tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetRefused(s.Tag)
	}
	return out, nil
}

func (s *Scan) Close() error {
	return s.Source.Close()
}
