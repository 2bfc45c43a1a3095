package operators

import (
	"context"

	"github.com/emsqrt-project/emsqrt/batch"
)

// RowWriter is the contract a datasources collaborator presents to Sink:
// Write takes one row in schema order; Close flushes and releases any
// underlying file handle. Sink owns pulling the pipeline to completion and
// counting rows written; a RowWriter only knows how to encode its format.
type RowWriter interface {
	Write(row []batch.Value) error
	Close() error
}

// Sink drains its child to completion, writing every row through Writer.
// It is pipeline-breaking: the flush is the engine's signal that a block
// has finished and its dependency blocks' segments can be reclaimed, even
// though its own resident state is a single batch.
type Sink struct {
	Child  Operator
	Writer RowWriter
	Env    Env
	Tag    string

	rowsOut int64
}

func NewSink(child Operator, writer RowWriter, env Env, tag string) *Sink {
	return &Sink{Child: child, Writer: writer, Env: env, Tag: tag}
}

func (s *Sink) Open(ctx context.Context) error {
	return s.Child.Open(ctx)
}

// Run pulls the child to completion, writing every row, and returns the
// total row count written. The engine calls Open, then Run, then Close;
// Sink has no Next, since a sink has no downstream consumer to pull it.
func (s *Sink) Run(ctx context.Context) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.rowsOut, err
		}
		bat, err := s.Child.Next(ctx)
		if err != nil {
			return s.rowsOut, err
		}
		if bat == nil {
			return s.rowsOut, nil
		}
		n := int(bat.NumRows())
		for r := 0; r < n; r++ {
			if err := s.Writer.Write(bat.Row(r)); err != nil {
				bat.Release()
				return s.rowsOut, err
			}
			s.rowsOut++
		}
		bat.Release()
	}
}

func (s *Sink) Close() error {
	if err := s.Writer.Close(); err != nil {
		_ = s.Child.Close()
		return err
	}
	return s.Child.Close()
}
