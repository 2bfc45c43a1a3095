package batch

import (
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/emsqrt-project/emsqrt/budget"
)

// Builder accumulates rows column-by-column via Arrow's builder types,
// grounded on arrowexec/nodes/group_by.go's per-column builder pattern, and
// seals into an immutable Batch once the caller is ready (or once the
// budget refuses further growth).
type Builder struct {
	schema  Schema
	mem     memory.Allocator
	rb      *array.RecordBuilder
	numRows int
}

// NewBuilder constructs an empty Builder for the given schema.
func NewBuilder(schema Schema) *Builder {
	mem := memory.NewGoAllocator()
	return &Builder{
		schema: schema,
		mem:    mem,
		rb:     array.NewRecordBuilder(mem, schema.ArrowSchema()),
	}
}

// NumRows reports rows appended so far.
func (bld *Builder) NumRows() int { return bld.numRows }

// AppendRow appends one row; values must match the builder's schema order
// and kinds.
func (bld *Builder) AppendRow(values []Value) {
	for i, v := range values {
		appendValue(bld.rb.Field(i), v)
	}
	bld.numRows++
}

func appendValue(fb array.Builder, v Value) {
	if v.Null {
		fb.AppendNull()
		return
	}
	switch v.Kind {
	case Int32:
		fb.(*array.Int32Builder).Append(v.I32)
	case Int64:
		fb.(*array.Int64Builder).Append(v.I64)
	case Float64:
		fb.(*array.Float64Builder).Append(v.F64)
	case Bool:
		fb.(*array.BooleanBuilder).Append(v.B)
	case Utf8:
		fb.(*array.StringBuilder).Append(v.Str)
	default:
		panic("batch: unknown kind in appendValue")
	}
}

// EstimatedBytes is an advisory estimate of the buffer bytes built up so
// far in the Arrow builders, computed from a fixed per-field width rather
// than the builders' real buffers; ConcatenateCapped checks it against its
// cap before sealing.
func (bld *Builder) EstimatedBytes() int64 {
	// RecordBuilder doesn't expose buffer sizes pre-Finish, so we use a
	// conservative per-row-per-field estimate; the real accounting happens
	// against the budget once Finish actually reserves bytes.
	perRow := int64(0)
	for _, f := range bld.schema.Fields {
		switch f.Kind {
		case Int32, Bool:
			perRow += 4
		case Int64, Float64:
			perRow += 8
		case Utf8:
			perRow += 16 // rough average; strings are variable-width
		}
	}
	return perRow * int64(bld.numRows)
}

// Finish seals the accumulated rows into an immutable Batch, reserving its
// bytes from budget under tag. If the budget refuses, Finish releases the
// half-built Arrow record, returns ok=false, and the caller (run
// generation, grace partitioning, ...) must treat that as backpressure:
// flush what it already has, or reduce batch size.
func (bld *Builder) Finish(b *budget.Budget, tag string) (bat *Batch, ok bool, err error) {
	rec := bld.rb.NewRecord()
	sz := estimatedRecordBytes(rec)

	reserve, acquired := b.TryAcquire(sz, tag)
	if !acquired {
		rec.Release()
		return nil, false, nil
	}
	return wrap(bld.schema, rec, reserve), true, nil
}

// Release discards a builder's in-progress state without sealing it (used
// on error/cancellation paths).
func (bld *Builder) Release() {
	bld.rb.Release()
}
