package batch

import (
	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"

	"github.com/emsqrt-project/emsqrt/budget"
)

// Batch is the bounded, immutable, schema-carrying unit of data movement
// between operators. Once sealed, a Batch is never mutated; operators
// that need to change rows produce a new Batch.
//
// A Batch's ReservedBytes is an upper bound on its live footprint: it is the
// amount reserved from the budget when the batch was built, and it is
// released exactly once, when the batch is dropped via Release.
type Batch struct {
	schema  Schema
	record  arrow.Record
	reserve *budget.Reservation
}

// wrap adopts an already-built Arrow record plus its budget reservation as
// a sealed Batch. The caller transfers ownership of both to the Batch.
func wrap(schema Schema, record arrow.Record, reserve *budget.Reservation) *Batch {
	return &Batch{schema: schema, record: record, reserve: reserve}
}

// Schema returns the batch's schema.
func (b *Batch) Schema() Schema { return b.schema }

// NumRows returns the row count.
func (b *Batch) NumRows() int64 { return b.record.NumRows() }

// ReservedBytes reports the byte reservation backing this batch, i.e. the
// amount that will be returned to the budget on Release.
func (b *Batch) ReservedBytes() int64 {
	if b.reserve == nil {
		return 0
	}
	return b.reserve.Bytes()
}

// Record exposes the underlying Arrow record for operators that want to
// work column-at-a-time (filter/project/sort/aggregate/join all do). It does
// not transfer ownership: callers must not Release it themselves.
func (b *Batch) Record() arrow.Record { return b.record }

// Column returns the i-th column as a raw Arrow array.
func (b *Batch) Column(i int) arrow.Array { return b.record.Column(i) }

// Row materializes a single row as a slice of Values, for code paths (sort
// comparators, hash keys, join probes) that need row-at-a-time access. This
// is intentionally not the hot path: streaming operators work on whole
// columns instead.
func (b *Batch) Row(rowIndex int) []Value {
	row := make([]Value, len(b.schema.Fields))
	for i, f := range b.schema.Fields {
		row[i] = valueAt(b.record.Column(i), f.Kind, rowIndex)
	}
	return row
}

// ValueAt extracts a single column's value at rowIndex without
// materializing the whole row.
func (b *Batch) ValueAt(col, rowIndex int) Value {
	return valueAt(b.record.Column(col), b.schema.Fields[col].Kind, rowIndex)
}

func valueAt(arr arrow.Array, k Kind, rowIndex int) Value {
	if arr.IsNull(rowIndex) {
		return NewNull(k)
	}
	switch k {
	case Int32:
		return NewInt32(arr.(*array.Int32).Value(rowIndex))
	case Int64:
		return NewInt64(arr.(*array.Int64).Value(rowIndex))
	case Float64:
		return NewFloat64(arr.(*array.Float64).Value(rowIndex))
	case Bool:
		return NewBool(arr.(*array.Boolean).Value(rowIndex))
	case Utf8:
		return NewUtf8(arr.(*array.String).Value(rowIndex))
	default:
		panic("batch: unknown kind in valueAt")
	}
}

// Release returns the batch's reservation to the budget and drops its
// Arrow reference. It must be called exactly once per Batch; double-release
// is caught by the underlying Reservation and panics as an Internal defect.
func (b *Batch) Release() {
	b.record.Release()
	if b.reserve != nil {
		b.reserve.Release()
	}
}

// AdoptRecord wraps an externally-constructed Arrow record (e.g. one just
// decoded from a spill segment) as a sealed Batch, reserving its estimated
// footprint from budget under tag. If refused, the caller must treat this
// like any other budget refusal: the record is released and ok is false.
func AdoptRecord(schema Schema, record arrow.Record, b *budget.Budget, tag string) (*Batch, bool, error) {
	sz := estimatedRecordBytes(record)
	reserve, ok := b.TryAcquire(sz, tag)
	if !ok {
		record.Release()
		return nil, false, nil
	}
	return wrap(schema, record, reserve), true, nil
}

// estimatedRecordBytes sizes the reservation taken for a sealed record:
// by Builder.Finish, and by AdoptRecord (e.g. when a segment reader
// re-acquires a reservation for a batch read back from disk). It sums the Arrow buffers' allocated bytes,
// which is a safe over-estimate of the live footprint.
func estimatedRecordBytes(rec arrow.Record) int64 {
	var total int64
	for i := 0; i < int(rec.NumCols()); i++ {
		col := rec.Column(i)
		data := col.Data()
		for _, buf := range data.Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	if total == 0 {
		// Degenerate (e.g. a zero-column sink marker batch): charge a small
		// fixed overhead so it still participates in accounting.
		total = 64
	}
	return total
}
