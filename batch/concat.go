package batch

import "github.com/emsqrt-project/emsqrt/budget"

// ConcatenateCapped appends rows from next onto base, refusing (returning
// ok=false, with both inputs left untouched) if the merged batch's
// reservation would exceed 1/fanIn of the remaining budget, the advisory
// ceiling operators must respect when a scheduled block has fan-in K. On
// success it releases base and next and returns a single new sealed
// Batch owning both their rows.
func ConcatenateCapped(b *budget.Budget, fanIn int, base, next *Batch, tag string) (merged *Batch, ok bool, err error) {
	if fanIn <= 0 {
		fanIn = 1
	}
	limit := (b.Cap() - b.Used() + base.ReservedBytes() + next.ReservedBytes()) / int64(fanIn)

	bld := NewBuilder(base.schema)
	appendAllRows(bld, base)
	appendAllRows(bld, next)

	projected := bld.EstimatedBytes()
	if projected > limit {
		bld.Release()
		return nil, false, nil
	}

	out, acquired, err := bld.Finish(b, tag)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	base.Release()
	next.Release()
	return out, true, nil
}

func appendAllRows(bld *Builder, b *Batch) {
	n := int(b.NumRows())
	for i := 0; i < n; i++ {
		bld.AppendRow(b.Row(i))
	}
}
