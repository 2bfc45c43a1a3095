package segment

import (
	"bytes"

	"github.com/apache/arrow/go/v13/arrow/ipc"
	"github.com/apache/arrow/go/v13/arrow/memory"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
)

// serializeBatch renders a single Batch as an Arrow IPC stream (schema +
// one record), the wire format spilled to disk, which lets us reuse the
// already-wired Arrow library instead of a hand-rolled row codec.
func serializeBatch(bat *batch.Batch) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(bat.Schema().ArrowSchema()))
	if err := w.Write(bat.Record()); err != nil {
		return nil, emerr.New(emerr.Spill, "segment.serializeBatch", err)
	}
	if err := w.Close(); err != nil {
		return nil, emerr.New(emerr.Spill, "segment.serializeBatch", err)
	}
	return buf.Bytes(), nil
}

// deserializeBatch parses an Arrow IPC stream back into a Batch, acquiring
// a fresh budget reservation for it sized to its decoded footprint — a
// batch read back off disk re-enters the live budget exactly like any other
// in-memory batch.
func deserializeBatch(data []byte, schema batch.Schema, b *budget.Budget, tag string) (*batch.Batch, bool, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithSchema(schema.ArrowSchema()), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, false, emerr.New(emerr.Spill, "segment.deserializeBatch", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, false, emerr.New(emerr.Spill, "segment.deserializeBatch", err)
		}
		return nil, false, emerr.Newf(emerr.Spill, "segment.deserializeBatch", "empty ipc stream")
	}

	rec := r.Record()
	rec.Retain()

	return batch.AdoptRecord(schema, rec, b, tag)
}
