package segment

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
)

func testBatch(t *testing.T, b *budget.Budget, ids []int64) *batch.Batch {
	t.Helper()
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)
	bld := batch.NewBuilder(schema)
	for _, id := range ids {
		bld.AppendRow([]batch.Value{batch.NewInt64(id)})
	}
	bat, ok, err := bld.Finish(b, "test")
	require.NoError(t, err)
	require.True(t, ok)
	return bat
}

func TestWriteSealReadRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			dir := t.TempDir()
			store, err := New(dir, codec, 4)
			require.NoError(t, err)

			b := budget.New(1 << 20)
			schema, _ := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})

			w, err := store.OpenWriter("seg-1", schema)
			require.NoError(t, err)

			bat1 := testBatch(t, b, []int64{1, 2, 3})
			require.NoError(t, w.Append(bat1))
			bat1.Release()

			bat2 := testBatch(t, b, []int64{4, 5})
			require.NoError(t, w.Append(bat2))
			bat2.Release()

			seg, err := w.Seal()
			require.NoError(t, err)
			assert.Equal(t, int64(5), seg.RowCount)
			assert.Equal(t, int64(0), b.Used())

			r, err := store.OpenReader(seg)
			require.NoError(t, err)
			defer r.Close()

			var gotIDs []int64
			for {
				bat, err := r.Next(b, "read")
				require.NoError(t, err)
				if bat == nil {
					break
				}
				for i := 0; i < int(bat.NumRows()); i++ {
					gotIDs = append(gotIDs, bat.ValueAt(0, i).I64)
				}
				bat.Release()
			}
			assert.Equal(t, []int64{1, 2, 3, 4, 5}, gotIDs)
			assert.Equal(t, int64(0), b.Used())
		})
	}
}

func TestNoPartialSegmentSurvivesFailedWriter(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, CodecLZ4, 4)
	require.NoError(t, err)

	b := budget.New(1 << 20)
	schema, _ := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})

	w, err := store.OpenWriter("seg-fail", schema)
	require.NoError(t, err)

	bat := testBatch(t, b, []int64{1})
	require.NoError(t, w.Append(bat))
	bat.Release()

	w.Abandon()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no visible segment (sealed or partial) may remain after Abandon")
}

func TestCorruptSegmentFailsChecksum(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, CodecNone, 4)
	require.NoError(t, err)

	b := budget.New(1 << 20)
	schema, _ := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})

	w, err := store.OpenWriter("seg-corrupt", schema)
	require.NoError(t, err)
	bat := testBatch(t, b, []int64{42})
	require.NoError(t, w.Append(bat))
	bat.Release()
	seg, err := w.Seal()
	require.NoError(t, err)

	// Flip one byte in the payload region, after the 8-byte header.
	f, err := os.OpenFile(seg.Path, os.O_RDWR, 0)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, headerSize+8)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, headerSize+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := store.OpenReader(seg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(b, "read")
	require.Error(t, err)
	assert.True(t, emerr.Is(err, emerr.Spill))
}

func TestUnlinkIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, CodecNone, 4)
	require.NoError(t, err)

	seg := Segment{ID: "missing", Path: dir + "/missing.seg"}
	require.NoError(t, store.Unlink(seg))
	require.NoError(t, store.Unlink(seg))
}
