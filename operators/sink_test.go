package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

type recordingWriter struct {
	rows   [][]batch.Value
	closed bool
}

func (w *recordingWriter) Write(row []batch.Value) error {
	w.rows = append(w.rows, row)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestSinkRunWritesEveryRowAndCounts(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewInt64(1)},
		{batch.NewInt64(2)},
	})
	w := &recordingWriter{}
	sink := NewSink(src, w, testEnv(), "sink")

	require.NoError(t, sink.Open(context.Background()))
	n, err := sink.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, sink.Close())

	assert.True(t, w.closed)
	require.Len(t, w.rows, 2)
	assert.Equal(t, batch.NewInt64(1), w.rows[0][0])
}

func TestSinkRunStopsOnCancelledContext(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{{batch.NewInt64(1)}})
	w := &recordingWriter{}
	sink := NewSink(src, w, testEnv(), "sink")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sink.Open(ctx))
	_, err = sink.Run(ctx)
	assert.Error(t, err)
}
