package parquet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

func testSchema(t *testing.T) batch.Schema {
	t.Helper()
	s, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "name", Kind: batch.Utf8, Nullable: true},
	)
	require.NoError(t, err)
	return s
}

func TestRoundTripThroughSourceAndSink(t *testing.T) {
	schema := testSchema(t)
	path := filepath.Join(t.TempDir(), "roundtrip.parquet")

	sink, err := Create(path, schema)
	require.NoError(t, err)
	rows := [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("widget")},
		{batch.NewInt64(2), batch.NewNull(batch.Utf8)},
	}
	for _, r := range rows {
		require.NoError(t, sink.Write(r))
	}
	require.NoError(t, sink.Close())

	src, err := Open(path, schema)
	require.NoError(t, err)
	defer src.Close()

	for _, want := range rows {
		got, err := src.Read()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
