package jsonl

import (
	"io"
	"os"
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

func TestSourceReadsUntilEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	body := `{"id":1,"name":"widget"}
{"id":2,"name":null}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	s, err := Open(path, testSchema(t))
	require.NoError(t, err)
	defer s.Close()

	row, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []batch.Value{batch.NewInt64(1), batch.NewUtf8("widget")}, row)

	row, err = s.Read()
	require.NoError(t, err)
	assert.True(t, row[1].Null)

	_, err = s.Read()
	assert.Equal(t, io.EOF, err)
}

func TestSourceMissingFieldIsNull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`+"\n"), 0644))

	s, err := Open(path, testSchema(t))
	require.NoError(t, err)
	defer s.Close()

	row, err := s.Read()
	require.NoError(t, err)
	assert.True(t, row[1].Null)
}

func TestRoundTripThroughSourceAndSink(t *testing.T) {
	schema := testSchema(t)
	path := filepath.Join(t.TempDir(), "roundtrip.jsonl")

	sink, err := Create(path, schema)
	require.NoError(t, err)
	want := []batch.Value{batch.NewInt64(7), batch.NewUtf8("gadget")}
	require.NoError(t, sink.Write(want))
	require.NoError(t, sink.Close())

	src, err := Open(path, schema)
	require.NoError(t, err)
	defer src.Close()

	got, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
