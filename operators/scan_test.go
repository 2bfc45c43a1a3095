package operators

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

type sliceRowSource struct {
	rows   [][]batch.Value
	i      int
	closed bool
}

func (s *sliceRowSource) Read() ([]batch.Value, error) {
	if s.i >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.i]
	s.i++
	return r, nil
}

func (s *sliceRowSource) Close() error {
	s.closed = true
	return nil
}

func TestScanPacksRowsIntoOneBatchWhenUnderBatchSize(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	rs := &sliceRowSource{rows: [][]batch.Value{{batch.NewInt64(1)}, {batch.NewInt64(2)}, {batch.NewInt64(3)}}}
	scan := NewScan(rs, schema, testEnv(), "scan")

	rows := drain(t, scan)
	require.Len(t, rows, 3)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.True(t, rs.closed)
}

func TestScanReturnsNilAtEOF(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	rs := &sliceRowSource{}
	scan := NewScan(rs, schema, testEnv(), "scan")

	require.NoError(t, scan.Open(context.Background()))
	b, err := scan.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
}
