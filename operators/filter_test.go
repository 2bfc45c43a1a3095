package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/plan"
)

func TestFilterKeepsOnlyMatchingRows(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "amount", Kind: batch.Float64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewFloat64(5)},
		{batch.NewFloat64(15)},
		{batch.NewFloat64(8)},
	})

	pred := plan.Compare("amount", plan.OpLt, batch.NewFloat64(10))
	f, err := NewFilter(src, pred, schema, testEnv(), "filter")
	require.NoError(t, err)

	rows := drain(t, f)
	require.Len(t, rows, 2)
	assert.Equal(t, batch.NewFloat64(5), rows[0][0])
	assert.Equal(t, batch.NewFloat64(8), rows[1][0])
}

func TestFilterSkipsBatchWithNoMatches(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "amount", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{{batch.NewInt64(1)}})
	pred := plan.Compare("amount", plan.OpGt, batch.NewInt64(100))
	f, err := NewFilter(src, pred, schema, testEnv(), "filter")
	require.NoError(t, err)

	rows := drain(t, f)
	assert.Empty(t, rows)
}
