package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

func TestMapRenamesColumnsWithoutTouchingValues(t *testing.T) {
	schema, err := batch.NewSchema(
		batch.Field{Name: "amount", Kind: batch.Float64},
		batch.Field{Name: "id", Kind: batch.Int64},
	)
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewFloat64(9.5), batch.NewInt64(1)},
	})

	m, err := NewMap(src, map[string]string{"amount": "total"}, schema, testEnv(), "map")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Open(ctx))
	b, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Release()

	name, ok := b.Schema().IndexOf("total")
	require.True(t, ok)
	assert.Equal(t, batch.NewFloat64(9.5), b.ValueAt(name, 0))
	_, stillThere := b.Schema().IndexOf("amount")
	assert.False(t, stillThere)
}
