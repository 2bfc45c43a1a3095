package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/plan"
)

func TestSortOrdersRowsAscendingInMemory(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewInt64(3)},
		{batch.NewInt64(1)},
		{batch.NewInt64(2)},
	})

	s, err := NewSort(src, []plan.SortKey{{Column: "id"}}, schema, testEnv(), "sort")
	require.NoError(t, err)

	rows := drain(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.Equal(t, batch.NewInt64(2), rows[1][0])
	assert.Equal(t, batch.NewInt64(3), rows[2][0])
}

func TestSortDescendingKeyReversesOrder(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewInt64(1)},
		{batch.NewInt64(3)},
		{batch.NewInt64(2)},
	})

	s, err := NewSort(src, []plan.SortKey{{Column: "id", Descending: true}}, schema, testEnv(), "sort")
	require.NoError(t, err)

	rows := drain(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, batch.NewInt64(3), rows[0][0])
	assert.Equal(t, batch.NewInt64(2), rows[1][0])
	assert.Equal(t, batch.NewInt64(1), rows[2][0])
}

func TestSortRejectsUnknownColumn(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, nil)
	_, err = NewSort(src, []plan.SortKey{{Column: "missing"}}, schema, testEnv(), "sort")
	assert.Error(t, err)
}

func TestSortSpillsAndMergesWhenRunSizeIsTiny(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	var rows [][]batch.Value
	for _, v := range []int64{9, 1, 7, 3, 5, 2, 8, 4, 6, 0} {
		rows = append(rows, []batch.Value{batch.NewInt64(v)})
	}
	src := newSliceSource(schema, rows)

	// A tiny BatchSizeHint forces each accumulation round to spill a run
	// of only a couple of rows, exercising the k-way merge path.
	env := testEnvWithStore(t, 1<<20, 32)
	s, err := NewSort(src, []plan.SortKey{{Column: "id"}}, schema, env, "sort")
	require.NoError(t, err)

	got := drain(t, s)
	require.Len(t, got, 10)
	for i, row := range got {
		assert.Equal(t, batch.NewInt64(int64(i)), row[0])
	}
}
