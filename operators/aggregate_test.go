package operators

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/plan"
)

func groupedRows(rows [][]batch.Value) [][]batch.Value {
	sort.Slice(rows, func(i, j int) bool { return rows[i][0].I64 < rows[j][0].I64 })
	return rows
}

func TestAggregateSumAndCountPerGroupInMemory(t *testing.T) {
	schema, err := batch.NewSchema(
		batch.Field{Name: "category", Kind: batch.Int64},
		batch.Field{Name: "amount", Kind: batch.Float64},
	)
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewInt64(1), batch.NewFloat64(10)},
		{batch.NewInt64(1), batch.NewFloat64(20)},
		{batch.NewInt64(2), batch.NewFloat64(5)},
	})

	aggs := []plan.AggExpr{
		{Func: plan.AggSum, Column: "amount", As: "total"},
		{Func: plan.AggCountStar, As: "n"},
	}
	a, err := NewAggregate(src, []string{"category"}, aggs, schema, testEnv(), "agg")
	require.NoError(t, err)

	rows := groupedRows(drain(t, a))
	require.Len(t, rows, 2)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.Equal(t, batch.NewFloat64(30), rows[0][1])
	assert.Equal(t, batch.NewInt64(2), rows[0][2])
	assert.Equal(t, batch.NewInt64(2), rows[1][0])
	assert.Equal(t, batch.NewFloat64(5), rows[1][1])
	assert.Equal(t, batch.NewInt64(1), rows[1][2])
}

func TestAggregateRejectsUnknownGroupColumn(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, nil)
	_, err = NewAggregate(src, []string{"missing"}, nil, schema, testEnv(), "agg")
	assert.Error(t, err)
}

func TestAggregateSpillsAndMergesAcrossPartitions(t *testing.T) {
	schema, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "amount", Kind: batch.Int64},
	)
	require.NoError(t, err)

	const numGroups = 8000
	var rows [][]batch.Value
	for i := int64(0); i < numGroups; i++ {
		rows = append(rows, []batch.Value{batch.NewInt64(i), batch.NewInt64(1)})
	}
	src := newSliceSource(schema, rows)

	aggs := []plan.AggExpr{{Func: plan.AggSum, Column: "amount", As: "total"}}
	// A 600KiB budget grants enough 64KiB growth steps to hold around
	// 6250 groups before materialize must flush and restart; each of the
	// two resulting partitions still leaves ample slack for the batch
	// reservations phase 2's merge-back reads need concurrently.
	env := testEnvWithStore(t, 600000, 1<<16)
	a, err := NewAggregate(src, []string{"id"}, aggs, schema, env, "agg")
	require.NoError(t, err)

	got := groupedRows(drain(t, a))
	require.Len(t, got, numGroups)
	for _, row := range got {
		assert.Equal(t, batch.NewInt64(1), row[1])
	}
}
