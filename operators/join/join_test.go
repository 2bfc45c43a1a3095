package join

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/operators"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/segment"
)

// sliceOp replays a fixed list of rows as a single batch, for tests that
// exercise exactly one downstream operator's Next logic.
type sliceOp struct {
	schema batch.Schema
	rows   [][]batch.Value
	done   bool
}

func newSliceOp(schema batch.Schema, rows [][]batch.Value) *sliceOp {
	return &sliceOp{schema: schema, rows: rows}
}

func (s *sliceOp) Open(ctx context.Context) error { return nil }

func (s *sliceOp) Next(ctx context.Context) (*batch.Batch, error) {
	if s.done || len(s.rows) == 0 {
		return nil, nil
	}
	s.done = true
	bld := batch.NewBuilder(s.schema)
	for _, r := range s.rows {
		bld.AppendRow(r)
	}
	out, ok, err := bld.Finish(budget.New(1<<30), "test")
	if err != nil {
		return nil, err
	}
	if !ok {
		panic("sliceOp: unexpected budget refusal")
	}
	return out, nil
}

func (s *sliceOp) Close() error { return nil }

// rowBatchesOp replays each row as its own single-row batch, so a cursor
// pulling one row at a time exercises its cross-batch advance logic too.
type rowBatchesOp struct {
	schema batch.Schema
	rows   [][]batch.Value
	i      int
}

func newRowBatchesOp(schema batch.Schema, rows [][]batch.Value) *rowBatchesOp {
	return &rowBatchesOp{schema: schema, rows: rows}
}

func (s *rowBatchesOp) Open(ctx context.Context) error { return nil }

func (s *rowBatchesOp) Next(ctx context.Context) (*batch.Batch, error) {
	if s.i >= len(s.rows) {
		return nil, nil
	}
	bld := batch.NewBuilder(s.schema)
	bld.AppendRow(s.rows[s.i])
	s.i++
	out, ok, err := bld.Finish(budget.New(1<<30), "test")
	if err != nil {
		return nil, err
	}
	if !ok {
		panic("rowBatchesOp: unexpected budget refusal")
	}
	return out, nil
}

func (s *rowBatchesOp) Close() error { return nil }

func testEnv() operators.Env {
	return operators.Env{Budget: budget.New(1 << 30), BatchSizeHint: 1 << 20}
}

func testEnvWithStore(t *testing.T, memCapBytes, batchSizeHint int64) operators.Env {
	t.Helper()
	store, err := segment.New(t.TempDir(), segment.CodecNone, 4)
	require.NoError(t, err)
	return operators.Env{
		Budget:        budget.New(memCapBytes),
		Store:         store,
		FanIn:         2,
		BatchSizeHint: batchSizeHint,
		SegmentPrefix: "test-run/test-block",
	}
}

func drain(t *testing.T, op operators.Operator) [][]batch.Value {
	t.Helper()
	require.NoError(t, op.Open(context.Background()))
	var rows [][]batch.Value
	for {
		b, err := op.Next(context.Background())
		require.NoError(t, err)
		if b == nil {
			break
		}
		for i := 0; i < int(b.NumRows()); i++ {
			rows = append(rows, b.Row(i))
		}
		b.Release()
	}
	require.NoError(t, op.Close())
	return rows
}

func byFirstCol(rows [][]batch.Value) [][]batch.Value {
	sort.Slice(rows, func(i, j int) bool { return rows[i][0].I64 < rows[j][0].I64 })
	return rows
}

func buildSchema() batch.Schema {
	s, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "name", Kind: batch.Utf8},
	)
	if err != nil {
		panic(err)
	}
	return s
}

func probeSchema() batch.Schema {
	s, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "amount", Kind: batch.Int64},
	)
	if err != nil {
		panic(err)
	}
	return s
}

func TestHashJoinInnerMatchesOnKey(t *testing.T) {
	build := newSliceOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("a")},
		{batch.NewInt64(2), batch.NewUtf8("b")},
	})
	probe := newSliceOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
		{batch.NewInt64(3), batch.NewInt64(300)},
	})

	j, err := NewHashJoin(build, probe, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, true, testEnv(), "hj")
	require.NoError(t, err)

	rows := drain(t, j)
	require.Len(t, rows, 1)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.Equal(t, batch.NewUtf8("a"), rows[0][1])
	assert.Equal(t, batch.NewInt64(1), rows[0][2])
	assert.Equal(t, batch.NewInt64(100), rows[0][3])
}

func TestHashJoinLeftOuterPreservesUnmatchedBuildRows(t *testing.T) {
	build := newSliceOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("a")},
		{batch.NewInt64(2), batch.NewUtf8("b")},
	})
	probe := newSliceOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
	})

	j, err := NewHashJoin(build, probe, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.LeftOuterJoin, true, testEnv(), "hj")
	require.NoError(t, err)

	rows := byFirstCol(drain(t, j))
	require.Len(t, rows, 2)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.Equal(t, batch.NewInt64(100), rows[0][3])
	assert.Equal(t, batch.NewInt64(2), rows[1][0])
	assert.True(t, rows[1][3].Null)
}

func TestHashJoinRejectsUnknownKeyColumn(t *testing.T) {
	build := newSliceOp(buildSchema(), nil)
	probe := newSliceOp(probeSchema(), nil)
	_, err := NewHashJoin(build, probe, []string{"missing"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, true, testEnv(), "hj")
	assert.Error(t, err)
}

func TestHashJoinSpillsBuildSideAndStillMatchesAllKeys(t *testing.T) {
	const numKeys = 8000

	var buildRows, probeRows [][]batch.Value
	for i := int64(0); i < numKeys; i++ {
		buildRows = append(buildRows, []batch.Value{batch.NewInt64(i), batch.NewUtf8("n")})
		probeRows = append(probeRows, []batch.Value{batch.NewInt64(i), batch.NewInt64(i * 10)})
	}
	build := newSliceOp(buildSchema(), buildRows)
	probe := newSliceOp(probeSchema(), probeRows)

	// A 600KiB budget is large enough relative to the 64KiB growth step
	// that each of the two spilled partitions still has ample slack left
	// for the segment-read reservations processPartitionPair needs
	// concurrently with its own rebuilt hash table.
	env := testEnvWithStore(t, 600000, 1<<16)
	j, err := NewHashJoin(build, probe, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, true, env, "hj")
	require.NoError(t, err)

	rows := byFirstCol(drain(t, j))
	require.Len(t, rows, numKeys)
	for i, row := range rows {
		assert.Equal(t, batch.NewInt64(int64(i)), row[0])
		assert.Equal(t, batch.NewInt64(int64(i)*10), row[3])
	}
}

func TestMergeJoinInnerMatchesOnSortedKey(t *testing.T) {
	left := newRowBatchesOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("a")},
		{batch.NewInt64(2), batch.NewUtf8("b")},
		{batch.NewInt64(3), batch.NewUtf8("c")},
	})
	right := newRowBatchesOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
		{batch.NewInt64(3), batch.NewInt64(300)},
	})

	j, err := NewMergeJoin(left, right, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, testEnv(), "mj")
	require.NoError(t, err)

	rows := byFirstCol(drain(t, j))
	require.Len(t, rows, 2)
	assert.Equal(t, batch.NewInt64(1), rows[0][0])
	assert.Equal(t, batch.NewInt64(100), rows[0][3])
	assert.Equal(t, batch.NewInt64(3), rows[1][0])
	assert.Equal(t, batch.NewInt64(300), rows[1][3])
}

func TestMergeJoinMatchesDuplicateKeysAsCrossProduct(t *testing.T) {
	left := newRowBatchesOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("a1")},
		{batch.NewInt64(1), batch.NewUtf8("a2")},
	})
	right := newRowBatchesOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
		{batch.NewInt64(1), batch.NewInt64(200)},
	})

	j, err := NewMergeJoin(left, right, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, testEnv(), "mj")
	require.NoError(t, err)

	rows := drain(t, j)
	require.Len(t, rows, 4)
}

func TestMergeJoinLeftOuterPreservesUnmatchedLeftRows(t *testing.T) {
	left := newRowBatchesOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("a")},
		{batch.NewInt64(2), batch.NewUtf8("b")},
	})
	right := newRowBatchesOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
	})

	j, err := NewMergeJoin(left, right, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.LeftOuterJoin, testEnv(), "mj")
	require.NoError(t, err)

	rows := byFirstCol(drain(t, j))
	require.Len(t, rows, 2)
	assert.Equal(t, batch.NewInt64(100), rows[0][3])
	assert.True(t, rows[1][3].Null)
}

func TestMergeJoinRejectsMismatchedKeyCount(t *testing.T) {
	left := newRowBatchesOp(buildSchema(), nil)
	right := newRowBatchesOp(probeSchema(), nil)
	_, err := NewMergeJoin(left, right, []string{"id", "name"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, testEnv(), "mj")
	assert.Error(t, err)
}

func TestMergeJoinAssertsLeftInputIsSortedAscending(t *testing.T) {
	left := newRowBatchesOp(buildSchema(), [][]batch.Value{
		{batch.NewInt64(2), batch.NewUtf8("a")},
		{batch.NewInt64(1), batch.NewUtf8("b")},
	})
	right := newRowBatchesOp(probeSchema(), [][]batch.Value{
		{batch.NewInt64(1), batch.NewInt64(100)},
		{batch.NewInt64(2), batch.NewInt64(200)},
	})

	j, err := NewMergeJoin(left, right, []string{"id"}, []string{"id"}, buildSchema(), probeSchema(), plan.InnerJoin, testEnv(), "mj")
	require.NoError(t, err)
	require.NoError(t, j.Open(context.Background()))

	var runErr error
	for {
		_, err := j.Next(context.Background())
		if err != nil {
			runErr = err
			break
		}
	}
	require.Error(t, runErr)
	assert.Equal(t, emerr.Internal, emerr.KindOf(runErr))
	assert.Contains(t, runErr.Error(), "left input is not sorted ascending")
}
