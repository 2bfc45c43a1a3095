package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/segment"
)

// sliceSource replays a fixed list of rows as a single batch, for tests
// that exercise exactly one downstream operator's Next logic.
type sliceSource struct {
	schema batch.Schema
	rows   [][]batch.Value
	done   bool
}

func newSliceSource(schema batch.Schema, rows [][]batch.Value) *sliceSource {
	return &sliceSource{schema: schema, rows: rows}
}

func (s *sliceSource) Open(ctx context.Context) error { return nil }

func (s *sliceSource) Next(ctx context.Context) (*batch.Batch, error) {
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
		panic("sliceSource: unexpected budget refusal")
	}
	return out, nil
}

func (s *sliceSource) Close() error { return nil }

func testEnv() Env {
	return Env{Budget: budget.New(1 << 30), BatchSizeHint: 1 << 20}
}

// testEnvWithStore returns an Env backed by a real on-disk segment store,
// for exercising spill-aware operators (Sort, Aggregate, Join) under a
// budget small enough to force at least one spill.
func testEnvWithStore(t *testing.T, memCapBytes int64, batchSizeHint int64) Env {
	t.Helper()
	store, err := segment.New(t.TempDir(), segment.CodecNone, 4)
	require.NoError(t, err)
	return Env{
		Budget:        budget.New(memCapBytes),
		Store:         store,
		FanIn:         2,
		BatchSizeHint: batchSizeHint,
		SegmentPrefix: "test-run/test-block",
	}
}

func drain(t *testing.T, op Operator) [][]batch.Value {
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
