package join

import (
	"context"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/operators"
	"github.com/emsqrt-project/emsqrt/plan"
)

// MergeJoin is used in place of a HashJoin when the planner already knows
// both inputs arrive in ascending key order (plan.Node.SortedInputs): it
// never builds a hash table and never spills, since the only thing it
// ever holds in memory is the set of rows sharing the current key on each
// side. Both sides must arrive in non-decreasing key order (equal keys are
// allowed); mjCursor.advance asserts it on the first violation rather than
// letting it produce silently wrong output.
type MergeJoin struct {
	Left, Right             operators.Operator
	LeftKeys, RightKeys     []string
	LeftSchema, RightSchema batch.Schema
	Kind                    plan.JoinKind
	Env                     operators.Env
	Tag                     string

	OutSchema batch.Schema

	leftKeyIdx, rightKeyIdx []int
	preserveLeft            bool
	preserveRight           bool

	left, right *mjCursor

	outBuf [][]batch.Value
	done   bool
}

func NewMergeJoin(left, right operators.Operator, leftKeys, rightKeys []string, leftSchema, rightSchema batch.Schema, kind plan.JoinKind, env operators.Env, tag string) (*MergeJoin, error) {
	leftIdx := make([]int, len(leftKeys))
	for i, k := range leftKeys {
		idx, ok := leftSchema.IndexOf(k)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "join.NewMergeJoin", "unknown left key column %q", k)
		}
		leftIdx[i] = idx
	}
	rightIdx := make([]int, len(rightKeys))
	for i, k := range rightKeys {
		idx, ok := rightSchema.IndexOf(k)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "join.NewMergeJoin", "unknown right key column %q", k)
		}
		rightIdx[i] = idx
	}
	if len(leftIdx) != len(rightIdx) {
		return nil, emerr.Newf(emerr.Config, "join.NewMergeJoin", "left and right join key counts differ (%d vs %d)", len(leftIdx), len(rightIdx))
	}

	outFields := append(append([]batch.Field{}, leftSchema.Fields...), rightSchema.Fields...)
	outSchema, err := batch.NewSchema(outFields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "join.NewMergeJoin", err)
	}

	return &MergeJoin{
		Left: left, Right: right, LeftKeys: leftKeys, RightKeys: rightKeys,
		LeftSchema: leftSchema, RightSchema: rightSchema, Kind: kind,
		Env: env, Tag: tag, OutSchema: outSchema,
		leftKeyIdx: leftIdx, rightKeyIdx: rightIdx,
		preserveLeft:  kind == plan.LeftOuterJoin,
		preserveRight: kind == plan.RightOuterJoin,
	}, nil
}

func (j *MergeJoin) Open(ctx context.Context) error {
	if err := j.Left.Open(ctx); err != nil {
		return err
	}
	if err := j.Right.Open(ctx); err != nil {
		return err
	}
	j.left = newMJCursor(j.Left, j.leftKeyIdx, "left")
	j.right = newMJCursor(j.Right, j.rightKeyIdx, "right")
	if err := j.left.advance(ctx); err != nil {
		return err
	}
	if err := j.right.advance(ctx); err != nil {
		return err
	}
	return nil
}

func (j *MergeJoin) combine(leftVals, rightVals []batch.Value) []batch.Value {
	if leftVals == nil {
		leftVals = nullRow(j.LeftSchema)
	}
	if rightVals == nil {
		rightVals = nullRow(j.RightSchema)
	}
	out := make([]batch.Value, 0, len(leftVals)+len(rightVals))
	out = append(out, leftVals...)
	out = append(out, rightVals...)
	return out
}

func (j *MergeJoin) Next(ctx context.Context) (*batch.Batch, error) {
	for {
		if len(j.outBuf) > 0 {
			return j.flushOutBuf()
		}
		if j.done {
			return nil, nil
		}
		if err := j.advanceMerge(ctx); err != nil {
			return nil, err
		}
	}
}

// advanceMerge performs one step of the classic sort-merge join: it either
// drains a non-matching run from whichever side trails the other (emitting
// a null-padded row first if that side must be preserved), or collects both
// sides' full run of rows sharing the current key and emits their cross
// product.
func (j *MergeJoin) advanceMerge(ctx context.Context) error {
	if j.left.eof && j.right.eof {
		j.done = true
		return nil
	}
	if j.left.eof {
		if j.preserveRight {
			j.outBuf = append(j.outBuf, j.combine(nil, j.right.currentRow()))
		}
		return j.right.advance(ctx)
	}
	if j.right.eof {
		if j.preserveLeft {
			j.outBuf = append(j.outBuf, j.combine(j.left.currentRow(), nil))
		}
		return j.left.advance(ctx)
	}

	cmp := compareKeys(j.left.key(), j.right.key())
	switch {
	case cmp < 0:
		if j.preserveLeft {
			j.outBuf = append(j.outBuf, j.combine(j.left.currentRow(), nil))
		}
		return j.left.advance(ctx)
	case cmp > 0:
		if j.preserveRight {
			j.outBuf = append(j.outBuf, j.combine(nil, j.right.currentRow()))
		}
		return j.right.advance(ctx)
	}

	leftGroup, err := j.left.collectGroup(ctx)
	if err != nil {
		return err
	}
	rightGroup, err := j.right.collectGroup(ctx)
	if err != nil {
		return err
	}
	for _, l := range leftGroup {
		for _, r := range rightGroup {
			j.outBuf = append(j.outBuf, j.combine(l, r))
		}
	}
	return nil
}

func (j *MergeJoin) flushOutBuf() (*batch.Batch, error) {
	rowsPer := operators.RowsPerBatch(j.OutSchema, j.Env.BatchSizeHint)
	n := len(j.outBuf)
	if int64(n) > rowsPer {
		n = int(rowsPer)
	}
	bld := batch.NewBuilder(j.OutSchema)
	for _, row := range j.outBuf[:n] {
		bld.AppendRow(row)
	}
	j.outBuf = j.outBuf[n:]
	return operators.FinishOrRefuse(bld, j.Env.Budget, j.Tag)
}

func (j *MergeJoin) Close() error {
	errL := j.Left.Close()
	errR := j.Right.Close()
	if errL != nil {
		return errL
	}
	return errR
}

func compareKeys(a, b []batch.Value) int {
	for i := range a {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// mjCursor pulls one row at a time from an Operator, tracking the current
// batch so successive rows don't re-fetch. It is the merge join's analogue
// of sort.go's runCursor, but over a live Operator instead of a sealed
// segment reader.
type mjCursor struct {
	op      operators.Operator
	keyIdx  []int
	cur     *batch.Batch
	row     int
	eof     bool
	side    string
	lastKey []batch.Value
}

func newMJCursor(op operators.Operator, keyIdx []int, side string) *mjCursor {
	return &mjCursor{op: op, keyIdx: keyIdx, row: -1, side: side}
}

func (c *mjCursor) currentRow() []batch.Value {
	return c.cur.Row(c.row)
}

func (c *mjCursor) key() []batch.Value {
	return keyOf(c.cur.Row(c.row), c.keyIdx)
}

// advance moves to the next row, pulling further batches from the operator
// as needed. It must be primed by one call before the first row is valid.
func (c *mjCursor) advance(ctx context.Context) error {
	c.row++
	for {
		if c.cur != nil && c.row < int(c.cur.NumRows()) {
			return c.checkOrder()
		}
		if c.cur != nil {
			c.cur.Release()
			c.cur = nil
		}
		next, err := c.op.Next(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			c.eof = true
			return nil
		}
		c.cur = next
		c.row = 0
	}
}

// checkOrder asserts the current row's key is not less than the previous
// row's key on this side, catching an unsorted input on its first
// out-of-order key rather than letting the merge silently misjoin.
func (c *mjCursor) checkOrder() error {
	key := c.key()
	if c.lastKey != nil && compareKeys(key, c.lastKey) < 0 {
		return emerr.Newf(emerr.Internal, "join.MergeJoin", "%s input is not sorted ascending on the join key", c.side)
	}
	c.lastKey = append(c.lastKey[:0], key...)
	return nil
}

// collectGroup gathers every row sharing the cursor's current key, consuming
// them from the underlying operator, and returns the collected rows. The
// cursor is left positioned at the first row of a different key (or at eof).
func (c *mjCursor) collectGroup(ctx context.Context) ([][]batch.Value, error) {
	groupKey := append([]batch.Value(nil), c.key()...)
	var rows [][]batch.Value
	for !c.eof && compareKeys(c.key(), groupKey) == 0 {
		rows = append(rows, c.currentRow())
		if err := c.advance(ctx); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
