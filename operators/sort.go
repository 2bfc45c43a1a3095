package operators

import (
	"container/heap"
	"context"
	"sort"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/segment"
)

// defaultRunSizeBytes bounds a Sort's in-memory run before it spills, used
// when the scheduler leaves Env.BatchSizeHint unset.
const defaultRunSizeBytes = 1 << 20

// Sort is an external two-phase sort: run generation against an in-memory
// row buffer bounded by a budget reservation, spilling sorted runs to
// segments once the buffer fills, followed by a k-way merge of the
// resulting runs using container/heap. A sort that never needs to spill
// degenerates to sorting entirely in memory and streaming the result,
// touching no segment at all.
type Sort struct {
	Child  Operator
	Keys   []plan.SortKey
	Schema batch.Schema
	Env    Env
	Tag    string

	less     func(a, b []batch.Value) bool
	runBytes int64

	materialized bool
	inMemory     [][]batch.Value // used only if no run ever spilled
	inMemoryPos  int
	merger       *runMerger
	runs         []segment.Segment
}

func NewSort(child Operator, keys []plan.SortKey, schema batch.Schema, env Env, tag string) (*Sort, error) {
	idx := make([]int, len(keys))
	desc := make([]bool, len(keys))
	for i, k := range keys {
		j, ok := schema.IndexOf(k.Column)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "operators.NewSort", "unknown sort column %q", k.Column)
		}
		idx[i] = j
		desc[i] = k.Descending
	}
	less := func(a, b []batch.Value) bool {
		for i, j := range idx {
			c := a[j].Compare(b[j])
			if c == 0 {
				continue
			}
			if desc[i] {
				return c > 0
			}
			return c < 0
		}
		return false
	}
	runBytes := env.BatchSizeHint
	if runBytes <= 0 {
		runBytes = defaultRunSizeBytes
	}
	return &Sort{Child: child, Keys: keys, Schema: schema, Env: env, Tag: tag, less: less, runBytes: runBytes}, nil
}

func (s *Sort) Open(ctx context.Context) error {
	return s.Child.Open(ctx)
}

func (s *Sort) Next(ctx context.Context) (*batch.Batch, error) {
	if !s.materialized {
		if err := s.materialize(ctx); err != nil {
			return nil, err
		}
		s.materialized = true
	}
	if s.merger != nil {
		return s.merger.next(ctx)
	}
	return s.nextFromMemory()
}

func (s *Sort) nextFromMemory() (*batch.Batch, error) {
	if s.inMemoryPos >= len(s.inMemory) {
		return nil, nil
	}
	bld := batch.NewBuilder(s.Schema)
	for s.inMemoryPos < len(s.inMemory) {
		bld.AppendRow(s.inMemory[s.inMemoryPos])
		s.inMemoryPos++
		if int64(bld.NumRows()) >= RowsPerBatch(s.Schema, s.runBytes) {
			break
		}
	}
	out, ok, err := bld.Finish(s.Env.Budget, s.Tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetRefused(s.Tag)
	}
	return out, nil
}

// materialize drains the child, accumulating rows in memory under a single
// budget reservation sized runBytes. When accumulation would exceed that
// reservation, the accumulated rows are sorted and spilled as one run
// segment, the reservation is released, and accumulation restarts.
func (s *Sort) materialize(ctx context.Context) error {
	reserve, ok := s.Env.Budget.TryAcquire(s.runBytes, s.Tag)
	if !ok {
		return ErrBudgetRefused(s.Tag)
	}
	used := int64(0)
	perRow := RowByteEstimate(s.Schema)
	var buf [][]batch.Value
	var runs []segment.Segment
	runNum := 0

	spill := func() error {
		sortRows(buf, s.less)
		seg, err := s.spillRun(runNum, buf)
		if err != nil {
			return err
		}
		runs = append(runs, seg)
		runNum++
		buf = nil
		used = 0
		return nil
	}

	for {
		in, err := s.Child.Next(ctx)
		if err != nil {
			reserve.Release()
			return err
		}
		if in == nil {
			break
		}
		n := int(in.NumRows())
		for row := 0; row < n; row++ {
			if used+perRow > s.runBytes && len(buf) > 0 {
				if err := spill(); err != nil {
					in.Release()
					reserve.Release()
					return err
				}
			}
			buf = append(buf, in.Row(row))
			used += perRow
		}
		in.Release()
	}
	reserve.Release()

	if len(runs) == 0 {
		sortRows(buf, s.less)
		s.inMemory = buf
		return nil
	}
	if len(buf) > 0 {
		sortRows(buf, s.less)
		seg, err := s.spillRun(runNum, buf)
		if err != nil {
			return err
		}
		runs = append(runs, seg)
	}

	merged, err := newRunMerger(runs, s.Env, s.Tag, s.less)
	if err != nil {
		return err
	}
	s.merger = merged
	s.runs = runs
	return nil
}

func (s *Sort) spillRun(runNum int, rows [][]batch.Value) (segment.Segment, error) {
	id := s.Env.SegmentID("sort-run", runNum)
	w, err := s.Env.Store.OpenWriter(id, s.Schema)
	if err != nil {
		return segment.Segment{}, err
	}
	rowsPer := RowsPerBatch(s.Schema, s.runBytes)
	bld := batch.NewBuilder(s.Schema)
	for _, row := range rows {
		bld.AppendRow(row)
		if int64(bld.NumRows()) >= rowsPer {
			if err := flushBuilder(w, &bld, s.Schema, s.Env.Budget, s.Tag); err != nil {
				w.Abandon()
				return segment.Segment{}, err
			}
		}
	}
	if bld.NumRows() > 0 {
		if err := flushBuilder(w, &bld, s.Schema, s.Env.Budget, s.Tag); err != nil {
			w.Abandon()
			return segment.Segment{}, err
		}
	}
	return w.Seal()
}

func flushBuilder(w *segment.Writer, bld **batch.Builder, schema batch.Schema, b *budget.Budget, tag string) error {
	bat, ok, err := (*bld).Finish(b, tag)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBudgetRefused(tag)
	}
	if err := w.Append(bat); err != nil {
		bat.Release()
		return err
	}
	bat.Release()
	*bld = batch.NewBuilder(schema)
	return nil
}

func (s *Sort) Close() error {
	if s.merger != nil {
		s.merger.close()
	}
	return s.Child.Close()
}

// sortRows sorts in place with a stable comparator: rows with equal keys
// keep their relative input order, including an all-null-key run emitting
// in insertion order.
func sortRows(rows [][]batch.Value, less func(a, b []batch.Value) bool) {
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}

func RowByteEstimate(schema batch.Schema) int64 {
	var total int64
	for _, f := range schema.Fields {
		switch f.Kind {
		case batch.Int32, batch.Bool:
			total += 4
		case batch.Int64, batch.Float64:
			total += 8
		case batch.Utf8:
			total += 32
		}
	}
	if total == 0 {
		total = 8
	}
	return total
}

func RowsPerBatch(schema batch.Schema, budgetBytes int64) int64 {
	perRow := RowByteEstimate(schema)
	n := budgetBytes / perRow / 4
	if n < 1 {
		n = 1
	}
	return n
}

// runCursor tracks one run segment's current batch and row offset during
// the merge phase.
type runCursor struct {
	reader *segment.Reader
	seg    segment.Segment
	cur    *batch.Batch
	row    int
	runID  int
}

func (c *runCursor) currentRow() []batch.Value {
	return c.cur.Row(c.row)
}

// advance moves to the next row, pulling a new batch from the reader if the
// current one is exhausted. Returns false at end of run.
func (c *runCursor) advance(ctx context.Context, b *budget.Budget, tag string) (bool, error) {
	c.row++
	if c.cur != nil && c.row < int(c.cur.NumRows()) {
		return true, nil
	}
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
	next, err := c.reader.Next(b, tag)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	c.cur = next
	c.row = 0
	return true, nil
}

func (c *runCursor) close() {
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
	c.reader.Close()
}

// cursorHeap is a container/heap of active runCursors ordered by their
// current row under the sort's comparator; container/heap is stdlib
// because no third-party priority-queue library is warranted here
// (see DESIGN.md).
type cursorHeap struct {
	cursors []*runCursor
	less    func(a, b []batch.Value) bool
}

func (h *cursorHeap) Len() int { return len(h.cursors) }

// Less orders by the sort's own comparator, falling back to run-id
// ascending when the keys tie, so rows with equal keys from different
// runs always interleave in the same deterministic order rather than
// whatever the binary heap happens to produce.
func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	ra, rb := a.currentRow(), b.currentRow()
	if h.less(ra, rb) {
		return true
	}
	if h.less(rb, ra) {
		return false
	}
	return a.runID < b.runID
}
func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*runCursor))
}
func (h *cursorHeap) Pop() interface{} {
	n := len(h.cursors)
	v := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return v
}

// runMerger performs a k-way merge across run segments, respecting
// Env.FanIn by merging in multiple passes when there are more runs than
// the scheduled fan-in: excess runs are merged down into intermediate
// segments first, then the final <= FanIn runs stream out directly.
type runMerger struct {
	env  Env
	tag  string
	less func(a, b []batch.Value) bool

	heap       *cursorHeap
	schema     batch.Schema
	done       bool
	tempRunIdx int
	finalRuns  []segment.Segment
}

func newRunMerger(runs []segment.Segment, env Env, tag string, less func(a, b []batch.Value) bool) (*runMerger, error) {
	m := &runMerger{env: env, tag: tag, less: less, schema: runs[0].Schema}
	for len(runs) > env.FanIn && env.FanIn > 1 {
		merged, err := m.mergeDown(runs[:env.FanIn])
		if err != nil {
			return nil, err
		}
		runs = append(runs[env.FanIn:], merged)
	}
	h, err := m.openCursors(runs)
	if err != nil {
		return nil, err
	}
	m.heap = h
	m.finalRuns = runs
	return m, nil
}

func (m *runMerger) openCursors(runs []segment.Segment) (*cursorHeap, error) {
	h := &cursorHeap{less: m.less}
	for i, seg := range runs {
		r, err := m.env.Store.OpenReader(seg)
		if err != nil {
			return nil, err
		}
		c := &runCursor{reader: r, seg: seg, row: -1, runID: i}
		ok, err := c.advance(context.Background(), m.env.Budget, m.tag)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.close()
			continue
		}
		h.cursors = append(h.cursors, c)
	}
	heap.Init(h)
	return h, nil
}

// mergeDown fully merges a group of runs into one intermediate segment,
// used to bring the run count under FanIn before the final streaming pass.
func (m *runMerger) mergeDown(runs []segment.Segment) (segment.Segment, error) {
	h, err := m.openCursors(runs)
	if err != nil {
		return segment.Segment{}, err
	}
	id := m.env.SegmentID("sort-merge", m.tempRunIdx)
	m.tempRunIdx++
	w, err := m.env.Store.OpenWriter(id, m.schema)
	if err != nil {
		return segment.Segment{}, err
	}
	bld := batch.NewBuilder(m.schema)
	rowsPer := RowsPerBatch(m.schema, m.env.BatchSizeHint)
	for h.Len() > 0 {
		c := h.cursors[0]
		bld.AppendRow(c.currentRow())
		if int64(bld.NumRows()) >= rowsPer {
			if err := flushBuilder(w, &bld, m.schema, m.env.Budget, m.tag); err != nil {
				w.Abandon()
				return segment.Segment{}, err
			}
		}
		ok, err := c.advance(context.Background(), m.env.Budget, m.tag)
		if err != nil {
			w.Abandon()
			return segment.Segment{}, err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			c.close()
			heap.Remove(h, 0)
		}
	}
	if bld.NumRows() > 0 {
		if err := flushBuilder(w, &bld, m.schema, m.env.Budget, m.tag); err != nil {
			w.Abandon()
			return segment.Segment{}, err
		}
	}
	sealed, err := w.Seal()
	if err != nil {
		return segment.Segment{}, err
	}
	for _, src := range runs {
		if err := m.env.Store.Unlink(src); err != nil {
			return segment.Segment{}, err
		}
	}
	return sealed, nil
}

func (m *runMerger) next(ctx context.Context) (*batch.Batch, error) {
	if m.done {
		return nil, nil
	}
	bld := batch.NewBuilder(m.schema)
	rowsPer := RowsPerBatch(m.schema, m.env.BatchSizeHint)
	for m.heap.Len() > 0 {
		c := m.heap.cursors[0]
		bld.AppendRow(c.currentRow())
		ok, err := c.advance(ctx, m.env.Budget, m.tag)
		if err != nil {
			bld.Release()
			return nil, err
		}
		if ok {
			heap.Fix(m.heap, 0)
		} else {
			c.close()
			heap.Remove(m.heap, 0)
		}
		if int64(bld.NumRows()) >= rowsPer {
			return FinishOrRefuse(bld, m.env.Budget, m.tag)
		}
	}
	m.done = true
	m.unlinkFinalRuns()
	if bld.NumRows() == 0 {
		bld.Release()
		return nil, nil
	}
	return FinishOrRefuse(bld, m.env.Budget, m.tag)
}

// unlinkFinalRuns removes the terminal merge pass's spill segments once
// every row has been consumed, so a fully-drained Sort leaves no segment
// files behind.
func (m *runMerger) unlinkFinalRuns() {
	for _, seg := range m.finalRuns {
		m.env.Store.Unlink(seg)
	}
}

func FinishOrRefuse(bld *batch.Builder, b *budget.Budget, tag string) (*batch.Batch, error) {
	out, ok, err := bld.Finish(b, tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetRefused(tag)
	}
	return out, nil
}

func (m *runMerger) close() {
	if m.heap == nil {
		return
	}
	for _, c := range m.heap.cursors {
		c.close()
	}
	if !m.done {
		m.unlinkFinalRuns()
	}
}
