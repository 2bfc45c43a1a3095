// Package engine walks a scheduler.Schedule, respecting the frontier bound
// and max_parallel_tasks via a bounded worker pool built on
// golang.org/x/sync/errgroup's SetLimit — the idiomatic Go substitute for a
// hand-rolled thread pool — cancels cooperatively on the first fatal error,
// and produces the run's manifest.
package engine

import (
	"container/heap"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/datasources/csv"
	"github.com/emsqrt-project/emsqrt/datasources/jsonl"
	"github.com/emsqrt-project/emsqrt/datasources/parquet"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/manifest"
	"github.com/emsqrt-project/emsqrt/operators"
	"github.com/emsqrt-project/emsqrt/operators/join"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/scheduler"
	"github.com/emsqrt-project/emsqrt/segment"
)

// Engine drives one run of a schedule against a shared budget and segment
// store. Both are process-wide: the budget is the sole cross-block
// synchronisation point, and the store namespaces every spilled segment
// under this run's id.
type Engine struct {
	Store            *segment.Store
	Budget           *budget.Budget
	RunID            string
	MaxParallelTasks int
	FrontierWidth    int
	BatchSizeHint    int64

	mu          sync.Mutex
	rowsIn      int64
	rowsOut     int64
	outputs     []string
	blockOutput map[string]segment.Segment
	nodeSchema  map[string]batch.Schema // block id -> schema of its last pipeline node
}

// Run executes sched to completion, returning the manifest of the run
// whether it succeeded or failed partway (a failed run still gets a
// manifest with whatever counters were collected).
func (e *Engine) Run(ctx context.Context, sched *scheduler.Schedule, planHash, planSummary string) (*manifest.Manifest, error) {
	e.blockOutput = make(map[string]segment.Segment)
	e.nodeSchema = make(map[string]batch.Schema)

	startedMs := nowMillis()
	runErr := e.execute(ctx, sched)
	finishedMs := nowMillis()

	m := &manifest.Manifest{
		PlanHash:             planHash,
		StartedMs:            startedMs,
		FinishedMs:           finishedMs,
		PeakMemBytes:         e.Budget.Peak(),
		SpillReadBytes:       e.Store.ReadBytes(),
		SpillWriteBytes:      e.Store.WriteBytes(),
		RowsIn:               e.rowsIn,
		RowsOut:              e.rowsOut,
		Outputs:              e.outputs,
		PlanStructureSummary: planSummary,
	}
	if runErr != nil {
		m.Err = runErr.Error()
	}
	return m, runErr
}

// execute drives every block in sched to completion, honouring dependency
// order and the max_parallel_tasks/frontier bound via a shared ready heap
// and a bounded worker pool, cancelling every worker on the first error.
func (e *Engine) execute(ctx context.Context, sched *scheduler.Schedule) error {
	limit := e.MaxParallelTasks
	if limit <= 0 {
		limit = 1
	}
	if e.FrontierWidth > 0 && e.FrontierWidth < limit {
		limit = e.FrontierWidth
	}

	st := newExecState(sched)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for {
		block, done := st.next(gctx)
		if done {
			break
		}
		g.Go(func() error {
			if err := e.runBlock(gctx, block); err != nil {
				st.fail(block)
				return errors.Wrapf(err, "block %s", block.ID)
			}
			st.complete(block)
			return nil
		})
	}
	return g.Wait()
}

// runBlock instantiates a block's fused operator pipeline, pulls it to
// completion, and either seals its output as a new segment (for a
// dependency block) or drives it through a Sink (for the terminal block).
func (e *Engine) runBlock(ctx context.Context, b *scheduler.Block) error {
	env := operators.Env{
		Budget:        e.Budget,
		Store:         e.Store,
		FanIn:         e.frontierOrDefault(),
		BatchSizeHint: b.BatchSizeHint,
		SegmentPrefix: e.RunID + "/" + b.ID,
	}

	var op operators.Operator
	var childSchema batch.Schema

	for i, n := range b.Pipeline {
		var err error
		if i == 0 {
			op, err = e.buildAnchor(ctx, b, n, env)
		} else {
			op, err = buildFused(op, childSchema, n, env)
		}
		if err != nil {
			return err
		}
		childSchema = n.Schema
	}

	last := b.Pipeline[len(b.Pipeline)-1]
	if last.Kind == plan.Sink {
		return e.runSink(ctx, op, last, b, env)
	}
	return e.materializeBlock(ctx, op, last, b, env)
}

func (e *Engine) frontierOrDefault() int {
	if e.FrontierWidth > 0 {
		return e.FrontierWidth
	}
	return 4
}

// buildAnchor constructs the operator for a block's first pipeline node:
// either a Scan reading from a source file, or the pipeline-breaking
// operator whose child(ren) come from already-sealed dependency blocks.
func (e *Engine) buildAnchor(ctx context.Context, b *scheduler.Block, n *plan.Node, env operators.Env) (operators.Operator, error) {
	if n.Kind == plan.Scan {
		src, err := openSource(n.SourceURI, n.Schema)
		if err != nil {
			return nil, err
		}
		return &countingScan{Scan: operators.NewScan(src, n.Schema, env, "scan:"+b.ID), e: e}, nil
	}

	if n.Kind == plan.Join {
		if len(b.DependsOn) != 2 {
			return nil, emerr.Newf(emerr.Internal, "engine.buildAnchor", "join block %s has %d dependencies, want 2", b.ID, len(b.DependsOn))
		}
		buildOp, buildSchema, err := e.openDependency(b.DependsOn[0], env, "join-build:"+b.ID)
		if err != nil {
			return nil, err
		}
		probeOp, probeSchema, err := e.openDependency(b.DependsOn[1], env, "join-probe:"+b.ID)
		if err != nil {
			return nil, err
		}
		leftKeys, rightKeys := splitJoinKeys(n.JoinKeys)
		if n.SortedInputs {
			return join.NewMergeJoin(buildOp, probeOp, leftKeys, rightKeys, buildSchema, probeSchema, n.JoinKind, env, "join:"+b.ID)
		}
		return join.NewHashJoin(buildOp, probeOp, leftKeys, rightKeys, buildSchema, probeSchema, n.JoinKind, true, env, "join:"+b.ID)
	}

	if len(b.DependsOn) != 1 {
		return nil, emerr.Newf(emerr.Internal, "engine.buildAnchor", "block %s anchored at %s has %d dependencies, want 1", b.ID, n.Kind, len(b.DependsOn))
	}
	childOp, childSchema, err := e.openDependency(b.DependsOn[0], env, "in:"+b.ID)
	if err != nil {
		return nil, err
	}
	return buildFused(childOp, childSchema, n, env)
}

// openDependency opens a read handle over a dependency block's sealed
// output segment. The consumer receives a read handle, not ownership:
// closing it never deletes the file.
func (e *Engine) openDependency(depBlockID string, env operators.Env, tag string) (operators.Operator, batch.Schema, error) {
	e.mu.Lock()
	seg, ok := e.blockOutput[depBlockID]
	schema := e.nodeSchema[depBlockID]
	e.mu.Unlock()
	if !ok {
		return nil, batch.Schema{}, emerr.Newf(emerr.Internal, "engine.openDependency", "dependency block %s has no recorded output", depBlockID)
	}
	return &segmentSourceOp{store: e.Store, seg: seg, env: env, tag: tag}, schema, nil
}

// buildFused constructs the operator for one node of a block's fused
// pipeline, given its already-instantiated child.
func buildFused(child operators.Operator, childSchema batch.Schema, n *plan.Node, env operators.Env) (operators.Operator, error) {
	tag := n.Kind.String()
	switch n.Kind {
	case plan.Filter:
		return operators.NewFilter(child, n.Pred, childSchema, env, tag)
	case plan.Project:
		return operators.NewProject(child, n.ProjectColumns, childSchema, env, tag)
	case plan.Map:
		return operators.NewMap(child, n.Renames, childSchema, env, tag)
	case plan.Sort:
		return operators.NewSort(child, n.SortKeys, childSchema, env, tag)
	case plan.Aggregate:
		return operators.NewAggregate(child, n.GroupKeys, n.Aggs, childSchema, env, tag)
	case plan.Sink:
		return child, nil // Sink has no Operator shape of its own; runSink drives it directly.
	default:
		return nil, emerr.Newf(emerr.Internal, "engine.buildFused", "node kind %s cannot be fused onto an existing pipeline", n.Kind)
	}
}

func splitJoinKeys(pairs []plan.JoinKeyPair) (left, right []string) {
	left = make([]string, len(pairs))
	right = make([]string, len(pairs))
	for i, p := range pairs {
		left[i] = p.Left
		right[i] = p.Right
	}
	return left, right
}

// materializeBlock pulls op to completion and seals its output into a
// single segment, recorded for whichever block(s) depend on b.
func (e *Engine) materializeBlock(ctx context.Context, op operators.Operator, last *plan.Node, b *scheduler.Block, env operators.Env) error {
	if err := op.Open(ctx); err != nil {
		return err
	}
	w, err := e.Store.OpenWriter(env.SegmentID("out", 0), last.Schema)
	if err != nil {
		_ = op.Close()
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			w.Abandon()
			_ = op.Close()
			return err
		}
		bat, err := op.Next(ctx)
		if err != nil {
			w.Abandon()
			_ = op.Close()
			return err
		}
		if bat == nil {
			break
		}
		appendErr := w.Append(bat)
		bat.Release()
		if appendErr != nil {
			w.Abandon()
			_ = op.Close()
			return appendErr
		}
	}
	if err := op.Close(); err != nil {
		w.Abandon()
		return err
	}
	seg, err := w.Seal()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.blockOutput[b.ID] = seg
	e.nodeSchema[b.ID] = last.Schema
	e.mu.Unlock()
	return nil
}

func (e *Engine) runSink(ctx context.Context, op operators.Operator, sinkNode *plan.Node, b *scheduler.Block, env operators.Env) error {
	// Rows go to destination.tmp, renamed onto the destination only once
	// the sink has finished and closed cleanly.
	tmp := sinkNode.Destination + ".tmp"
	hint := sinkNode.Format
	if hint == "" {
		hint = format(sinkNode.Destination)
	}
	writer, err := openSink(tmp, hint, sinkNode.Schema)
	if err != nil {
		return err
	}
	sink := operators.NewSink(op, writer, env, "sink:"+b.ID)
	if err := sink.Open(ctx); err != nil {
		return err
	}
	rows, runErr := sink.Run(ctx)
	closeErr := sink.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}
	if err := os.Rename(tmp, sinkNode.Destination); err != nil {
		return emerr.New(emerr.Sink, "engine.runSink", err)
	}
	e.mu.Lock()
	e.rowsOut += rows
	e.outputs = append(e.outputs, sinkNode.Destination)
	e.mu.Unlock()
	return nil
}

// segmentSourceOp adapts a sealed segment.Reader to the operators.Operator
// pull contract, letting a dependency block's output feed a downstream
// block exactly like any live operator.
type segmentSourceOp struct {
	store *segment.Store
	seg   segment.Segment
	env   operators.Env
	tag   string
	r     *segment.Reader
}

func (s *segmentSourceOp) Open(ctx context.Context) error {
	r, err := s.store.OpenReader(s.seg)
	if err != nil {
		return err
	}
	s.r = r
	return nil
}

func (s *segmentSourceOp) Next(ctx context.Context) (*batch.Batch, error) {
	return s.r.Next(s.env.Budget, s.tag)
}

func (s *segmentSourceOp) Close() error {
	return s.r.Close()
}

// countingScan wraps operators.Scan to fold every batch's row count into
// the run's rows_in counter as it streams past.
type countingScan struct {
	*operators.Scan
	e *Engine
}

func (c *countingScan) Next(ctx context.Context) (*batch.Batch, error) {
	bat, err := c.Scan.Next(ctx)
	if err != nil || bat == nil {
		return bat, err
	}
	c.e.mu.Lock()
	c.e.rowsIn += bat.NumRows()
	c.e.mu.Unlock()
	return bat, nil
}

func openSource(uri string, schema batch.Schema) (operators.RowSource, error) {
	switch format(uri) {
	case "csv":
		return csv.Open(uri, ',', true, schema)
	case "jsonl":
		return jsonl.Open(uri, schema)
	case "parquet":
		return parquet.Open(uri, schema)
	default:
		return nil, emerr.Newf(emerr.Source, "engine.openSource", "unrecognized source format for %q", uri)
	}
}

func openSink(uri, hint string, schema batch.Schema) (operators.RowWriter, error) {
	fmtName := hint
	if fmtName == "" {
		fmtName = format(uri)
	}
	switch fmtName {
	case "csv":
		return csv.Create(uri, true, schema)
	case "jsonl":
		return jsonl.Create(uri, schema)
	case "parquet":
		return parquet.Create(uri, schema)
	default:
		return nil, emerr.Newf(emerr.Sink, "engine.openSink", "unrecognized sink format for %q", uri)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func format(uri string) string {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".csv":
		return "csv"
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".parquet":
		return "parquet"
	default:
		return ""
	}
}

// execState tracks live dependency counts across the block DAG and hands
// out topologically-ready blocks in most-frontier-freed-first order, safe
// for concurrent workers.
type execState struct {
	mu         sync.Mutex
	cond       *sync.Cond
	indegree   map[string]int
	dependents map[string][]string
	byID       map[string]*scheduler.Block
	ready      readyQueue
	inFlight   int
	remaining  int
	failed     bool
}

func newExecState(sched *scheduler.Schedule) *execState {
	st := &execState{
		indegree:   make(map[string]int, len(sched.Blocks)),
		dependents: make(map[string][]string, len(sched.Blocks)),
		byID:       make(map[string]*scheduler.Block, len(sched.Blocks)),
		remaining:  len(sched.Blocks),
	}
	st.cond = sync.NewCond(&st.mu)
	for _, b := range sched.Blocks {
		st.byID[b.ID] = b
		st.indegree[b.ID] = len(b.DependsOn)
		for _, d := range b.DependsOn {
			st.dependents[d] = append(st.dependents[d], b.ID)
		}
	}
	for _, b := range sched.Blocks {
		if st.indegree[b.ID] == 0 {
			heap.Push(&st.ready, &readyEntry{block: b, unlocks: len(st.dependents[b.ID])})
		}
	}
	return st
}

// next blocks until a ready block is available or nothing more will ever
// become ready (the DAG is exhausted, or ctx was cancelled and every
// in-flight block has already drained). It never hands out new work once
// ctx is cancelled, but still lets already-running blocks finish.
func (st *execState) next(ctx context.Context) (*scheduler.Block, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		if st.remaining == 0 {
			return nil, true
		}
		if st.ready.Len() > 0 && ctx.Err() == nil {
			entry := heap.Pop(&st.ready).(*readyEntry)
			st.inFlight++
			return entry.block, false
		}
		if ctx.Err() != nil && st.inFlight == 0 {
			return nil, true
		}
		st.cond.Wait()
	}
}

func (st *execState) complete(b *scheduler.Block) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight--
	st.remaining--
	for _, depID := range st.dependents[b.ID] {
		st.indegree[depID]--
		if st.indegree[depID] == 0 {
			heap.Push(&st.ready, &readyEntry{block: st.byID[depID], unlocks: len(st.dependents[depID])})
		}
	}
	st.cond.Broadcast()
}

// fail marks b done without unlocking its dependents: on error the engine
// abandons the rest of that chain rather than running blocks whose input
// will never exist.
func (st *execState) fail(b *scheduler.Block) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight--
	st.remaining--
	st.failed = true
	st.cond.Broadcast()
}

type readyEntry struct {
	block   *scheduler.Block
	unlocks int
}

type readyQueue []*readyEntry

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].unlocks != q[j].unlocks {
		return q[i].unlocks > q[j].unlocks
	}
	return q[i].block.EstFootprintBytes < q[j].block.EstFootprintBytes
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*readyEntry)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
