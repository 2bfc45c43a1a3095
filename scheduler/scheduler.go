// Package scheduler decomposes a physical plan into a DAG of blocks whose
// live frontier is bounded by K, and synthesizes a total order over those
// blocks for the engine to execute.
package scheduler

import (
	"container/heap"
	"crypto/rand"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
)

// overheadBytes is the fixed per-block bookkeeping cost the frontier bound
// reserves on top of a block's estimated footprint: segment store handles,
// writer buffers, the pipeline's own goroutine stack and batch builder.
const overheadBytes int64 = 1 << 20

// nominalBatchRows approximates how many rows a streaming (pipeline-
// preserving) operator holds resident in its single in-flight batch, for
// the purposes of the budget-driven split rule. The Row Batch component
// itself enforces the real per-batch ceiling once a block is scheduled;
// this is only the estimate used to decide where block boundaries fall.
const nominalBatchRows int64 = 1024

// Block is one unit of the Tree-Evaluation schedule: a fused pipeline of
// plan nodes that a single execution thread drives start-to-finish,
// consuming zero or more dependency blocks' sealed output and optionally
// anchored by one pipeline-breaking node.
type Block struct {
	ID   string
	Kind plan.Kind

	// Pipeline holds every node fused into this block, in bottom-up
	// (source-to-sink-within-block) order. Pipeline[0] is the node whose
	// inputs come from DependsOn (or, for Scan, from the source); the
	// last entry is the node whose output the block produces.
	Pipeline []*plan.Node

	// DependsOn lists the block ids this block reads its input from. Scan-
	// anchored blocks have none; a Join block has exactly two (build and
	// probe); every other non-leaf block has exactly one.
	DependsOn []string

	// EstFootprintBytes is the scheduler's sizing estimate for this block:
	// the anchor operator's estimated materialized size (0 for a pure
	// streaming block) plus the fused streaming chain's per-batch working
	// set. It is reported for diagnostics and the refusal check below, not
	// a guarantee of runtime behaviour — a spilling anchor operator is
	// handed the full memory budget and self-regulates from there.
	EstFootprintBytes int64

	BatchSizeHint int64
}

// Schedule is the scheduler's output to the engine: the full block set plus
// a total order over their ids honouring every dependency edge.
type Schedule struct {
	Blocks []*Block
	Order  []string
}

func (s *Schedule) byID(id string) *Block {
	for _, b := range s.Blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// ByID returns the block with the given id, or nil if none matches.
func (s *Schedule) ByID(id string) *Block { return s.byID(id) }

// openBlock is a block still being accumulated during the bottom-up walk:
// further pipeline-preserving ancestors may still be fused onto it.
type openBlock struct {
	id              string
	kind            plan.Kind
	nodes           []*plan.Node
	dependsOn       []string
	anchorFootprint int64
	streamFootprint int64
	batchSizeHint   int64
}

// Planner decomposes physical plans into schedules against a fixed memory
// cap and frontier width K.
type Planner struct {
	MemCapBytes   int64
	FrontierWidth int // K: the max number of blocks live at once
	BatchSizeHint int64
}

// Plan decomposes root into a schedule in full: bottom-up block-boundary
// decomposition at pipeline-breaking nodes or budget-driven splits, DAG
// formation, and a frontier-bounded topological order.
func (p *Planner) Plan(root *plan.Node) (*Schedule, error) {
	if p.FrontierWidth <= 0 {
		return nil, emerr.Newf(emerr.Config, "scheduler.Plan", "frontier width must be positive, got %d", p.FrontierWidth)
	}
	if p.MemCapBytes <= overheadBytes {
		return nil, emerr.Newf(emerr.Config, "scheduler.Plan", "mem_cap_bytes %d does not leave room for per-block overhead %d", p.MemCapBytes, overheadBytes)
	}

	var blocks []*Block
	closeBlock := func(ob *openBlock) (string, error) {
		if ob.id == "" {
			ob.id = newBlockID()
		}
		if ob.anchorFootprint+ob.streamFootprint > p.MemCapBytes-overheadBytes {
			return "", emerr.Newf(emerr.Config, "scheduler.Plan",
				"block %s anchored at %s has estimated footprint %d bytes, which exceeds mem_cap_bytes-overhead (%d); choose a smaller batch size or a spilling strategy for this node",
				ob.id, ob.kind, ob.anchorFootprint+ob.streamFootprint, p.MemCapBytes-overheadBytes)
		}
		batchHint := p.BatchSizeHint
		if batchHint <= 0 {
			batchHint = nominalBatchRows
		}
		blocks = append(blocks, &Block{
			ID:                ob.id,
			Kind:              ob.kind,
			Pipeline:          ob.nodes,
			DependsOn:         ob.dependsOn,
			EstFootprintBytes: ob.anchorFootprint + ob.streamFootprint,
			BatchSizeHint:     batchHint,
		})
		return ob.id, nil
	}

	var walk func(n *plan.Node) (*openBlock, error)
	walk = func(n *plan.Node) (*openBlock, error) {
		breaking := n.Kind.PipelineBreaking()

		if len(n.Children) == 0 {
			ob := &openBlock{nodes: []*plan.Node{n}, kind: n.Kind}
			if breaking {
				ob.anchorFootprint = materializedFootprint(n)
			} else {
				ob.streamFootprint = streamingFootprint(n)
			}
			return ob, nil
		}

		if len(n.Children) == 1 && !breaking {
			child, err := walk(n.Children[0])
			if err != nil {
				return nil, err
			}
			threshold := p.MemCapBytes / int64(p.FrontierWidth)
			added := streamingFootprint(n)
			if child.streamFootprint+added > threshold {
				childID, err := closeBlock(child)
				if err != nil {
					return nil, err
				}
				return &openBlock{
					nodes:           []*plan.Node{n},
					kind:            n.Kind,
					dependsOn:       []string{childID},
					streamFootprint: added,
				}, nil
			}
			child.nodes = append(child.nodes, n)
			child.kind = n.Kind
			child.streamFootprint += added
			return child, nil
		}

		// Pipeline-breaking, or a join merging two independent chains: every
		// child's block must be finalised before this node starts a new one.
		deps := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			childOpen, err := walk(c)
			if err != nil {
				return nil, err
			}
			childID, err := closeBlock(childOpen)
			if err != nil {
				return nil, err
			}
			deps = append(deps, childID)
		}
		ob := &openBlock{nodes: []*plan.Node{n}, kind: n.Kind, dependsOn: deps}
		if breaking {
			ob.anchorFootprint = materializedFootprint(n)
		} else {
			ob.streamFootprint = streamingFootprint(n)
		}
		return ob, nil
	}

	final, err := walk(root)
	if err != nil {
		return nil, err
	}
	if _, err := closeBlock(final); err != nil {
		return nil, err
	}

	order, err := synthesize(blocks)
	if err != nil {
		return nil, err
	}
	return &Schedule{Blocks: blocks, Order: order}, nil
}

// materializedFootprint estimates the resident size of a pipeline-breaking
// node's own state, before it starts spilling: the group table for
// Aggregate, the run buffer for Sort, the build table for Join, one batch
// for a Sink flush.
func materializedFootprint(n *plan.Node) int64 {
	switch n.Kind {
	case plan.Join:
		return int64(n.EstBuildBytes)
	case plan.Sort, plan.Aggregate:
		return int64(n.EstRows * n.EstRowBytes)
	case plan.Sink:
		return int64(n.EstRowBytes) * nominalBatchRows
	default:
		return 0
	}
}

// streamingFootprint estimates the per-batch working set of a pipeline-
// preserving node: it never materializes its full input, only whatever the
// scheduler's nominal batch size holds in flight.
func streamingFootprint(n *plan.Node) int64 {
	return int64(n.EstRowBytes) * nominalBatchRows
}

func newBlockID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// readyItem is a topologically-ready block awaiting selection, ordered so
// the block whose completion frees the most frontier capacity goes first
// (approximated by its number of direct dependents), ties broken by
// smallest estimated footprint.
type readyItem struct {
	block     *Block
	unlocks   int
}

type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].unlocks != h[j].unlocks {
		return h[i].unlocks > h[j].unlocks
	}
	return h[i].block.EstFootprintBytes < h[j].block.EstFootprintBytes
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*readyItem)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// synthesize produces a topological order over blocks using the
// most-frontier-freed-first priority rule, via a container/heap ready
// queue. It errors if the dependency graph is not a DAG, which would
// indicate a defect in the decomposition walk above rather than anything
// a caller can fix.
func synthesize(blocks []*Block) ([]string, error) {
	byID := make(map[string]*Block, len(blocks))
	indegree := make(map[string]int, len(blocks))
	dependents := make(map[string][]string, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
		indegree[b.ID] = len(b.DependsOn)
		for _, d := range b.DependsOn {
			dependents[d] = append(dependents[d], b.ID)
		}
	}

	h := &readyHeap{}
	for _, b := range blocks {
		if indegree[b.ID] == 0 {
			heap.Push(h, &readyItem{block: b, unlocks: len(dependents[b.ID])})
		}
	}

	order := make([]string, 0, len(blocks))
	for h.Len() > 0 {
		it := heap.Pop(h).(*readyItem)
		order = append(order, it.block.ID)
		for _, depID := range dependents[it.block.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				heap.Push(h, &readyItem{block: byID[depID], unlocks: len(dependents[depID])})
			}
		}
	}

	if len(order) != len(blocks) {
		return nil, emerr.New(emerr.Internal, "scheduler.synthesize", errors.New("block dependency graph is not acyclic"))
	}
	return order, nil
}
