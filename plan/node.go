// Package plan implements the physical plan: a tree of operator nodes with
// bottom-up cardinality/row-size estimates and a single sink, immutable
// once produced by the planner collaborator.
package plan

import "github.com/emsqrt-project/emsqrt/batch"

// Kind discriminates the closed set of physical operator variants. It is
// implemented as a single struct with a Kind tag (rather than eight
// distinct Go types implementing a common interface) because the set is
// fixed and small, which keeps the block-boundary walk in package
// scheduler a single flat switch instead of a type-switch across eight
// concrete types.
type Kind int

const (
	Scan Kind = iota
	Filter
	Project
	Map
	Sort
	Aggregate
	Join
	Sink
)

func (k Kind) String() string {
	switch k {
	case Scan:
		return "Scan"
	case Filter:
		return "Filter"
	case Project:
		return "Project"
	case Map:
		return "Map"
	case Sort:
		return "Sort"
	case Aggregate:
		return "Aggregate"
	case Join:
		return "Join"
	case Sink:
		return "Sink"
	default:
		return "Unknown"
	}
}

// PipelineBreaking reports whether this node kind forces a scheduler block
// boundary: Sort, Aggregate, Join (build side) and Sink flush all
// materialise state that can't be fused into a streaming pipeline.
func (k Kind) PipelineBreaking() bool {
	switch k {
	case Sort, Aggregate, Join, Sink:
		return true
	default:
		return false
	}
}

type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
	RightOuterJoin
)

func (k JoinKind) String() string {
	switch k {
	case InnerJoin:
		return "Inner"
	case LeftOuterJoin:
		return "LeftOuter"
	case RightOuterJoin:
		return "RightOuter"
	default:
		return "Unknown"
	}
}

type SortKey struct {
	Column     string
	Descending bool
}

type AggFunc int

const (
	AggSum AggFunc = iota
	AggCount
	AggCountStar
	AggAvg
	AggMin
	AggMax
)

func (f AggFunc) String() string {
	switch f {
	case AggSum:
		return "SUM"
	case AggCount:
		return "COUNT"
	case AggCountStar:
		return "COUNT_STAR"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "UNKNOWN"
	}
}

type AggExpr struct {
	Func   AggFunc
	Column string // ignored for COUNT_STAR
	As     string
}

type JoinKeyPair struct {
	Left  string
	Right string
}

// Node is one physical plan node. Only the fields relevant to Kind are
// populated; the rest are zero. This mirrors a closed-sum-type plus a
// small dispatch layer.
type Node struct {
	Kind     Kind
	Children []*Node
	Schema   batch.Schema

	// Bottom-up size estimates, computed by NewXxx constructors.
	EstRows       uint64
	EstRowBytes   uint64
	EstBuildBytes uint64 // Join only: size of the smaller (build) side

	// Scan
	SourceURI string

	// Filter
	Pred *Predicate

	// Project
	ProjectColumns []string

	// Map
	Renames map[string]string

	// Sort
	SortKeys []SortKey

	// Aggregate
	GroupKeys []string
	Aggs      []AggExpr

	// Join
	JoinKeys []JoinKeyPair
	JoinKind JoinKind
	// SortedInputs is set by the planner when both join inputs are already
	// key-sorted, selecting merge join over the Grace hash join default.
	SortedInputs bool

	// Sink
	Destination string
	Format      string
}

// Walk visits every node in the plan tree in post-order (children first),
// the order the TE scheduler needs for bottom-up block decomposition.
func (n *Node) Walk(visit func(*Node)) {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		c.Walk(visit)
	}
	visit(n)
}
