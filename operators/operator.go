// Package operators implements a uniform pull contract over
// Open/Next/Close, with streaming Filter/Project/Map and spill-aware
// external Sort, Grace hash Aggregate, and hash/merge Join.
package operators

import (
	"context"
	"strconv"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/segment"
)

// Operator is the uniform pull contract every operator in this engine
// presents. Next returns (nil, nil) at end of stream. Between Open and
// Close, successive Next calls are monotone-forward: an operator never
// rewinds. Operators are single-threaded within a block: no method is
// safe to call concurrently with another call on the same Operator.
type Operator interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (*batch.Batch, error)
	Close() error
}

// Env bundles the resources every spill-capable operator needs: the shared
// budget, the block's segment store, its scheduled fan-in (for the 1/K
// batch-size ceiling) and a batch-size hint from the scheduler.
type Env struct {
	Budget        *budget.Budget
	Store         *segment.Store
	FanIn         int
	BatchSizeHint int64
	// SegmentPrefix roots this operator's own segment ids, e.g.
	// "{run_id}/{block_id}/sort" under the spill directory.
	SegmentPrefix string
}

func (e Env) SegmentID(name string, n int) string {
	return e.SegmentPrefix + "-" + name + "-" + strconv.Itoa(n)
}

// ErrBudgetRefused is returned when a non-spilling operator's single
// in-flight batch can't be acquired from the budget. Streaming operators
// (Filter/Project/Map) have no spill path to fall back to: a refusal here
// means the scheduler under-sized this block, which is a Budget-kind
// defect rather than ordinary backpressure.
func ErrBudgetRefused(tag string) error {
	return emerr.Newf(emerr.Budget, "operators", "budget refused reservation for %q", tag)
}
