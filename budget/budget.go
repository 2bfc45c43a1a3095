// Package budget implements the process-wide memory accountant: a single
// atomic counter issuing scoped byte reservations and refusing, never
// blocking, when the cap would be exceeded.
package budget

import (
	"sync/atomic"

	"github.com/emsqrt-project/emsqrt/emerr"
)

// Budget is the single process-global allocation accountant. The zero value
// is not usable; construct with New.
type Budget struct {
	capBytes  int64
	usedBytes atomic.Int64
	peakBytes atomic.Int64
}

// New constructs a Budget with the given hard cap.
func New(capBytes int64) *Budget {
	return &Budget{capBytes: capBytes}
}

// Cap returns the configured hard ceiling.
func (b *Budget) Cap() int64 { return b.capBytes }

// Used returns the currently outstanding reservation total.
func (b *Budget) Used() int64 { return b.usedBytes.Load() }

// Peak returns the high-water mark of Used observed since construction.
func (b *Budget) Peak() int64 { return b.peakBytes.Load() }

// TryAcquire attempts to reserve n bytes tagged with the caller's label for
// diagnostics. It never blocks: it either succeeds immediately or refuses.
// The tag is retained on the Reservation purely for leak attribution, never
// consulted for correctness.
func (b *Budget) TryAcquire(n int64, tag string) (*Reservation, bool) {
	if n < 0 {
		panic("budget: negative reservation size")
	}
	for {
		used := b.usedBytes.Load()
		next := used + n
		if next > b.capBytes {
			return nil, false
		}
		if b.usedBytes.CompareAndSwap(used, next) {
			b.bumpPeak(next)
			return &Reservation{budget: b, bytes: n, tag: tag}, true
		}
	}
}

func (b *Budget) bumpPeak(candidate int64) {
	for {
		peak := b.peakBytes.Load()
		if candidate <= peak {
			return
		}
		if b.peakBytes.CompareAndSwap(peak, candidate) {
			return
		}
	}
}

func (b *Budget) release(n int64) {
	for {
		used := b.usedBytes.Load()
		next := used - n
		if next < 0 {
			// Over-release is a defect: the reservation discipline guarantees
			// this branch is unreachable in correct callers.
			panic(emerr.Newf(emerr.Internal, "budget.release", "released %d bytes with only %d used", n, used))
		}
		if b.usedBytes.CompareAndSwap(used, next) {
			return
		}
	}
}

// Reservation is a scoped claim on N bytes of the budget. Its lifetime is
// tied to a single owner; Release must be called exactly once on every exit
// path, including error paths. A Reservation obtained from TryAcquire is
// itself the only handle capable of releasing those bytes, so accidental
// double-release is a programmer error rather than a race.
type Reservation struct {
	budget   *Budget
	bytes    int64
	tag      string
	released atomic.Bool
}

// Bytes reports the size of this reservation.
func (r *Reservation) Bytes() int64 { return r.bytes }

// Tag reports the diagnostic label this reservation was acquired under.
func (r *Reservation) Tag() string { return r.tag }

// Release returns the reserved bytes to the budget. Calling Release more
// than once panics with an Internal error: double-release is always a
// defect, never a recoverable condition.
func (r *Reservation) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(emerr.Newf(emerr.Internal, "reservation.Release", "double-release of reservation tagged %q (%d bytes)", r.tag, r.bytes))
	}
	r.budget.release(r.bytes)
}
