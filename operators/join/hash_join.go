// Package join implements Join: a Grace hash join that partitions both
// inputs and recursively re-partitions any pair whose build side still
// doesn't fit memory, and a merge join for inputs the planner already
// knows are key-sorted.
package join

import (
	"context"
	"strconv"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/operators"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/segment"
)

const (
	hjDefaultPartitions   = 8
	maxHJRepartitionDepth = 4
	hjGrowthStepBytes     = 64 << 10
	hjBytesPerRowGuess    = 128
)

type buildRow struct {
	vals    []batch.Value
	matched bool
}

// hjPartitionTask is one partition pair: the build-side segments (one per
// spill generation that routed rows here) and the probe-side segment that
// share a partition index, so every key routed to one is guaranteed to be
// routed to the other.
type hjPartitionTask struct {
	buildSegs []segment.Segment
	probeSeg  segment.Segment
	depth     int
}

// HashJoin splits its inputs into a build side and a probe side, with a
// Grace spill-and-restart on the build side: a naive hash join assumes the
// build side always fits in memory, which this engine can't assume once a
// block's budget is exceeded.
type HashJoin struct {
	Build, Probe             operators.Operator
	BuildKeys, ProbeKeys     []string
	BuildSchema, ProbeSchema batch.Schema
	Kind                     plan.JoinKind
	BuildIsLeft              bool
	Env                      operators.Env
	Tag                      string

	OutSchema batch.Schema

	buildKeyIdx, probeKeyIdx []int
	preserveBuild            bool
	preserveProbe            bool

	materialized bool
	spilled      bool

	buildTable map[string][]*buildRow
	unmatched  [][]batch.Value
	drainIdx   int
	probeDone  bool

	pending     []hjPartitionTask
	currentRows [][]batch.Value
	currentPos  int
	partGen     int

	outBuf [][]batch.Value
}

func NewHashJoin(build, probe operators.Operator, buildKeys, probeKeys []string, buildSchema, probeSchema batch.Schema, kind plan.JoinKind, buildIsLeft bool, env operators.Env, tag string) (*HashJoin, error) {
	buildIdx := make([]int, len(buildKeys))
	for i, k := range buildKeys {
		idx, ok := buildSchema.IndexOf(k)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "join.NewHashJoin", "unknown build key column %q", k)
		}
		buildIdx[i] = idx
	}
	probeIdx := make([]int, len(probeKeys))
	for i, k := range probeKeys {
		idx, ok := probeSchema.IndexOf(k)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "join.NewHashJoin", "unknown probe key column %q", k)
		}
		probeIdx[i] = idx
	}

	var outFields []batch.Field
	if buildIsLeft {
		outFields = append(append([]batch.Field{}, buildSchema.Fields...), probeSchema.Fields...)
	} else {
		outFields = append(append([]batch.Field{}, probeSchema.Fields...), buildSchema.Fields...)
	}
	outSchema, err := batch.NewSchema(outFields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "join.NewHashJoin", err)
	}

	preserveBuild := (kind == plan.LeftOuterJoin && buildIsLeft) || (kind == plan.RightOuterJoin && !buildIsLeft)
	preserveProbe := (kind == plan.LeftOuterJoin && !buildIsLeft) || (kind == plan.RightOuterJoin && buildIsLeft)

	return &HashJoin{
		Build: build, Probe: probe, BuildKeys: buildKeys, ProbeKeys: probeKeys,
		BuildSchema: buildSchema, ProbeSchema: probeSchema, Kind: kind, BuildIsLeft: buildIsLeft,
		Env: env, Tag: tag, OutSchema: outSchema,
		buildKeyIdx: buildIdx, probeKeyIdx: probeIdx,
		preserveBuild: preserveBuild, preserveProbe: preserveProbe,
	}, nil
}

func (j *HashJoin) Open(ctx context.Context) error {
	if err := j.Build.Open(ctx); err != nil {
		return err
	}
	return j.Probe.Open(ctx)
}

func (j *HashJoin) combine(buildVals, probeVals []batch.Value) []batch.Value {
	if buildVals == nil {
		buildVals = nullRow(j.BuildSchema)
	}
	if probeVals == nil {
		probeVals = nullRow(j.ProbeSchema)
	}
	out := make([]batch.Value, 0, len(buildVals)+len(probeVals))
	if j.BuildIsLeft {
		out = append(out, buildVals...)
		out = append(out, probeVals...)
	} else {
		out = append(out, probeVals...)
		out = append(out, buildVals...)
	}
	return out
}

func nullRow(schema batch.Schema) []batch.Value {
	row := make([]batch.Value, len(schema.Fields))
	for i, f := range schema.Fields {
		row[i] = batch.NewNull(f.Kind)
	}
	return row
}

func keyOf(row []batch.Value, idx []int) []batch.Value {
	key := make([]batch.Value, len(idx))
	for i, c := range idx {
		key[i] = row[c]
	}
	return key
}

// materialize runs the build phase: drain Build into an in-memory hash
// table, growing a tracked reservation in steps, and spilling to partitions
// (Grace restart) if the table's estimated footprint outgrows the budget.
func (j *HashJoin) materialize(ctx context.Context) error {
	numParts := j.Env.FanIn
	if numParts <= 1 {
		numParts = hjDefaultPartitions
	}

	table := make(map[string][]*buildRow)
	var reservations []*budget.Reservation
	first, ok := j.Env.Budget.TryAcquire(hjGrowthStepBytes, j.Tag)
	if !ok {
		return operators.ErrBudgetRefused(j.Tag)
	}
	reservations = append(reservations, first)
	rowCount := 0

	// buildPartitionSegs[i] accumulates every sealed segment routed to
	// partition i across however many spill generations materialize
	// needed; each flush seals its own generation's writers immediately
	// so no segment is ever left open across a writers-slice reset.
	buildPartitionSegs := make([][]segment.Segment, numParts)

	releaseAll := func() {
		for _, r := range reservations {
			r.Release()
		}
		reservations = nil
	}

	flush := func() error {
		writers := make([]*segment.Writer, numParts)
		for _, rows := range table {
			for _, br := range rows {
				part := int(operators.HashKeyValues(keyOf(br.vals, j.buildKeyIdx)) % uint64(numParts))
				if writers[part] == nil {
					id := j.Env.SegmentID("hj-build-p"+strconv.Itoa(j.partGen), part)
					w, err := j.Env.Store.OpenWriter(id, j.BuildSchema)
					if err != nil {
						return err
					}
					writers[part] = w
				}
				if err := appendRow(writers[part], j.BuildSchema, br.vals, j.Env.Budget, j.Tag); err != nil {
					return err
				}
			}
		}
		for i, w := range writers {
			if w == nil {
				continue
			}
			seg, err := w.Seal()
			if err != nil {
				return err
			}
			buildPartitionSegs[i] = append(buildPartitionSegs[i], seg)
		}
		table = make(map[string][]*buildRow)
		rowCount = 0
		releaseAll()
		j.spilled = true
		j.partGen++
		return nil
	}

	ensureCapacity := func() error {
		needed := int64(rowCount+1) * hjBytesPerRowGuess
		if needed <= int64(len(reservations))*hjGrowthStepBytes {
			return nil
		}
		more, ok := j.Env.Budget.TryAcquire(hjGrowthStepBytes, j.Tag)
		if ok {
			reservations = append(reservations, more)
			return nil
		}
		if err := flush(); err != nil {
			return err
		}
		first, ok := j.Env.Budget.TryAcquire(hjGrowthStepBytes, j.Tag)
		if !ok {
			return operators.ErrBudgetRefused(j.Tag)
		}
		reservations = append(reservations, first)
		return nil
	}

	for {
		in, err := j.Build.Next(ctx)
		if err != nil {
			releaseAll()
			return err
		}
		if in == nil {
			break
		}
		n := int(in.NumRows())
		for row := 0; row < n; row++ {
			if err := ensureCapacity(); err != nil {
				in.Release()
				return err
			}
			vals := in.Row(row)
			ks := operators.GroupKeyString(keyOf(vals, j.buildKeyIdx))
			table[ks] = append(table[ks], &buildRow{vals: vals})
			rowCount++
		}
		in.Release()
	}

	if !j.spilled {
		j.buildTable = table
		releaseAll()
		return nil
	}

	if rowCount > 0 {
		if err := flush(); err != nil {
			return err
		}
	}

	probeSegs, err := j.partitionProbe(ctx, j.Probe, j.ProbeSchema, j.probeKeyIdx, numParts, j.partGen)
	if err != nil {
		return err
	}
	j.partGen++

	for i := 0; i < numParts; i++ {
		if len(buildPartitionSegs[i]) == 0 && probeSegs[i].Path == "" {
			continue
		}
		j.pending = append(j.pending, hjPartitionTask{buildSegs: buildPartitionSegs[i], probeSeg: probeSegs[i], depth: 0})
	}
	return nil
}

// partitionProbe fully drains an operator, writing every row into one of
// numParts segments keyed by the same hash used on the build side, so
// matching keys land in the same partition index on both sides.
func (j *HashJoin) partitionProbe(ctx context.Context, op operators.Operator, schema batch.Schema, keyIdx []int, numParts int, gen int) ([]segment.Segment, error) {
	writers := make([]*segment.Writer, numParts)
	for {
		in, err := op.Next(ctx)
		if err != nil {
			return nil, err
		}
		if in == nil {
			break
		}
		n := int(in.NumRows())
		for row := 0; row < n; row++ {
			vals := in.Row(row)
			part := int(operators.HashKeyValues(keyOf(vals, keyIdx)) % uint64(numParts))
			if writers[part] == nil {
				id := j.Env.SegmentID("hj-probe-p"+strconv.Itoa(gen), part)
				w, err := j.Env.Store.OpenWriter(id, schema)
				if err != nil {
					in.Release()
					return nil, err
				}
				writers[part] = w
			}
			if err := appendRow(writers[part], schema, vals, j.Env.Budget, j.Tag); err != nil {
				in.Release()
				return nil, err
			}
		}
		in.Release()
	}
	return sealWriters(writers)
}

func sealWriters(writers []*segment.Writer) ([]segment.Segment, error) {
	segs := make([]segment.Segment, len(writers))
	for i, w := range writers {
		if w == nil {
			continue
		}
		seg, err := w.Seal()
		if err != nil {
			return nil, err
		}
		segs[i] = seg
	}
	return segs, nil
}

func appendRow(w *segment.Writer, schema batch.Schema, row []batch.Value, b *budget.Budget, tag string) error {
	bld := batch.NewBuilder(schema)
	bld.AppendRow(row)
	bat, ok, err := bld.Finish(b, tag)
	if err != nil {
		return err
	}
	if !ok {
		return operators.ErrBudgetRefused(tag)
	}
	err = w.Append(bat)
	bat.Release()
	return err
}

func (j *HashJoin) Next(ctx context.Context) (*batch.Batch, error) {
	if !j.materialized {
		if err := j.materialize(ctx); err != nil {
			return nil, err
		}
		j.materialized = true
	}
	if !j.spilled {
		return j.nextNoSpill(ctx)
	}
	return j.nextSpilled(ctx)
}

func (j *HashJoin) nextNoSpill(ctx context.Context) (*batch.Batch, error) {
	for {
		if len(j.outBuf) > 0 {
			return j.flushOutBuf()
		}
		if j.probeDone {
			if j.preserveBuild && j.drainIdx < len(j.unmatched) {
				return j.flushUnmatched()
			}
			return nil, nil
		}

		in, err := j.Probe.Next(ctx)
		if err != nil {
			return nil, err
		}
		if in == nil {
			j.probeDone = true
			if j.preserveBuild {
				j.collectUnmatched()
			}
			continue
		}
		n := int(in.NumRows())
		for row := 0; row < n; row++ {
			probeVals := in.Row(row)
			ks := operators.GroupKeyString(keyOf(probeVals, j.probeKeyIdx))
			matches := j.buildTable[ks]
			if len(matches) == 0 {
				if j.preserveProbe {
					j.outBuf = append(j.outBuf, j.combine(nil, probeVals))
				}
				continue
			}
			for _, br := range matches {
				br.matched = true
				j.outBuf = append(j.outBuf, j.combine(br.vals, probeVals))
			}
		}
		in.Release()
	}
}

func (j *HashJoin) collectUnmatched() {
	for _, rows := range j.buildTable {
		for _, br := range rows {
			if !br.matched {
				j.unmatched = append(j.unmatched, br.vals)
			}
		}
	}
}

func (j *HashJoin) flushUnmatched() (*batch.Batch, error) {
	rowsPer := operators.RowsPerBatch(j.OutSchema, j.Env.BatchSizeHint)
	bld := batch.NewBuilder(j.OutSchema)
	for j.drainIdx < len(j.unmatched) {
		bld.AppendRow(j.combine(j.unmatched[j.drainIdx], nil))
		j.drainIdx++
		if int64(bld.NumRows()) >= rowsPer {
			break
		}
	}
	return operators.FinishOrRefuse(bld, j.Env.Budget, j.Tag)
}

func (j *HashJoin) flushOutBuf() (*batch.Batch, error) {
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

func (j *HashJoin) nextSpilled(ctx context.Context) (*batch.Batch, error) {
	for {
		if j.currentPos < len(j.currentRows) {
			return j.nextFromCurrent()
		}
		if len(j.pending) == 0 {
			return nil, nil
		}
		task := j.pending[0]
		j.pending = j.pending[1:]
		if err := j.processPartitionPair(ctx, task); err != nil {
			return nil, err
		}
	}
}

func (j *HashJoin) nextFromCurrent() (*batch.Batch, error) {
	rowsPer := operators.RowsPerBatch(j.OutSchema, j.Env.BatchSizeHint)
	bld := batch.NewBuilder(j.OutSchema)
	for j.currentPos < len(j.currentRows) {
		bld.AppendRow(j.currentRows[j.currentPos])
		j.currentPos++
		if int64(bld.NumRows()) >= rowsPer {
			break
		}
	}
	return operators.FinishOrRefuse(bld, j.Env.Budget, j.Tag)
}

// processPartitionPair builds an in-memory table from one build partition
// and streams the matching probe partition against it. If the build
// partition itself overflows the budget, both sides are re-partitioned
// and requeued at depth+1.
func (j *HashJoin) processPartitionPair(ctx context.Context, task hjPartitionTask) error {
	numParts := j.Env.FanIn
	if numParts <= 1 {
		numParts = hjDefaultPartitions
	}

	table := make(map[string][]*buildRow)
	var reservations []*budget.Reservation
	first, ok := j.Env.Budget.TryAcquire(hjGrowthStepBytes, j.Tag)
	if !ok {
		return operators.ErrBudgetRefused(j.Tag)
	}
	reservations = append(reservations, first)
	rowCount := 0
	overflowed := false

	// buildPartitionSegs[i] accumulates every sealed segment routed to
	// sub-partition i across however many re-partitioning rounds this
	// pair needed; see materialize's buildPartitionSegs for why each
	// flush must seal immediately instead of resetting a shared slice.
	buildPartitionSegs := make([][]segment.Segment, numParts)
	gen := j.partGen
	j.partGen++

	spillCurrent := func() error {
		if task.depth+1 > maxHJRepartitionDepth {
			return emerr.Newf(emerr.Budget, "join.HashJoin", "join key skew exceeds max repartition depth %d", maxHJRepartitionDepth)
		}
		writers := make([]*segment.Writer, numParts)
		for _, rows := range table {
			for _, br := range rows {
				part := int((operators.HashKeyValues(keyOf(br.vals, j.buildKeyIdx)) >> 1) % uint64(numParts))
				if writers[part] == nil {
					id := j.Env.SegmentID("hj-build-p"+strconv.Itoa(gen)+"-d"+strconv.Itoa(task.depth+1), part)
					w, err := j.Env.Store.OpenWriter(id, j.BuildSchema)
					if err != nil {
						return err
					}
					writers[part] = w
				}
				if err := appendRow(writers[part], j.BuildSchema, br.vals, j.Env.Budget, j.Tag); err != nil {
					return err
				}
			}
		}
		for i, w := range writers {
			if w == nil {
				continue
			}
			seg, err := w.Seal()
			if err != nil {
				return err
			}
			buildPartitionSegs[i] = append(buildPartitionSegs[i], seg)
		}
		table = make(map[string][]*buildRow)
		rowCount = 0
		for _, r := range reservations {
			r.Release()
		}
		reservations = nil
		overflowed = true
		return nil
	}

	for _, seg := range task.buildSegs {
		if seg.Path == "" {
			continue
		}
		r, err := j.Env.Store.OpenReader(seg)
		if err != nil {
			return err
		}
		for {
			bat, err := r.Next(j.Env.Budget, j.Tag)
			if err != nil {
				r.Close()
				return err
			}
			if bat == nil {
				break
			}
			n := int(bat.NumRows())
			for row := 0; row < n; row++ {
				needed := int64(rowCount+1) * hjBytesPerRowGuess
				if needed > int64(len(reservations))*hjGrowthStepBytes && !overflowed {
					more, ok := j.Env.Budget.TryAcquire(hjGrowthStepBytes, j.Tag)
					if ok {
						reservations = append(reservations, more)
					} else if err := spillCurrent(); err != nil {
						bat.Release()
						r.Close()
						return err
					}
				}
				vals := bat.Row(row)
				ks := operators.GroupKeyString(keyOf(vals, j.buildKeyIdx))
				table[ks] = append(table[ks], &buildRow{vals: vals})
				rowCount++
			}
			bat.Release()
		}
		r.Close()
		if err := j.Env.Store.Unlink(seg); err != nil {
			return err
		}
	}

	if overflowed {
		if rowCount > 0 {
			if err := spillCurrent(); err != nil {
				return err
			}
		}
		probeSegs, err := j.repartitionProbeSegment(ctx, task.probeSeg, numParts, gen, task.depth+1)
		if err != nil {
			return err
		}
		if task.probeSeg.Path != "" {
			if err := j.Env.Store.Unlink(task.probeSeg); err != nil {
				return err
			}
		}
		for i := 0; i < numParts; i++ {
			if len(buildPartitionSegs[i]) == 0 && probeSegs[i].Path == "" {
				continue
			}
			j.pending = append(j.pending, hjPartitionTask{buildSegs: buildPartitionSegs[i], probeSeg: probeSegs[i], depth: task.depth + 1})
		}
		for _, r := range reservations {
			r.Release()
		}
		return nil
	}
	for _, r := range reservations {
		r.Release()
	}

	var unmatched [][]batch.Value
	var rows [][]batch.Value
	if task.probeSeg.Path != "" {
		r, err := j.Env.Store.OpenReader(task.probeSeg)
		if err != nil {
			return err
		}
		for {
			bat, err := r.Next(j.Env.Budget, j.Tag)
			if err != nil {
				r.Close()
				return err
			}
			if bat == nil {
				break
			}
			n := int(bat.NumRows())
			for row := 0; row < n; row++ {
				probeVals := bat.Row(row)
				ks := operators.GroupKeyString(keyOf(probeVals, j.probeKeyIdx))
				matches := table[ks]
				if len(matches) == 0 {
					if j.preserveProbe {
						rows = append(rows, j.combine(nil, probeVals))
					}
					continue
				}
				for _, br := range matches {
					br.matched = true
					rows = append(rows, j.combine(br.vals, probeVals))
				}
			}
			bat.Release()
		}
		r.Close()
		if err := j.Env.Store.Unlink(task.probeSeg); err != nil {
			return err
		}
	}
	if j.preserveBuild {
		for _, rowsForKey := range table {
			for _, br := range rowsForKey {
				if !br.matched {
					unmatched = append(unmatched, br.vals)
				}
			}
		}
		for _, u := range unmatched {
			rows = append(rows, j.combine(u, nil))
		}
	}

	j.currentRows = rows
	j.currentPos = 0
	return nil
}

// repartitionProbeSegment re-reads a single probe partition's segment and
// re-hashes each row into numParts sub-partitions at the next depth,
// matching the build side's re-partitioning in spillCurrent. The segment
// itself is not unlinked here: the caller already owns that lifecycle.
func (j *HashJoin) repartitionProbeSegment(ctx context.Context, seg segment.Segment, numParts int, gen, depth int) ([]segment.Segment, error) {
	writers := make([]*segment.Writer, numParts)
	if seg.Path != "" {
		r, err := j.Env.Store.OpenReader(seg)
		if err != nil {
			return nil, err
		}
		for {
			bat, err := r.Next(j.Env.Budget, j.Tag)
			if err != nil {
				r.Close()
				return nil, err
			}
			if bat == nil {
				break
			}
			n := int(bat.NumRows())
			for row := 0; row < n; row++ {
				vals := bat.Row(row)
				part := int((operators.HashKeyValues(keyOf(vals, j.probeKeyIdx)) >> 1) % uint64(numParts))
				if writers[part] == nil {
					id := j.Env.SegmentID("hj-probe-p"+strconv.Itoa(gen)+"-d"+strconv.Itoa(depth), part)
					w, err := j.Env.Store.OpenWriter(id, j.ProbeSchema)
					if err != nil {
						r.Close()
						return nil, err
					}
					writers[part] = w
				}
				if err := appendRow(writers[part], j.ProbeSchema, vals, j.Env.Budget, j.Tag); err != nil {
					r.Close()
					return nil, err
				}
			}
			bat.Release()
		}
		r.Close()
	}
	return sealWriters(writers)
}

func (j *HashJoin) Close() error {
	errB := j.Build.Close()
	errP := j.Probe.Close()
	if errB != nil {
		return errB
	}
	return errP
}
