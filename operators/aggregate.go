package operators

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/segment"
)

const (
	aggDefaultPartitions   = 8
	maxAggRepartitionDepth = 4
	aggGrowthStepBytes     = 64 << 10
	aggBytesPerGroupGuess  = 96
)

// Aggregate is a Grace hash aggregate: an in-memory hash table of partial
// accumulators per group, which spills to N partitions of partial-result
// rows and restarts once the table's estimated footprint exceeds what the
// budget will grant. It uses a key-hasher/accumulator split, generalised
// to spill-and-restart when memory runs out rather than assume unbounded
// growth. Partitions whose own merge pass overflows are recursively
// re-partitioned, bounded by maxAggRepartitionDepth; a single group that
// still doesn't fit at that depth (pathological key skew) fails with a
// Budget error.
type Aggregate struct {
	Child       Operator
	GroupKeys   []string
	Aggs        []plan.AggExpr
	ChildSchema batch.Schema
	OutSchema   batch.Schema
	Env         Env
	Tag         string

	groupIdx    []int
	partialCols []partialColSpec
	finalKind   []batch.Kind

	materialized bool
	spilled      bool

	noSpillRows [][]batch.Value
	noSpillPos  int

	pending     []aggPartitionTask
	currentRows [][]batch.Value
	currentPos  int
	partGen     int
}

type partialColSpec struct {
	aggIndex int
	kind     string // "count", "sum", "min", "max", "avgsum", "avgcnt"
	outKind  batch.Kind
}

type aggPartitionTask struct {
	segs  []segment.Segment
	depth int
}

func NewAggregate(child Operator, groupKeys []string, aggs []plan.AggExpr, childSchema batch.Schema, env Env, tag string) (*Aggregate, error) {
	groupIdx := make([]int, len(groupKeys))
	outFields := make([]batch.Field, 0, len(groupKeys)+len(aggs))
	for i, k := range groupKeys {
		idx, ok := childSchema.IndexOf(k)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "operators.NewAggregate", "unknown group-by column %q", k)
		}
		groupIdx[i] = idx
		outFields = append(outFields, childSchema.Fields[idx])
	}

	var partialCols []partialColSpec
	finalKind := make([]batch.Kind, len(aggs))
	for ai, a := range aggs {
		srcKind := batch.Int64
		if a.Func != plan.AggCountStar {
			idx, ok := childSchema.IndexOf(a.Column)
			if !ok {
				return nil, emerr.Newf(emerr.Config, "operators.NewAggregate", "unknown aggregate column %q", a.Column)
			}
			srcKind = childSchema.Fields[idx].Kind
		}
		switch a.Func {
		case plan.AggCountStar, plan.AggCount:
			finalKind[ai] = batch.Int64
			outFields = append(outFields, batch.Field{Name: a.As, Kind: batch.Int64})
			partialCols = append(partialCols, partialColSpec{ai, "count", batch.Int64})
		case plan.AggSum:
			outKind := batch.Int64
			if srcKind == batch.Float64 {
				outKind = batch.Float64
			}
			finalKind[ai] = outKind
			outFields = append(outFields, batch.Field{Name: a.As, Kind: outKind})
			partialCols = append(partialCols, partialColSpec{ai, "sum", outKind})
		case plan.AggAvg:
			finalKind[ai] = batch.Float64
			outFields = append(outFields, batch.Field{Name: a.As, Kind: batch.Float64, Nullable: true})
			partialCols = append(partialCols, partialColSpec{ai, "avgsum", batch.Float64})
			partialCols = append(partialCols, partialColSpec{ai, "avgcnt", batch.Int64})
		case plan.AggMin:
			finalKind[ai] = srcKind
			outFields = append(outFields, batch.Field{Name: a.As, Kind: srcKind, Nullable: true})
			partialCols = append(partialCols, partialColSpec{ai, "min", srcKind})
		case plan.AggMax:
			finalKind[ai] = srcKind
			outFields = append(outFields, batch.Field{Name: a.As, Kind: srcKind, Nullable: true})
			partialCols = append(partialCols, partialColSpec{ai, "max", srcKind})
		default:
			return nil, emerr.Newf(emerr.Config, "operators.NewAggregate", "unsupported aggregate function %v", a.Func)
		}
	}

	outSchema, err := batch.NewSchema(outFields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "operators.NewAggregate", err)
	}

	return &Aggregate{
		Child: child, GroupKeys: groupKeys, Aggs: aggs, ChildSchema: childSchema,
		OutSchema: outSchema, Env: env, Tag: tag,
		groupIdx: groupIdx, partialCols: partialCols, finalKind: finalKind,
	}, nil
}

func (a *Aggregate) partialSchema() batch.Schema {
	fields := make([]batch.Field, 0, len(a.groupIdx)+len(a.partialCols))
	for _, idx := range a.groupIdx {
		fields = append(fields, a.ChildSchema.Fields[idx])
	}
	for i, pc := range a.partialCols {
		fields = append(fields, batch.Field{Name: "__p" + strconv.Itoa(i) + "_" + pc.kind, Kind: pc.outKind, Nullable: true})
	}
	schema, _ := batch.NewSchema(fields...)
	return schema
}

func (a *Aggregate) Open(ctx context.Context) error {
	return a.Child.Open(ctx)
}

// exprAccum accumulates one aggregate expression's running state for one
// group. AVG reuses the same sum/count fields SUM and COUNT would.
type exprAccum struct {
	count   int64
	sumF    float64
	sumI    int64
	isFloat bool
	min     batch.Value
	max     batch.Value
	have    bool
}

func (e *exprAccum) addRawValue(v batch.Value) {
	if v.Null {
		return
	}
	e.count++
	switch v.Kind {
	case batch.Float64:
		e.isFloat = true
		e.sumF += v.F64
	case batch.Int64:
		e.sumI += v.I64
	case batch.Int32:
		e.sumI += int64(v.I32)
	}
	if !e.have || v.Compare(e.min) < 0 {
		e.min = v
	}
	if !e.have || v.Compare(e.max) > 0 {
		e.max = v
	}
	e.have = true
}

type aggGroup struct {
	keyVals []batch.Value
	accs    []*exprAccum
}

func newAggGroup(keyVals []batch.Value, n int) *aggGroup {
	accs := make([]*exprAccum, n)
	for i := range accs {
		accs[i] = &exprAccum{}
	}
	return &aggGroup{keyVals: append([]batch.Value(nil), keyVals...), accs: accs}
}

func GroupKeyString(vals []batch.Value) string {
	var b strings.Builder
	for _, v := range vals {
		if v.Null {
			b.WriteString("\x00N\x01")
			continue
		}
		switch v.Kind {
		case batch.Int32:
			b.WriteString(strconv.FormatInt(int64(v.I32), 10))
		case batch.Int64:
			b.WriteString(strconv.FormatInt(v.I64, 10))
		case batch.Float64:
			b.WriteString(strconv.FormatFloat(v.F64, 'g', -1, 64))
		case batch.Bool:
			b.WriteString(strconv.FormatBool(v.B))
		case batch.Utf8:
			b.WriteString(v.Str)
		}
		b.WriteByte('\x01')
	}
	return b.String()
}

// HashKeyValues hashes a group key's column values with
// segmentio/fasthash's FNV-1a.
func HashKeyValues(vals []batch.Value) uint64 {
	h := fnv1a.Init64
	for _, v := range vals {
		if v.Null {
			h = fnv1a.AddUint64(h, 0)
			continue
		}
		switch v.Kind {
		case batch.Int32:
			h = fnv1a.AddUint64(h, uint64(v.I32))
		case batch.Int64:
			h = fnv1a.AddUint64(h, uint64(v.I64))
		case batch.Float64:
			h = fnv1a.AddUint64(h, math.Float64bits(v.F64))
		case batch.Bool:
			if v.B {
				h = fnv1a.AddUint64(h, 1)
			} else {
				h = fnv1a.AddUint64(h, 0)
			}
		case batch.Utf8:
			h = fnv1a.AddString64(h, v.Str)
		}
	}
	return h
}

func buildPartialRow(a *Aggregate, g *aggGroup) []batch.Value {
	row := make([]batch.Value, 0, len(a.groupIdx)+len(a.partialCols))
	row = append(row, g.keyVals...)
	for _, pc := range a.partialCols {
		e := g.accs[pc.aggIndex]
		switch pc.kind {
		case "count":
			row = append(row, batch.NewInt64(e.count))
		case "sum":
			if pc.outKind == batch.Float64 {
				row = append(row, batch.NewFloat64(e.sumF))
			} else {
				row = append(row, batch.NewInt64(e.sumI))
			}
		case "min":
			if !e.have {
				row = append(row, batch.NewNull(pc.outKind))
			} else {
				row = append(row, e.min)
			}
		case "max":
			if !e.have {
				row = append(row, batch.NewNull(pc.outKind))
			} else {
				row = append(row, e.max)
			}
		case "avgsum":
			if e.isFloat {
				row = append(row, batch.NewFloat64(e.sumF))
			} else {
				row = append(row, batch.NewFloat64(float64(e.sumI)))
			}
		case "avgcnt":
			row = append(row, batch.NewInt64(e.count))
		}
	}
	return row
}

// mergePartialRow folds one previously-spilled partial row back into g's
// in-memory accumulators.
func mergePartialRow(a *Aggregate, g *aggGroup, row []batch.Value) {
	base := len(a.groupIdx)
	for i, pc := range a.partialCols {
		val := row[base+i]
		e := g.accs[pc.aggIndex]
		switch pc.kind {
		case "count", "avgcnt":
			if !val.Null {
				e.count += val.I64
			}
		case "sum":
			if val.Null {
				continue
			}
			if val.Kind == batch.Float64 {
				e.isFloat = true
				e.sumF += val.F64
			} else {
				e.sumI += val.I64
			}
		case "avgsum":
			if !val.Null {
				e.isFloat = true
				e.sumF += val.F64
			}
		case "min":
			if !val.Null {
				if !e.have || val.Compare(e.min) < 0 {
					e.min = val
				}
				e.have = true
			}
		case "max":
			if !val.Null {
				if !e.have || val.Compare(e.max) > 0 {
					e.max = val
				}
				e.have = true
			}
		}
	}
}

func finalizeGroup(a *Aggregate, g *aggGroup) []batch.Value {
	row := make([]batch.Value, 0, len(g.keyVals)+len(a.Aggs))
	row = append(row, g.keyVals...)
	for ai, agg := range a.Aggs {
		e := g.accs[ai]
		switch agg.Func {
		case plan.AggCountStar, plan.AggCount:
			row = append(row, batch.NewInt64(e.count))
		case plan.AggSum:
			if a.finalKind[ai] == batch.Float64 {
				row = append(row, batch.NewFloat64(e.sumF))
			} else {
				row = append(row, batch.NewInt64(e.sumI))
			}
		case plan.AggAvg:
			if e.count == 0 {
				row = append(row, batch.NewNull(batch.Float64))
			} else {
				total := e.sumF
				if !e.isFloat {
					total = float64(e.sumI)
				}
				row = append(row, batch.NewFloat64(total/float64(e.count)))
			}
		case plan.AggMin:
			if !e.have {
				row = append(row, batch.NewNull(a.finalKind[ai]))
			} else {
				row = append(row, e.min)
			}
		case plan.AggMax:
			if !e.have {
				row = append(row, batch.NewNull(a.finalKind[ai]))
			} else {
				row = append(row, e.max)
			}
		}
	}
	return row
}

func (a *Aggregate) updateGroup(g *aggGroup, in *batch.Batch, row int) {
	for ai, agg := range a.Aggs {
		if agg.Func == plan.AggCountStar {
			g.accs[ai].count++
			continue
		}
		idx, _ := a.ChildSchema.IndexOf(agg.Column)
		g.accs[ai].addRawValue(in.ValueAt(idx, row))
	}
}

// materialize runs phase 1: drain the child into an in-memory group table,
// spilling to partitions of partial rows once the table's estimated
// footprint exceeds what the budget grants.
func (a *Aggregate) materialize(ctx context.Context) error {
	numParts := a.Env.FanIn
	if numParts <= 1 {
		numParts = aggDefaultPartitions
	}

	groups := make(map[string]*aggGroup)
	var reservations []*budget.Reservation
	first, ok := a.Env.Budget.TryAcquire(aggGrowthStepBytes, a.Tag)
	if !ok {
		return ErrBudgetRefused(a.Tag)
	}
	reservations = append(reservations, first)

	// partitionSegs[i] accumulates every sealed segment routed to partition i
	// across however many spill generations materialize needed; each flush
	// seals its own generation's writers immediately so no segment is ever
	// left open across a writers-slice reset.
	partitionSegs := make([][]segment.Segment, numParts)

	releaseAll := func() {
		for _, r := range reservations {
			r.Release()
		}
		reservations = nil
	}

	flush := func() error {
		writers := make([]*segment.Writer, numParts)
		for _, g := range groups {
			part := int(HashKeyValues(g.keyVals) % uint64(numParts))
			if writers[part] == nil {
				id := a.Env.SegmentID("agg-p"+strconv.Itoa(a.partGen), part)
				w, err := a.Env.Store.OpenWriter(id, a.partialSchema())
				if err != nil {
					return err
				}
				writers[part] = w
			}
			if err := appendOneRow(writers[part], a.partialSchema(), buildPartialRow(a, g), a.Env.Budget, a.Tag); err != nil {
				return err
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
			partitionSegs[i] = append(partitionSegs[i], seg)
		}
		groups = make(map[string]*aggGroup)
		releaseAll()
		a.spilled = true
		a.partGen++
		return nil
	}

	ensureCapacity := func() error {
		needed := int64(len(groups)+1) * aggBytesPerGroupGuess
		if needed <= int64(len(reservations))*aggGrowthStepBytes {
			return nil
		}
		more, ok := a.Env.Budget.TryAcquire(aggGrowthStepBytes, a.Tag)
		if ok {
			reservations = append(reservations, more)
			return nil
		}
		if err := flush(); err != nil {
			return err
		}
		first, ok := a.Env.Budget.TryAcquire(aggGrowthStepBytes, a.Tag)
		if !ok {
			return ErrBudgetRefused(a.Tag)
		}
		reservations = append(reservations, first)
		return nil
	}

	for {
		in, err := a.Child.Next(ctx)
		if err != nil {
			releaseAll()
			return err
		}
		if in == nil {
			break
		}
		n := int(in.NumRows())
		for row := 0; row < n; row++ {
			keyVals := make([]batch.Value, len(a.groupIdx))
			for i, idx := range a.groupIdx {
				keyVals[i] = in.ValueAt(idx, row)
			}
			ks := GroupKeyString(keyVals)
			g, exists := groups[ks]
			if !exists {
				if err := ensureCapacity(); err != nil {
					in.Release()
					return err
				}
				g = newAggGroup(keyVals, len(a.Aggs))
				groups[ks] = g
			}
			a.updateGroup(g, in, row)
		}
		in.Release()
	}

	if !a.spilled {
		rows := make([][]batch.Value, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, finalizeGroup(a, g))
		}
		releaseAll()
		a.noSpillRows = rows
		return nil
	}

	if len(groups) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	for _, segs := range partitionSegs {
		if len(segs) == 0 {
			continue
		}
		a.pending = append(a.pending, aggPartitionTask{segs: segs, depth: 0})
	}
	return nil
}

func appendOneRow(w *segment.Writer, schema batch.Schema, row []batch.Value, b *budget.Budget, tag string) error {
	bld := batch.NewBuilder(schema)
	bld.AppendRow(row)
	bat, ok, err := bld.Finish(b, tag)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBudgetRefused(tag)
	}
	err = w.Append(bat)
	bat.Release()
	return err
}

// processPartition runs phase 2 for one partition task: read back its
// partial rows, merge by group key in memory, and either finalize (if it
// fits) or recursively re-partition (if it doesn't).
func (a *Aggregate) processPartition(ctx context.Context, task aggPartitionTask) error {
	partialSchema := a.partialSchema()
	groups := make(map[string]*aggGroup)
	var reservations []*budget.Reservation
	first, ok := a.Env.Budget.TryAcquire(aggGrowthStepBytes, a.Tag)
	if !ok {
		return ErrBudgetRefused(a.Tag)
	}
	reservations = append(reservations, first)
	releaseAll := func() {
		for _, r := range reservations {
			r.Release()
		}
	}

	numParts := a.Env.FanIn
	if numParts <= 1 {
		numParts = aggDefaultPartitions
	}

	overflowed := false
	partitionSegs := make([][]segment.Segment, numParts)
	repartGen := a.partGen
	a.partGen++

	spillCurrent := func() error {
		if task.depth+1 > maxAggRepartitionDepth {
			return emerr.Newf(emerr.Budget, "operators.Aggregate", "group-by key skew exceeds max repartition depth %d", maxAggRepartitionDepth)
		}
		writers := make([]*segment.Writer, numParts)
		for _, g := range groups {
			part := int((HashKeyValues(g.keyVals) >> 1) % uint64(numParts))
			if writers[part] == nil {
				id := a.Env.SegmentID("agg-p"+strconv.Itoa(repartGen)+"-d"+strconv.Itoa(task.depth+1), part)
				w, err := a.Env.Store.OpenWriter(id, partialSchema)
				if err != nil {
					return err
				}
				writers[part] = w
			}
			if err := appendOneRow(writers[part], partialSchema, buildPartialRow(a, g), a.Env.Budget, a.Tag); err != nil {
				return err
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
			partitionSegs[i] = append(partitionSegs[i], seg)
		}
		groups = make(map[string]*aggGroup)
		for _, r := range reservations {
			r.Release()
		}
		reservations = nil
		overflowed = true
		return nil
	}

	readAndMerge := func(seg segment.Segment) error {
		r, err := a.Env.Store.OpenReader(seg)
		if err != nil {
			return err
		}
		defer r.Close()
		for {
			bat, err := r.Next(a.Env.Budget, a.Tag)
			if err != nil {
				return err
			}
			if bat == nil {
				break
			}
			n := int(bat.NumRows())
			for row := 0; row < n; row++ {
				keyVals := bat.Row(row)[:len(a.groupIdx)]
				ks := GroupKeyString(keyVals)
				g, exists := groups[ks]
				if !exists {
					needed := int64(len(groups)+1) * aggBytesPerGroupGuess
					if needed > int64(len(reservations))*aggGrowthStepBytes && !overflowed {
						more, ok := a.Env.Budget.TryAcquire(aggGrowthStepBytes, a.Tag)
						if ok {
							reservations = append(reservations, more)
						} else if err := spillCurrent(); err != nil {
							bat.Release()
							return err
						}
					}
					g = newAggGroup(keyVals, len(a.Aggs))
					groups[ks] = g
				}
				mergePartialRow(a, g, bat.Row(row))
			}
			bat.Release()
		}
		return nil
	}

	for _, seg := range task.segs {
		if err := readAndMerge(seg); err != nil {
			return err
		}
	}
	for _, seg := range task.segs {
		if err := a.Env.Store.Unlink(seg); err != nil {
			return err
		}
	}

	if !overflowed {
		rows := make([][]batch.Value, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, finalizeGroup(a, g))
		}
		releaseAll()
		a.currentRows = rows
		a.currentPos = 0
		return nil
	}

	if len(groups) > 0 {
		if err := spillCurrent(); err != nil {
			return err
		}
	}
	for _, segs := range partitionSegs {
		if len(segs) == 0 {
			continue
		}
		a.pending = append(a.pending, aggPartitionTask{segs: segs, depth: task.depth + 1})
	}
	return nil
}

func (a *Aggregate) Next(ctx context.Context) (*batch.Batch, error) {
	if !a.materialized {
		if err := a.materialize(ctx); err != nil {
			return nil, err
		}
		a.materialized = true
	}

	if !a.spilled {
		return a.nextFromSlice(&a.noSpillRows, &a.noSpillPos)
	}

	for {
		if a.currentPos < len(a.currentRows) {
			return a.nextFromSlice(&a.currentRows, &a.currentPos)
		}
		if len(a.pending) == 0 {
			return nil, nil
		}
		task := a.pending[0]
		a.pending = a.pending[1:]
		if err := a.processPartition(ctx, task); err != nil {
			return nil, err
		}
	}
}

func (a *Aggregate) nextFromSlice(rows *[][]batch.Value, pos *int) (*batch.Batch, error) {
	if *pos >= len(*rows) {
		return nil, nil
	}
	bld := batch.NewBuilder(a.OutSchema)
	rowsPer := RowsPerBatch(a.OutSchema, a.Env.BatchSizeHint)
	for *pos < len(*rows) {
		bld.AppendRow((*rows)[*pos])
		*pos++
		if int64(bld.NumRows()) >= rowsPer {
			break
		}
	}
	return FinishOrRefuse(bld, a.Env.Budget, a.Tag)
}

func (a *Aggregate) Close() error {
	return a.Child.Close()
}
