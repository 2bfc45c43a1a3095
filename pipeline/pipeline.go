// Package pipeline parses a minimal YAML pipeline description (source ->
// ordered operator list -> sink) into a plan.Node tree, and fills the
// bottom-up cardinality/row-size estimates the scheduler needs. This is
// the planner collaborator that hands the core an already-typechecked
// physical plan: parse and typecheck ahead of execution.
package pipeline

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/emsqrt-project/emsqrt/batch"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
)

// fieldSpec is one schema column, as written in the pipeline file.
type fieldSpec struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable"`
}

// sourceSpec names one input: a file to scan, under a name later stages
// reference via input/left/right.
// sourceSpec's format is always inferred from URI's extension (matching
// the engine's own dispatch in engine.openSource), so unlike sinkSpec it
// carries no format override field.
type sourceSpec struct {
	Name   string      `yaml:"name"`
	URI    string      `yaml:"uri"`
	Schema []fieldSpec `yaml:"schema"`
}

// predSpec is a restricted boolean expression: either a single column
// comparison, or an and/or of sub-expressions. Kept as a YAML tree rather
// than an infix string grammar, which this minimal format never attempts
// to parse.
type predSpec struct {
	Column string      `yaml:"column"`
	Op     string      `yaml:"op"`
	Value  interface{} `yaml:"value"`

	And []predSpec `yaml:"and"`
	Or  []predSpec `yaml:"or"`
}

type sortKeySpec struct {
	Column     string `yaml:"column"`
	Descending bool   `yaml:"descending"`
}

type aggSpec struct {
	Func   string `yaml:"func"`
	Column string `yaml:"column"`
	As     string `yaml:"as"`
}

type joinKeySpec struct {
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

// stageSpec is one node of the operator list. Exactly one of the
// operator-specific field groups is populated, selected by Op.
type stageSpec struct {
	As string `yaml:"as"`
	Op string `yaml:"op"`

	// filter/project/map/sort/aggregate: single upstream stage or source
	// name; empty falls back to the immediately preceding stage.
	Input string `yaml:"input"`

	Pred    *predSpec         `yaml:"pred"`
	Columns []string          `yaml:"columns"`
	Renames map[string]string `yaml:"renames"`
	Keys    []sortKeySpec     `yaml:"keys"`
	GroupBy []string          `yaml:"groupBy"`
	Aggs    []aggSpec         `yaml:"aggs"`

	// join
	Left         string        `yaml:"left,omitempty"`
	Right        string        `yaml:"right,omitempty"`
	On          []joinKeySpec `yaml:"on"`
	Kind        string        `yaml:"kind"`
	Sorted      bool          `yaml:"sorted"`
}

type sinkSpec struct {
	Input  string `yaml:"input"`
	URI    string `yaml:"uri"`
	Format string `yaml:"format"`
}

// Doc is the root of a pipeline file.
type Doc struct {
	Sources  []sourceSpec `yaml:"sources"`
	Pipeline []stageSpec  `yaml:"pipeline"`
	Sink     sinkSpec     `yaml:"sink"`
}

// Load reads and parses the pipeline file at path; it does not yet build
// the plan (see Build), so a YAML syntax error is reported without any
// schema/typecheck work.
func Load(path string) (*Doc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.Load", err)
	}
	defer f.Close()

	var doc Doc
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.Load", errors.Wrap(err, "couldn't decode pipeline yaml"))
	}
	return &doc, nil
}

// nominalRowBytesPerField is the flat per-field width used to turn a
// file's byte size into a row-count estimate; good enough for the
// scheduler's footprint heuristics, which only need an order of magnitude.
const nominalRowBytesPerField = 16

// Build typechecks doc and assembles its plan.Node tree, filling EstRows/
// EstRowBytes/EstBuildBytes at every node bottom-up. Returns an
// emerr.Config error naming the first problem found (unknown reference,
// unknown column, bad literal); all such errors are raised before
// execution begins.
func Build(doc *Doc) (*plan.Node, error) {
	b := &builder{
		nodes:   make(map[string]*plan.Node),
		sources: make(map[string]sourceSpec),
	}
	for _, s := range doc.Sources {
		if s.Name == "" {
			return nil, emerr.Newf(emerr.Config, "pipeline.Build", "source missing a name")
		}
		if _, dup := b.sources[s.Name]; dup {
			return nil, emerr.Newf(emerr.Config, "pipeline.Build", "duplicate source name %q", s.Name)
		}
		b.sources[s.Name] = s
	}

	for i, st := range doc.Pipeline {
		n, err := b.buildStage(st)
		if err != nil {
			return nil, err
		}
		name := st.As
		if name == "" {
			name = stageDefaultName(st.Op, i)
		}
		if _, dup := b.nodes[name]; dup {
			return nil, emerr.Newf(emerr.Config, "pipeline.Build", "duplicate stage name %q", name)
		}
		b.nodes[name] = n
		b.lastBuilt = n
	}

	sinkInput, err := b.resolve(doc.Sink.Input)
	if err != nil {
		return nil, err
	}
	if doc.Sink.URI == "" {
		return nil, emerr.Newf(emerr.Config, "pipeline.Build", "sink missing a uri")
	}
	sink := &plan.Node{
		Kind:        plan.Sink,
		Children:    []*plan.Node{sinkInput},
		Schema:      sinkInput.Schema,
		EstRows:     sinkInput.EstRows,
		EstRowBytes: sinkInput.EstRowBytes,
		Destination: doc.Sink.URI,
		Format:      doc.Sink.Format,
	}
	return sink, nil
}

func stageDefaultName(op string, index int) string {
	return op + "#" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// builder holds the running state of one Build call: every named stage and
// source built so far, plus the most recently built stage (the implicit
// input for a stage that doesn't name one explicitly).
type builder struct {
	nodes     map[string]*plan.Node
	sources   map[string]sourceSpec
	lastBuilt *plan.Node
}

// resolve looks up name among already-built stages and sources, lazily
// scanning a source the first time it's referenced. An empty name falls
// back to the most recently built stage, matching a linear pipeline's
// "no input" shorthand.
func (b *builder) resolve(name string) (*plan.Node, error) {
	if name == "" {
		if b.lastBuilt == nil {
			return nil, emerr.Newf(emerr.Config, "pipeline.resolve", "no input and no preceding stage to fall back to")
		}
		return b.lastBuilt, nil
	}
	if n, ok := b.nodes[name]; ok {
		return n, nil
	}
	if src, ok := b.sources[name]; ok {
		return b.buildScan(src)
	}
	return nil, emerr.Newf(emerr.Config, "pipeline.resolve", "unknown stage or source %q", name)
}

func (b *builder) buildScan(src sourceSpec) (*plan.Node, error) {
	if n, ok := b.nodes["source:"+src.Name]; ok {
		return n, nil
	}
	fields := make([]batch.Field, len(src.Schema))
	for i, f := range src.Schema {
		kind, err := parseKind(f.Kind)
		if err != nil {
			return nil, emerr.New(emerr.Config, "pipeline.buildScan", err)
		}
		fields[i] = batch.Field{Name: f.Name, Kind: kind, Nullable: f.Nullable}
	}
	schema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildScan", err)
	}

	rowBytes := uint64(nominalRowBytesPerField * len(fields))
	rows := estimateRowCount(src.URI, rowBytes)

	n := &plan.Node{
		Kind:        plan.Scan,
		Schema:      schema,
		SourceURI:   src.URI,
		EstRows:     rows,
		EstRowBytes: rowBytes,
	}
	b.nodes["source:"+src.Name] = n
	return n, nil
}

// estimateRowCount divides the input file's on-disk size by the schema's
// nominal row width; a missing file (e.g. produced by an earlier run, not
// yet present when explain runs) estimates zero rather than erroring,
// since cardinality estimates here are advisory only, feeding the
// scheduler's heuristics rather than correctness.
func estimateRowCount(uri string, rowBytes uint64) uint64 {
	info, err := os.Stat(uri)
	if err != nil || rowBytes == 0 {
		return 0
	}
	return uint64(info.Size()) / rowBytes
}

func parseKind(s string) (batch.Kind, error) {
	switch s {
	case "Int32", "int32":
		return batch.Int32, nil
	case "Int64", "int64":
		return batch.Int64, nil
	case "Float64", "float64":
		return batch.Float64, nil
	case "Bool", "bool":
		return batch.Bool, nil
	case "Utf8", "utf8", "string":
		return batch.Utf8, nil
	default:
		return 0, errors.Errorf("unknown field kind %q", s)
	}
}

func (b *builder) buildStage(st stageSpec) (*plan.Node, error) {
	switch st.Op {
	case "filter":
		return b.buildFilter(st)
	case "project":
		return b.buildProject(st)
	case "map":
		return b.buildMap(st)
	case "sort":
		return b.buildSort(st)
	case "aggregate":
		return b.buildAggregate(st)
	case "join":
		return b.buildJoin(st)
	default:
		return nil, emerr.Newf(emerr.Config, "pipeline.buildStage", "unknown operator %q", st.Op)
	}
}

func (b *builder) buildFilter(st stageSpec) (*plan.Node, error) {
	in, err := b.resolve(st.Input)
	if err != nil {
		return nil, err
	}
	if st.Pred == nil {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildFilter", "filter stage missing pred")
	}
	pred, err := buildPredicate(*st.Pred, in.Schema)
	if err != nil {
		return nil, err
	}
	return &plan.Node{
		Kind:        plan.Filter,
		Children:    []*plan.Node{in},
		Schema:      in.Schema,
		EstRows:     in.EstRows / 2, // selectivity unknown; halve as a rough guess
		EstRowBytes: in.EstRowBytes,
		Pred:        pred,
	}, nil
}

func (b *builder) buildProject(st stageSpec) (*plan.Node, error) {
	in, err := b.resolve(st.Input)
	if err != nil {
		return nil, err
	}
	if len(st.Columns) == 0 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildProject", "project stage missing columns")
	}
	fields := make([]batch.Field, 0, len(st.Columns))
	for _, col := range st.Columns {
		f, ok := fieldByName(in.Schema, col)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "pipeline.buildProject", "unknown column %q", col)
		}
		fields = append(fields, f)
	}
	schema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildProject", err)
	}
	return &plan.Node{
		Kind:           plan.Project,
		Children:       []*plan.Node{in},
		Schema:         schema,
		EstRows:        in.EstRows,
		EstRowBytes:    uint64(nominalRowBytesPerField * len(fields)),
		ProjectColumns: st.Columns,
	}, nil
}

func (b *builder) buildMap(st stageSpec) (*plan.Node, error) {
	in, err := b.resolve(st.Input)
	if err != nil {
		return nil, err
	}
	if len(st.Renames) == 0 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildMap", "map stage missing renames")
	}
	fields := make([]batch.Field, len(in.Schema.Fields))
	copy(fields, in.Schema.Fields)
	for i, f := range fields {
		if to, ok := st.Renames[f.Name]; ok {
			fields[i].Name = to
		}
	}
	schema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildMap", err)
	}
	return &plan.Node{
		Kind:        plan.Map,
		Children:    []*plan.Node{in},
		Schema:      schema,
		EstRows:     in.EstRows,
		EstRowBytes: in.EstRowBytes,
		Renames:     st.Renames,
	}, nil
}

func (b *builder) buildSort(st stageSpec) (*plan.Node, error) {
	in, err := b.resolve(st.Input)
	if err != nil {
		return nil, err
	}
	if len(st.Keys) == 0 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildSort", "sort stage missing keys")
	}
	keys := make([]plan.SortKey, len(st.Keys))
	for i, k := range st.Keys {
		if _, ok := fieldByName(in.Schema, k.Column); !ok {
			return nil, emerr.Newf(emerr.Config, "pipeline.buildSort", "unknown sort column %q", k.Column)
		}
		keys[i] = plan.SortKey{Column: k.Column, Descending: k.Descending}
	}
	return &plan.Node{
		Kind:        plan.Sort,
		Children:    []*plan.Node{in},
		Schema:      in.Schema,
		EstRows:     in.EstRows,
		EstRowBytes: in.EstRowBytes,
		SortKeys:    keys,
	}, nil
}

func (b *builder) buildAggregate(st stageSpec) (*plan.Node, error) {
	in, err := b.resolve(st.Input)
	if err != nil {
		return nil, err
	}
	if len(st.Aggs) == 0 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildAggregate", "aggregate stage missing aggs")
	}

	fields := make([]batch.Field, 0, len(st.GroupBy)+len(st.Aggs))
	for _, col := range st.GroupBy {
		f, ok := fieldByName(in.Schema, col)
		if !ok {
			return nil, emerr.Newf(emerr.Config, "pipeline.buildAggregate", "unknown group-by column %q", col)
		}
		fields = append(fields, f)
	}

	aggs := make([]plan.AggExpr, len(st.Aggs))
	for i, a := range st.Aggs {
		fn, err := parseAggFunc(a.Func)
		if err != nil {
			return nil, emerr.New(emerr.Config, "pipeline.buildAggregate", err)
		}
		if fn != plan.AggCountStar {
			if _, ok := fieldByName(in.Schema, a.Column); !ok {
				return nil, emerr.Newf(emerr.Config, "pipeline.buildAggregate", "unknown aggregate column %q", a.Column)
			}
		}
		as := a.As
		if as == "" {
			as = a.Column
		}
		aggs[i] = plan.AggExpr{Func: fn, Column: a.Column, As: as}
		fields = append(fields, batch.Field{Name: as, Kind: aggResultKind(fn, in.Schema, a.Column)})
	}

	schema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildAggregate", err)
	}

	// A distinct-key-count estimate this planner has no real statistics
	// for; assume heavy reduction (roughly 1/8), capped so a tiny input
	// never estimates zero groups.
	estGroups := in.EstRows / 8
	if estGroups == 0 && in.EstRows > 0 {
		estGroups = 1
	}

	return &plan.Node{
		Kind:        plan.Aggregate,
		Children:    []*plan.Node{in},
		Schema:      schema,
		EstRows:     estGroups,
		EstRowBytes: uint64(nominalRowBytesPerField * len(fields)),
		GroupKeys:   st.GroupBy,
		Aggs:        aggs,
	}, nil
}

func aggResultKind(fn plan.AggFunc, schema batch.Schema, column string) batch.Kind {
	switch fn {
	case plan.AggCount, plan.AggCountStar:
		return batch.Int64
	case plan.AggAvg:
		return batch.Float64
	default:
		if f, ok := fieldByName(schema, column); ok {
			return f.Kind
		}
		return batch.Float64
	}
}

func parseAggFunc(s string) (plan.AggFunc, error) {
	switch s {
	case "sum", "SUM":
		return plan.AggSum, nil
	case "count", "COUNT":
		return plan.AggCount, nil
	case "count_star", "COUNT_STAR", "count(*)":
		return plan.AggCountStar, nil
	case "avg", "AVG":
		return plan.AggAvg, nil
	case "min", "MIN":
		return plan.AggMin, nil
	case "max", "MAX":
		return plan.AggMax, nil
	default:
		return 0, errors.Errorf("unknown aggregate function %q", s)
	}
}

// buildJoin builds a two-input join. Per the Children[0]=build/
// Children[1]=probe convention the engine and scheduler share, Left always
// becomes Children[0]: callers should name the smaller side Left to get a
// cheaper hash join build side.
func (b *builder) buildJoin(st stageSpec) (*plan.Node, error) {
	if st.Left == "" || st.Right == "" {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildJoin", "join stage missing left/right")
	}
	left, err := b.resolve(st.Left)
	if err != nil {
		return nil, err
	}
	right, err := b.resolve(st.Right)
	if err != nil {
		return nil, err
	}
	if len(st.On) == 0 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildJoin", "join stage missing on")
	}

	keys := make([]plan.JoinKeyPair, len(st.On))
	for i, k := range st.On {
		if _, ok := fieldByName(left.Schema, k.Left); !ok {
			return nil, emerr.Newf(emerr.Config, "pipeline.buildJoin", "unknown left join column %q", k.Left)
		}
		if _, ok := fieldByName(right.Schema, k.Right); !ok {
			return nil, emerr.Newf(emerr.Config, "pipeline.buildJoin", "unknown right join column %q", k.Right)
		}
		keys[i] = plan.JoinKeyPair{Left: k.Left, Right: k.Right}
	}

	kind, err := parseJoinKind(st.Kind)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildJoin", err)
	}

	fields := append(append([]batch.Field{}, left.Schema.Fields...), right.Schema.Fields...)
	schema, err := batch.NewSchema(fields...)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildJoin", err)
	}

	buildBytes := left.EstRows * left.EstRowBytes

	return &plan.Node{
		Kind:          plan.Join,
		Children:      []*plan.Node{left, right},
		Schema:        schema,
		EstRows:       estimateJoinRows(left.EstRows, right.EstRows),
		EstRowBytes:   left.EstRowBytes + right.EstRowBytes,
		EstBuildBytes: buildBytes,
		JoinKeys:      keys,
		JoinKind:      kind,
		SortedInputs:  st.Sorted,
	}, nil
}

// estimateJoinRows assumes a 1% match rate against the smaller side,
// again purely advisory.
func estimateJoinRows(left, right uint64) uint64 {
	smaller := left
	if right < smaller {
		smaller = right
	}
	rows := smaller / 100
	if rows == 0 && smaller > 0 {
		rows = 1
	}
	return rows
}

func parseJoinKind(s string) (plan.JoinKind, error) {
	switch s {
	case "", "inner":
		return plan.InnerJoin, nil
	case "left", "left_outer":
		return plan.LeftOuterJoin, nil
	case "right", "right_outer":
		return plan.RightOuterJoin, nil
	default:
		return 0, errors.Errorf("unknown join kind %q", s)
	}
}

func fieldByName(schema batch.Schema, name string) (batch.Field, bool) {
	for _, f := range schema.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return batch.Field{}, false
}

// buildPredicate recursively translates a predSpec into a *plan.Predicate,
// typechecking each leaf's literal against the column's declared Kind.
func buildPredicate(spec predSpec, schema batch.Schema) (*plan.Predicate, error) {
	switch {
	case len(spec.And) > 0:
		return buildCombinator(spec.And, schema, plan.And)
	case len(spec.Or) > 0:
		return buildCombinator(spec.Or, schema, plan.Or)
	default:
		return buildCompare(spec, schema)
	}
}

func buildCombinator(parts []predSpec, schema batch.Schema, combine func(*plan.Predicate, *plan.Predicate) *plan.Predicate) (*plan.Predicate, error) {
	if len(parts) < 2 {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildPredicate", "and/or needs at least 2 operands")
	}
	acc, err := buildPredicate(parts[0], schema)
	if err != nil {
		return nil, err
	}
	for _, p := range parts[1:] {
		next, err := buildPredicate(p, schema)
		if err != nil {
			return nil, err
		}
		acc = combine(acc, next)
	}
	return acc, nil
}

func buildCompare(spec predSpec, schema batch.Schema) (*plan.Predicate, error) {
	f, ok := fieldByName(schema, spec.Column)
	if !ok {
		return nil, emerr.Newf(emerr.Config, "pipeline.buildCompare", "unknown column %q", spec.Column)
	}
	op, err := parseCompareOp(spec.Op)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildCompare", err)
	}
	lit, err := literalFor(f.Kind, spec.Value)
	if err != nil {
		return nil, emerr.New(emerr.Config, "pipeline.buildCompare", err)
	}
	return plan.Compare(spec.Column, op, lit), nil
}

func parseCompareOp(s string) (plan.CompareOp, error) {
	switch s {
	case "=", "==":
		return plan.OpEq, nil
	case "!=", "<>":
		return plan.OpNe, nil
	case "<":
		return plan.OpLt, nil
	case "<=":
		return plan.OpLe, nil
	case ">":
		return plan.OpGt, nil
	case ">=":
		return plan.OpGe, nil
	default:
		return 0, errors.Errorf("unknown comparison operator %q", s)
	}
}

// literalFor converts the raw YAML scalar v (decoded as int, float64, bool
// or string by yaml.v3) into a batch.Value of kind, rejecting the literal
// if its shape doesn't match the column's declared type.
func literalFor(kind batch.Kind, v interface{}) (batch.Value, error) {
	switch kind {
	case batch.Int32:
		n, ok := asInt(v)
		if !ok {
			return batch.Value{}, errors.Errorf("expected an integer literal, got %v", v)
		}
		return batch.NewInt32(int32(n)), nil
	case batch.Int64:
		n, ok := asInt(v)
		if !ok {
			return batch.Value{}, errors.Errorf("expected an integer literal, got %v", v)
		}
		return batch.NewInt64(n), nil
	case batch.Float64:
		f, ok := asFloat(v)
		if !ok {
			return batch.Value{}, errors.Errorf("expected a numeric literal, got %v", v)
		}
		return batch.NewFloat64(f), nil
	case batch.Bool:
		b, ok := v.(bool)
		if !ok {
			return batch.Value{}, errors.Errorf("expected a boolean literal, got %v", v)
		}
		return batch.NewBool(b), nil
	case batch.Utf8:
		s, ok := v.(string)
		if !ok {
			return batch.Value{}, errors.Errorf("expected a string literal, got %v", v)
		}
		return batch.NewUtf8(s), nil
	default:
		return batch.Value{}, errors.Errorf("unsupported literal kind %s", kind)
	}
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
