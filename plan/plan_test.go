package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

func scanNode(t *testing.T, source string) *Node {
	t.Helper()
	schema, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "v", Kind: batch.Int64},
	)
	require.NoError(t, err)
	return &Node{Kind: Scan, SourceURI: source, Schema: schema, EstRows: 1000, EstRowBytes: 16}
}

func TestHashStableForEqualStructure(t *testing.T) {
	a := scanNode(t, "a.csv")
	b := scanNode(t, "a.csv")
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashDiffersForDifferentParameters(t *testing.T) {
	a := scanNode(t, "a.csv")
	b := scanNode(t, "b.csv")
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestHashDiffersAcrossKinds(t *testing.T) {
	scan := scanNode(t, "a.csv")
	filter := &Node{
		Kind:     Filter,
		Children: []*Node{scan},
		Schema:   scan.Schema,
		Pred:     Compare("id", OpGt, batch.NewInt64(0)),
	}
	assert.NotEqual(t, Hash(scan), Hash(filter))
}

func TestPipelineBreakingKinds(t *testing.T) {
	assert.False(t, Scan.PipelineBreaking())
	assert.False(t, Filter.PipelineBreaking())
	assert.False(t, Project.PipelineBreaking())
	assert.False(t, Map.PipelineBreaking())
	assert.True(t, Sort.PipelineBreaking())
	assert.True(t, Aggregate.PipelineBreaking())
	assert.True(t, Join.PipelineBreaking())
	assert.True(t, Sink.PipelineBreaking())
}

func TestPredicateColumns(t *testing.T) {
	p := And(
		Compare("age", OpGe, batch.NewInt64(18)),
		Or(
			Compare("country", OpEq, batch.NewUtf8("US")),
			Compare("country", OpEq, batch.NewUtf8("CA")),
		),
	)
	cols := map[string]struct{}{}
	p.Columns(cols)
	assert.Equal(t, map[string]struct{}{"age": {}, "country": {}}, cols)
}
