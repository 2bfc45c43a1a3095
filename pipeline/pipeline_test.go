package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/plan"
)

func writeSourceFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestBuildLinearFilterProjectPipeline(t *testing.T) {
	src := writeSourceFile(t, "1,widget,9.50\n2,gadget,12.00\n")

	doc := &Doc{
		Sources: []sourceSpec{{
			Name: "orders",
			URI:  src,
			Schema: []fieldSpec{
				{Name: "id", Kind: "int64"},
				{Name: "name", Kind: "string"},
				{Name: "amount", Kind: "float64"},
			},
		}},
		Pipeline: []stageSpec{
			{
				As:    "cheap",
				Op:    "filter",
				Input: "orders",
				Pred: &predSpec{
					Column: "amount",
					Op:     "<",
					Value:  10.0,
				},
			},
			{
				Op:      "project",
				Columns: []string{"id", "name"},
			},
		},
		Sink: sinkSpec{URI: filepath.Join(t.TempDir(), "out.jsonl"), Format: "jsonl"},
	}

	root, err := Build(doc)
	require.NoError(t, err)
	require.Equal(t, plan.Sink, root.Kind)

	project := root.Children[0]
	require.Equal(t, plan.Project, project.Kind)
	assert.Equal(t, []string{"id", "name"}, project.ProjectColumns)
	assert.Len(t, project.Schema.Fields, 2)

	filter := project.Children[0]
	require.Equal(t, plan.Filter, filter.Kind)
	require.NotNil(t, filter.Pred)
	assert.Equal(t, "amount < 10", filter.Pred.String())
}

func TestBuildRejectsUnknownColumn(t *testing.T) {
	src := writeSourceFile(t, "1\n")
	doc := &Doc{
		Sources: []sourceSpec{{
			Name:   "orders",
			URI:    src,
			Schema: []fieldSpec{{Name: "id", Kind: "int64"}},
		}},
		Pipeline: []stageSpec{{
			Op:      "project",
			Input:   "orders",
			Columns: []string{"nonexistent"},
		}},
		Sink: sinkSpec{URI: "out.jsonl"},
	}

	_, err := Build(doc)
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestBuildRejectsMissingSinkURI(t *testing.T) {
	src := writeSourceFile(t, "1\n")
	doc := &Doc{
		Sources: []sourceSpec{{
			Name:   "orders",
			URI:    src,
			Schema: []fieldSpec{{Name: "id", Kind: "int64"}},
		}},
		Sink: sinkSpec{Input: "orders"},
	}

	_, err := Build(doc)
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestBuildJoinPutsLeftAsBuildSide(t *testing.T) {
	leftSrc := writeSourceFile(t, "1,1\n")
	rightSrc := filepath.Join(t.TempDir(), "right.csv")
	require.NoError(t, os.WriteFile(rightSrc, []byte("1,hello\n"), 0644))

	doc := &Doc{
		Sources: []sourceSpec{
			{Name: "small", URI: leftSrc, Schema: []fieldSpec{{Name: "key", Kind: "int64"}, {Name: "val", Kind: "int64"}}},
			{Name: "big", URI: rightSrc, Schema: []fieldSpec{{Name: "key", Kind: "int64"}, {Name: "label", Kind: "string"}}},
		},
		Pipeline: []stageSpec{{
			As:    "joined",
			Op:    "join",
			Left:  "small",
			Right: "big",
			On:    []joinKeySpec{{Left: "key", Right: "key"}},
		}},
		Sink: sinkSpec{Input: "joined", URI: "out.jsonl"},
	}

	root, err := Build(doc)
	require.NoError(t, err)

	joinNode := root.Children[0]
	require.Equal(t, plan.Join, joinNode.Kind)
	require.Len(t, joinNode.Children, 2)
	assert.Equal(t, plan.Scan, joinNode.Children[0].Kind)
	assert.Equal(t, leftSrc, joinNode.Children[0].SourceURI)
	assert.Equal(t, rightSrc, joinNode.Children[1].SourceURI)
}

func TestBuildAggregateDefaultsAliasToColumn(t *testing.T) {
	src := writeSourceFile(t, "1,9.5\n")
	doc := &Doc{
		Sources: []sourceSpec{{
			Name:   "orders",
			URI:    src,
			Schema: []fieldSpec{{Name: "id", Kind: "int64"}, {Name: "amount", Kind: "float64"}},
		}},
		Pipeline: []stageSpec{{
			Op:      "aggregate",
			Input:   "orders",
			GroupBy: []string{"id"},
			Aggs:    []aggSpec{{Func: "sum", Column: "amount"}},
		}},
		Sink: sinkSpec{URI: "out.jsonl"},
	}

	root, err := Build(doc)
	require.NoError(t, err)
	agg := root.Children[0]
	require.Equal(t, plan.Aggregate, agg.Kind)
	require.Len(t, agg.Aggs, 1)
	assert.Equal(t, "amount", agg.Aggs[0].As)
}

func TestBuildRejectsUnknownOperator(t *testing.T) {
	src := writeSourceFile(t, "1\n")
	doc := &Doc{
		Sources:  []sourceSpec{{Name: "orders", URI: src, Schema: []fieldSpec{{Name: "id", Kind: "int64"}}}},
		Pipeline: []stageSpec{{Op: "bogus", Input: "orders"}},
		Sink:     sinkSpec{URI: "out.jsonl"},
	}

	_, err := Build(doc)
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, emerr.Config, emerr.KindOf(err))
}
