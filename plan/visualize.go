package plan

import (
	"fmt"
	"strings"

	"github.com/emsqrt-project/emsqrt/graph"
)

// Visualize renders n's subtree as a graph.Node, for the `explain` command's
// human-facing plan diagnostics.
func (n *Node) Visualize() *graph.Node {
	if n == nil {
		return nil
	}
	g := graph.NewNode(n.Kind.String())
	g.AddField("est_rows", fmt.Sprintf("%d", n.EstRows))
	g.AddField("est_row_bytes", fmt.Sprintf("%d", n.EstRowBytes))
	if n.Kind.PipelineBreaking() {
		g.AddField("pipeline_breaking", "true")
	}

	switch n.Kind {
	case Scan:
		g.AddField("source", n.SourceURI)
	case Filter:
		g.AddField("pred", n.Pred.String())
	case Project:
		g.AddField("columns", strings.Join(n.ProjectColumns, ", "))
	case Map:
		g.AddField("renames", renamesString(n.Renames))
	case Sort:
		g.AddField("keys", sortKeysString(n.SortKeys))
	case Aggregate:
		g.AddField("group_by", strings.Join(n.GroupKeys, ", "))
		g.AddField("aggs", aggsString(n.Aggs))
	case Join:
		g.AddField("kind", n.JoinKind.String())
		g.AddField("keys", joinKeysString(n.JoinKeys))
		g.AddField("est_build_bytes", fmt.Sprintf("%d", n.EstBuildBytes))
		if n.SortedInputs {
			g.AddField("strategy", "merge")
		} else {
			g.AddField("strategy", "hash")
		}
	case Sink:
		g.AddField("destination", n.Destination)
		g.AddField("format", n.Format)
	}

	for i, child := range n.Children {
		g.AddChild(childLabel(n.Kind, i), child.Visualize())
	}
	return g
}

func childLabel(k Kind, i int) string {
	if k == Join {
		if i == 0 {
			return "build"
		}
		return "probe"
	}
	return "input"
}

func renamesString(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for from, to := range m {
		parts = append(parts, fmt.Sprintf("%s->%s", from, to))
	}
	return strings.Join(parts, ", ")
}

func sortKeysString(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if k.Descending {
			parts[i] = k.Column + " desc"
		} else {
			parts[i] = k.Column + " asc"
		}
	}
	return strings.Join(parts, ", ")
}

func aggsString(aggs []AggExpr) string {
	parts := make([]string, len(aggs))
	for i, a := range aggs {
		parts[i] = fmt.Sprintf("%s(%s) as %s", a.Func, a.Column, a.As)
	}
	return strings.Join(parts, ", ")
}

func joinKeysString(pairs []JoinKeyPair) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s=%s", p.Left, p.Right)
	}
	return strings.Join(parts, ", ")
}
