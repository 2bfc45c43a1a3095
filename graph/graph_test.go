package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShow(t *testing.T) {
	scan := NewNode("Scan")
	scan.AddField("source", "orders.csv")

	filter := NewNode("Filter")
	filter.AddField("pred", "amount > 10")
	filter.AddChild("input", scan)

	sink := NewNode("Sink")
	sink.AddField("destination", "out.jsonl")
	sink.AddChild("input", filter)

	g := Show(sink)
	rendered := g.String()

	require.Contains(t, rendered, "Scan")
	require.Contains(t, rendered, "Filter")
	require.Contains(t, rendered, "Sink")
	require.True(t, strings.Contains(rendered, "amount"))
}

func TestGetIDDedupesRepeatedNames(t *testing.T) {
	gb := &graphBuilder{nameCounters: make(map[string]int)}
	first := gb.getID("Filter")
	second := gb.getID("Filter")
	require.NotEqual(t, first, second)
}
