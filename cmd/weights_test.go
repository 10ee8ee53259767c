package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spatial-income/internal/weights"
)

func pathWithIsolate(t *testing.T) (*weights.Weights, []string) {
	t.Helper()
	labels := []string{"a", "b", "c", "d"}
	w, err := weights.Build(labels,
		[]weights.Pair{{From: "a", To: "b"}, {From: "b", To: "c"}},
		weights.Options{Isolates: weights.IndependentIsolates})
	require.NoError(t, err)
	return w, labels
}

func TestDescribeWeights(t *testing.T) {
	w, labels := pathWithIsolate(t)
	s := describeWeights(w, labels)
	assert.Equal(t, 4, s.Areas)
	assert.Equal(t, 2, s.Links)
	assert.Equal(t, 2, s.Components)
	assert.Equal(t, 3, s.Largest)
	assert.Equal(t, []string{"d"}, s.Isolates)
}

func TestEdgeList(t *testing.T) {
	w, labels := pathWithIsolate(t)
	assert.Equal(t, []weights.Pair{{From: "a", To: "b"}, {From: "b", To: "c"}}, edgeList(w, labels))
}

func TestFormatWeights(t *testing.T) {
	var buf bytes.Buffer
	formatWeights(&buf, weightsSummary{Areas: 12345, Links: 30000, Components: 2, Largest: 12000, Isolates: []string{"100042"}})
	out := buf.String()
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "30,000")
	assert.Contains(t, out, "largest 12,000")
	assert.Contains(t, out, "Isolates:    1")
	assert.Contains(t, out, "100042")
}
