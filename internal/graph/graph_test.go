package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeDedup(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a.go")
	b := g.AddNode(KindFile, "a.go")
	c := g.AddNode(KindDirectory, "a.go")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, KindFile, g.Kind(a))
	assert.Equal(t, "a.go", g.Name(a))
}

func TestDensity(t *testing.T) {
	g := New()
	assert.Equal(t, 0.0, g.Density())

	a := g.AddNode(KindFile, "a")
	assert.Equal(t, 0.0, g.Density())

	b := g.AddNode(KindFile, "b")
	g.AddEdge(a, b, "co_located", 0.2)
	assert.InDelta(t, 0.5, g.Density(), 1e-9)
}

func TestWeakComponents(t *testing.T) {
	g := New()
	assert.Equal(t, 0, g.WeakComponents())

	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	d := g.AddNode(KindFile, "d")
	g.AddEdge(a, b, "x", 1)
	g.AddEdge(c, d, "x", 1)
	assert.Equal(t, 2, g.WeakComponents())

	// Direction does not matter for weak connectivity.
	g.AddEdge(d, a, "x", 1)
	assert.Equal(t, 1, g.WeakComponents())
}

func TestPageRank(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	g.AddEdge(a, c, "x", 1)
	g.AddEdge(b, c, "x", 1)

	pr := g.PageRank()
	sum := pr[a] + pr[b] + pr[c]
	assert.InDelta(t, 1.0, sum, 1e-6)
	// The sink receives more rank than its sources.
	assert.Greater(t, pr[c], pr[a])
	assert.InDelta(t, pr[a], pr[b], 1e-9)

	top := g.TopPageRank(1)
	require.Len(t, top, 1)
	assert.Equal(t, c, top[0].Node)
}

func TestPageRankWeighted(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	g.AddEdge(a, b, "x", 0.9)
	g.AddEdge(a, c, "x", 0.1)

	pr := g.PageRank()
	assert.Greater(t, pr[b], pr[c])
}

func TestSimpleCycles(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	g.AddEdge(a, b, "x", 1)
	g.AddEdge(b, a, "x", 1)
	g.AddEdge(b, c, "x", 1)
	g.AddEdge(c, b, "x", 1)

	cycles := g.SimpleCycles(10)
	assert.Len(t, cycles, 2)
	assert.False(t, g.IsDAG())

	t.Run("cap respected", func(t *testing.T) {
		assert.Len(t, g.SimpleCycles(1), 1)
	})
	t.Run("self loop ignored", func(t *testing.T) {
		g := New()
		a := g.AddNode(KindFile, "a")
		g.AddEdge(a, a, "x", 1)
		assert.Empty(t, g.SimpleCycles(10))
	})
	t.Run("acyclic", func(t *testing.T) {
		g := New()
		a := g.AddNode(KindFile, "a")
		b := g.AddNode(KindFile, "b")
		g.AddEdge(a, b, "x", 1)
		assert.Empty(t, g.SimpleCycles(10))
		assert.True(t, g.IsDAG())
	})
}

func TestLongestPath(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	d := g.AddNode(KindFile, "d")
	g.AddEdge(a, b, "x", 1)
	g.AddEdge(b, c, "x", 1)
	g.AddEdge(a, d, "x", 1)

	assert.Equal(t, 2, g.LongestPath())

	// Cyclic graphs report zero.
	g.AddEdge(c, a, "x", 1)
	assert.Equal(t, 0, g.LongestPath())
}

func TestDescendants(t *testing.T) {
	g := New()
	a := g.AddNode(KindFile, "a")
	b := g.AddNode(KindFile, "b")
	c := g.AddNode(KindFile, "c")
	d := g.AddNode(KindFile, "d")
	g.AddEdge(a, b, "x", 1)
	g.AddEdge(b, c, "x", 1)
	g.AddEdge(d, a, "x", 1)

	desc := g.Descendants(a)
	assert.Len(t, desc, 2)
	assert.True(t, desc[b])
	assert.True(t, desc[c])
	assert.False(t, desc[a])
	assert.False(t, desc[d])
}
