// Package graph implements the directed, weighted, typed graph used by the
// risk engine, together with the handful of metrics computed over it:
// weighted PageRank, density, weak components, bounded cycle enumeration,
// and longest path on acyclic graphs.
package graph

import "sort"

// NodeKind classifies graph nodes.
type NodeKind string

const (
	KindFile       NodeKind = "FILE"
	KindDirectory  NodeKind = "DIRECTORY"
	KindScope      NodeKind = "SCOPE"
	KindDependency NodeKind = "DEPENDENCY"
	KindIntent     NodeKind = "INTENT"
	KindBranch     NodeKind = "BRANCH"
)

// Edge is one directed, weighted, typed edge between node handles.
type Edge struct {
	From   int
	To     int
	Kind   string
	Weight float64
}

type node struct {
	kind NodeKind
	name string
}

// Graph is a directed multigraph with integer node handles. Nodes are
// deduplicated by (kind, name). Not safe for concurrent mutation.
type Graph struct {
	nodes []node
	byKey map[[2]string]int
	out   [][]Edge
	in    [][]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{byKey: make(map[[2]string]int)}
}

// AddNode returns the handle for (kind, name), creating the node on first
// use.
func (g *Graph) AddNode(kind NodeKind, name string) int {
	key := [2]string{string(kind), name}
	if id, ok := g.byKey[key]; ok {
		return id
	}
	id := len(g.nodes)
	g.nodes = append(g.nodes, node{kind: kind, name: name})
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.byKey[key] = id
	return id
}

// Lookup returns the handle for (kind, name) if the node exists.
func (g *Graph) Lookup(kind NodeKind, name string) (int, bool) {
	id, ok := g.byKey[[2]string{string(kind), name}]
	return id, ok
}

// AddEdge appends a directed edge. Parallel edges are allowed.
func (g *Graph) AddEdge(from, to int, kind string, weight float64) {
	e := Edge{From: from, To: to, Kind: kind, Weight: weight}
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, es := range g.out {
		total += len(es)
	}
	return total
}

// Name returns the name of a node handle.
func (g *Graph) Name(id int) string { return g.nodes[id].name }

// Kind returns the kind of a node handle.
func (g *Graph) Kind(id int) NodeKind { return g.nodes[id].kind }

// NodesOfKind returns all handles of the given kind in insertion order.
func (g *Graph) NodesOfKind(kind NodeKind) []int {
	var out []int
	for id, n := range g.nodes {
		if n.kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// OutEdges returns the outgoing edges of a node.
func (g *Graph) OutEdges(id int) []Edge { return g.out[id] }

// OutDegree returns the number of outgoing edges of a node.
func (g *Graph) OutDegree(id int) int { return len(g.out[id]) }

// Edges returns every edge in the graph.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, g.EdgeCount())
	for _, es := range g.out {
		out = append(out, es...)
	}
	return out
}

// Density returns edges / (n·(n−1)) for a directed graph, 0 when n < 2.
func (g *Graph) Density() float64 {
	n := len(g.nodes)
	if n < 2 {
		return 0
	}
	return float64(g.EdgeCount()) / float64(n*(n-1))
}

// WeakComponents returns the number of weakly connected components, i.e.
// components of the undirected view. Empty graph has zero components.
func (g *Graph) WeakComponents() int {
	n := len(g.nodes)
	if n == 0 {
		return 0
	}
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, es := range g.out {
		for _, e := range es {
			a, b := find(e.From), find(e.To)
			if a != b {
				parent[a] = b
			}
		}
	}
	roots := make(map[int]bool, n)
	for i := range parent {
		roots[find(i)] = true
	}
	return len(roots)
}

const (
	pagerankDamping    = 0.85
	pagerankIterations = 100
	pagerankTolerance  = 1e-6
)

// PageRank computes weighted PageRank over the graph. Edge weights divide a
// node's rank among its successors; dangling nodes spread their rank evenly.
func (g *Graph) PageRank() map[int]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[int]float64{}
	}
	rank := make([]float64, n)
	next := make([]float64, n)
	outWeight := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
		for _, e := range g.out[i] {
			outWeight[i] += e.Weight
		}
	}

	base := (1 - pagerankDamping) / float64(n)
	for iter := 0; iter < pagerankIterations; iter++ {
		dangling := 0.0
		for i := range next {
			next[i] = base
		}
		for i := range rank {
			if outWeight[i] == 0 {
				dangling += rank[i]
				continue
			}
			share := pagerankDamping * rank[i] / outWeight[i]
			for _, e := range g.out[i] {
				next[e.To] += share * e.Weight
			}
		}
		if dangling > 0 {
			spread := pagerankDamping * dangling / float64(n)
			for i := range next {
				next[i] += spread
			}
		}
		diff := 0.0
		for i := range rank {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			diff += d
		}
		rank, next = next, rank
		if diff < pagerankTolerance {
			break
		}
	}

	out := make(map[int]float64, n)
	for i, r := range rank {
		out[i] = r
	}
	return out
}

// Ranked pairs a node handle with its PageRank.
type Ranked struct {
	Node int
	Rank float64
}

// TopPageRank returns the k highest-ranked nodes, descending by rank with
// handle order breaking ties.
func (g *Graph) TopPageRank(k int) []Ranked {
	pr := g.PageRank()
	ranked := make([]Ranked, 0, len(pr))
	for id, r := range pr {
		ranked = append(ranked, Ranked{Node: id, Rank: r})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Rank != ranked[j].Rank {
			return ranked[i].Rank > ranked[j].Rank
		}
		return ranked[i].Node < ranked[j].Node
	})
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

// IsDAG reports whether the graph has no directed cycle.
func (g *Graph) IsDAG() bool {
	_, ok := g.topoOrder()
	return ok
}

// topoOrder returns a topological order and whether the graph is acyclic.
func (g *Graph) topoOrder() ([]int, bool) {
	n := len(g.nodes)
	indeg := make([]int, n)
	for _, es := range g.out {
		for _, e := range es {
			indeg[e.To]++
		}
	}
	queue := make([]int, 0, n)
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, n)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, e := range g.out[v] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}
	return order, len(order) == n
}

// SimpleCycles enumerates simple directed cycles of length >= 2, stopping
// at limit. Self-loops are ignored. Each cycle is reported once, rooted at
// its smallest handle.
func (g *Graph) SimpleCycles(limit int) [][]int {
	var cycles [][]int
	n := len(g.nodes)
	onPath := make([]bool, n)
	var path []int

	var dfs func(start, v int) bool
	dfs = func(start, v int) bool {
		onPath[v] = true
		path = append(path, v)
		for _, e := range g.out[v] {
			w := e.To
			if w == start && len(path) >= 2 {
				cycles = append(cycles, append([]int(nil), path...))
				if len(cycles) >= limit {
					return true
				}
				continue
			}
			// Rooting each cycle at its smallest handle avoids duplicates.
			if w <= start || onPath[w] {
				continue
			}
			if dfs(start, w) {
				return true
			}
		}
		onPath[v] = false
		path = path[:len(path)-1]
		return false
	}

	for start := 0; start < n; start++ {
		if dfs(start, start) {
			break
		}
	}
	return cycles
}

// LongestPath returns the number of edges on the longest directed path, or
// 0 when the graph contains a cycle.
func (g *Graph) LongestPath() int {
	order, ok := g.topoOrder()
	if !ok {
		return 0
	}
	dist := make([]int, len(g.nodes))
	best := 0
	for _, v := range order {
		for _, e := range g.out[v] {
			if dist[v]+1 > dist[e.To] {
				dist[e.To] = dist[v] + 1
				if dist[e.To] > best {
					best = dist[e.To]
				}
			}
		}
	}
	return best
}

// Descendants returns the set of nodes reachable from id, excluding id
// itself unless it lies on a cycle.
func (g *Graph) Descendants(id int) map[int]bool {
	seen := make(map[int]bool)
	stack := make([]int, 0, len(g.out[id]))
	for _, e := range g.out[id] {
		stack = append(stack, e.To)
	}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v] {
			continue
		}
		seen[v] = true
		for _, e := range g.out[v] {
			if !seen[e.To] {
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}
