// Package risk builds the per-intent dependency graph and computes the four
// risk signals, composite scores, structural bomb detection, findings, and
// diagnostics that feed the policy gates.
package risk

import (
	"math"
	"path"
	"strings"

	"github.com/convergehq/converge/internal/graph"
	"github.com/convergehq/converge/internal/model"
)

// CoChange is one historical co-change pair from repository archaeology.
type CoChange struct {
	FileA string
	FileB string
	Pairs int
}

const (
	weightContainedIn   = 0.3
	weightCoLocated     = 0.2
	weightScopeContains = 0.5
	weightScopeTouches  = 0.2
	weightDependsOn     = 0.8
	weightMergeTarget   = 1.0
)

// builder deduplicates edges per (from, to): a later edge between the same
// pair replaces the earlier one, matching single-edge digraph semantics.
type builder struct {
	g     *graph.Graph
	edges map[[2]int]graph.Edge
	order [][2]int
}

func newBuilder() *builder {
	return &builder{g: graph.New(), edges: make(map[[2]int]graph.Edge)}
}

func (b *builder) edge(from, to int, kind string, weight float64) {
	key := [2]int{from, to}
	if _, ok := b.edges[key]; !ok {
		b.order = append(b.order, key)
	}
	b.edges[key] = graph.Edge{From: from, To: to, Kind: kind, Weight: weight}
}

func (b *builder) finish() *graph.Graph {
	for _, key := range b.order {
		e := b.edges[key]
		b.g.AddEdge(e.From, e.To, e.Kind, e.Weight)
	}
	return b.g
}

// BuildGraph constructs the typed dependency graph for one intent and its
// simulation, optionally enriched with historical co-change coupling.
func BuildGraph(intent *model.Intent, sim *model.Simulation, coupling []CoChange) *graph.Graph {
	b := newBuilder()

	// File nodes and directory containment.
	for _, f := range sim.FilesChanged {
		fn := b.g.AddNode(graph.KindFile, f)
		if dir := parentDir(f); dir != "" {
			dn := b.g.AddNode(graph.KindDirectory, dir)
			b.edge(fn, dn, "contained_in", weightContainedIn)
		}
	}

	// Pairwise co-location inside each directory, both directions.
	byDir := make(map[string][]int)
	var dirOrder []string
	for _, f := range sim.FilesChanged {
		dir := parentDir(f)
		if dir == "" {
			dir = "."
		}
		fn, _ := b.g.Lookup(graph.KindFile, f)
		if _, ok := byDir[dir]; !ok {
			dirOrder = append(dirOrder, dir)
		}
		byDir[dir] = append(byDir[dir], fn)
	}
	for _, dir := range dirOrder {
		files := byDir[dir]
		for i, f1 := range files {
			for _, f2 := range files[i+1:] {
				b.edge(f1, f2, "co_located", weightCoLocated)
				b.edge(f2, f1, "co_located", weightCoLocated)
			}
		}
	}

	// Scope hints: name match decides containment vs mere touch.
	for _, scope := range intent.ScopeHint() {
		sn := b.g.AddNode(graph.KindScope, scope)
		for _, f := range sim.FilesChanged {
			fn, _ := b.g.Lookup(graph.KindFile, f)
			if strings.Contains(strings.ToLower(f), strings.ToLower(scope)) {
				b.edge(sn, fn, "scope_contains", weightScopeContains)
			} else {
				b.edge(sn, fn, "scope_touches", weightScopeTouches)
			}
		}
	}

	// Intent, dependency, and branch nodes.
	in := b.g.AddNode(graph.KindIntent, intent.ID)
	for _, dep := range intent.Dependencies {
		dn := b.g.AddNode(graph.KindDependency, dep)
		b.edge(in, dn, "depends_on", weightDependsOn)
	}
	bn := b.g.AddNode(graph.KindBranch, intent.Target)
	b.edge(in, bn, "merge_target", weightMergeTarget)

	// Historical coupling, only when it touches this change.
	changed := make(map[string]bool, len(sim.FilesChanged))
	for _, f := range sim.FilesChanged {
		changed[f] = true
	}
	for _, c := range coupling {
		if !changed[c.FileA] && !changed[c.FileB] {
			continue
		}
		w := min(1.0, 0.1*float64(c.Pairs))
		an := b.g.AddNode(graph.KindFile, c.FileA)
		cn := b.g.AddNode(graph.KindFile, c.FileB)
		b.edge(an, cn, "co_change", w)
		b.edge(cn, an, "co_change", w)
	}

	return b.finish()
}

func parentDir(f string) string {
	dir := path.Dir(f)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// BuildImpactEdges returns the flat impact edge list used by propagation
// and containment scoring. File edges are capped at 20.
func BuildImpactEdges(intent *model.Intent, sim *model.Simulation) []model.ImpactEdge {
	edges := []model.ImpactEdge{
		{From: intent.Source, To: intent.Target, Kind: "merge_target", Weight: 1.0},
	}
	for _, dep := range intent.Dependencies {
		edges = append(edges, model.ImpactEdge{From: intent.ID, To: dep, Kind: "depends_on", Weight: 0.8})
	}
	for _, scope := range intent.ScopeHint() {
		edges = append(edges, model.ImpactEdge{From: intent.ID, To: scope, Kind: "touches_scope", Weight: 0.5})
	}
	files := sim.FilesChanged
	if len(files) > 20 {
		files = files[:20]
	}
	for _, f := range files {
		edges = append(edges, model.ImpactEdge{From: intent.ID, To: f, Kind: "modifies_file", Weight: 0.3})
	}
	return edges
}

// PropagationScore measures how far the change can travel: average file
// fan-out plus impact edge weight and target spread, each half capped at 50.
func PropagationScore(g *graph.Graph, edges []model.ImpactEdge) float64 {
	if g.NodeCount() == 0 && len(edges) == 0 {
		return 0
	}

	graphComponent := 0.0
	fileNodes := g.NodesOfKind(graph.KindFile)
	if len(fileNodes) > 0 {
		total := 0
		for _, fn := range fileNodes {
			total += g.OutDegree(fn)
		}
		avgOut := float64(total) / float64(len(fileNodes))
		graphComponent = min(50.0, avgOut*10.0)
	}

	totalWeight := 0.0
	targets := make(map[string]bool)
	for _, e := range edges {
		totalWeight += e.Weight
		targets[e.To] = true
	}
	edgeComponent := min(50.0, totalWeight*3.0+float64(len(targets))*2.0)

	return min(100.0, round1(graphComponent+edgeComponent))
}

// ContainmentScore measures how bounded the change is: 1.0 is perfectly
// contained, each boundary crossing and extra graph component erodes it.
func ContainmentScore(intent *model.Intent, g *graph.Graph, edges []model.ImpactEdge) float64 {
	if g.NodeCount() == 0 && len(edges) == 0 {
		return 1.0
	}

	boundary := make(map[string]bool)
	for _, e := range edges {
		boundary[e.To] = true
	}
	for _, dep := range intent.Dependencies {
		boundary[dep] = true
	}
	for _, s := range intent.ScopeHint() {
		boundary[s] = true
	}
	crossings := len(boundary)
	if crossings == 0 {
		return 1.0
	}

	components := 0
	if g.NodeCount() > 0 {
		components = g.WeakComponents()
	} else {
		components = 1
	}
	penalty := float64(components-1) * 0.03

	return round2(max(0.0, 1.0-float64(crossings)*0.05-penalty))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
