package risk

import (
	"strings"

	"github.com/convergehq/converge/internal/graph"
	"github.com/convergehq/converge/internal/model"
)

var corePaths = []string{"src/", "lib/", "core/", "pkg/", "internal/", "app/"}

var coreTargets = map[string]bool{
	"main": true, "master": true, "release": true, "production": true, "prod": true,
}

var riskBonus = map[model.RiskLevel]float64{
	model.RiskLow:      0,
	model.RiskMedium:   5,
	model.RiskHigh:     15,
	model.RiskCritical: 30,
}

const (
	cycleCapSignals = 20
	cycleCapBombs   = 10
)

// EntropicLoad measures how much disorder the change introduces: file and
// conflict counts, dependency fan-in, directory spread, graph dispersion.
func EntropicLoad(intent *model.Intent, sim *model.Simulation, g *graph.Graph) float64 {
	dirs := make(map[string]bool)
	for _, f := range sim.FilesChanged {
		if d := parentDir(f); d != "" {
			dirs[d] = true
		}
	}
	components := 1
	if g.NodeCount() > 0 {
		components = g.WeakComponents()
	}

	raw := float64(len(sim.FilesChanged))*2.0 +
		float64(len(sim.Conflicts))*15.0 +
		float64(len(intent.Dependencies))*6.0 +
		float64(len(dirs))*3.0 +
		float64(components-1)*5.0
	return min(100.0, round1(raw))
}

// ContextualValue measures how important the touched files are: PageRank
// centrality, core-path and core-target membership, declared risk level.
func ContextualValue(intent *model.Intent, sim *model.Simulation, g *graph.Graph) float64 {
	if g.NodeCount() == 0 {
		return 0
	}

	pr := g.PageRank()
	filePRSum := 0.0
	for _, f := range sim.FilesChanged {
		if id, ok := g.Lookup(graph.KindFile, f); ok {
			filePRSum += pr[id]
		}
	}
	n := max(g.NodeCount(), 1)
	expectedPerFile := 1.0 / float64(n)
	importanceRatio := filePRSum / (expectedPerFile * float64(max(len(sim.FilesChanged), 1)))

	coreRatio := float64(coreTouches(sim.FilesChanged)) / float64(max(len(sim.FilesChanged), 1))

	targetBonus := 0.0
	if coreTargets[intent.Target] {
		targetBonus = 10.0
	}

	raw := min(importanceRatio*30.0, 60.0) +
		coreRatio*20.0 +
		targetBonus +
		riskBonus[intent.RiskLevel]
	return min(100.0, round1(raw))
}

// ComplexityDelta measures the net change in system complexity: graph
// density, edge-to-node ratio, cross-directory edges, scope spread.
func ComplexityDelta(intent *model.Intent, sim *model.Simulation, g *graph.Graph) float64 {
	if g.NodeCount() == 0 {
		return 0
	}

	edgeNodeRatio := float64(g.EdgeCount()) / float64(max(g.NodeCount(), 1))

	raw := g.Density()*40.0 +
		min(edgeNodeRatio*10.0, 30.0) +
		float64(crossDirEdges(g))*3.0 +
		float64(len(intent.ScopeHint()))*5.0
	return min(100.0, round1(raw))
}

// PathDependence measures how sensitive the change is to merge order:
// conflicts, contested core files, dependency chains, cycles, path depth.
func PathDependence(intent *model.Intent, sim *model.Simulation, g *graph.Graph) float64 {
	cycles := 0
	if !g.IsDAG() {
		for _, c := range g.SimpleCycles(cycleCapSignals) {
			if len(c) >= 2 {
				cycles++
			}
		}
	}
	longest := g.LongestPath()

	raw := float64(len(sim.Conflicts))*20.0 +
		float64(coreTouches(sim.FilesChanged))*4.0 +
		float64(len(intent.Dependencies))*8.0 +
		float64(cycles)*5.0 +
		float64(longest)*2.0
	return min(100.0, round1(raw))
}

func coreTouches(files []string) int {
	n := 0
	for _, f := range files {
		for _, cp := range corePaths {
			if strings.HasPrefix(f, cp) {
				n++
				break
			}
		}
	}
	return n
}

// crossDirEdges counts file-to-file edges whose endpoints live in different
// directories.
func crossDirEdges(g *graph.Graph) int {
	n := 0
	for _, e := range g.Edges() {
		if g.Kind(e.From) != graph.KindFile || g.Kind(e.To) != graph.KindFile {
			continue
		}
		if parentDir(g.Name(e.From)) != parentDir(g.Name(e.To)) {
			n++
		}
	}
	return n
}
