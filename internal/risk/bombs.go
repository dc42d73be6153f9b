package risk

import (
	"fmt"

	"github.com/convergehq/converge/internal/graph"
	"github.com/convergehq/converge/internal/model"
)

// DetectBombs finds structural degradation patterns in the impact graph:
// cascade (high-centrality fan-out), spiral (circular dependencies), and
// thermal death (multiple entropy indicators elevated at once).
func DetectBombs(intent *model.Intent, sim *model.Simulation, g *graph.Graph) []model.Bomb {
	var bombs []model.Bomb
	if g.NodeCount() == 0 {
		return bombs
	}

	if b, ok := detectCascade(sim, g); ok {
		bombs = append(bombs, b)
	}
	if b, ok := detectSpiral(g); ok {
		bombs = append(bombs, b)
	}
	if b, ok := detectThermalDeath(intent, sim, g); ok {
		bombs = append(bombs, b)
	}
	return bombs
}

// detectCascade flags changed files whose PageRank exceeds 1.5/n with fan-out
// of at least 3, when their combined reachable set outgrows the change.
func detectCascade(sim *model.Simulation, g *graph.Graph) (model.Bomb, bool) {
	pr := g.PageRank()
	threshold := 1.5 / float64(max(g.NodeCount(), 1))

	var triggers []int
	for _, fn := range g.NodesOfKind(graph.KindFile) {
		if pr[fn] > threshold && g.OutDegree(fn) >= 3 {
			triggers = append(triggers, fn)
		}
	}
	if len(triggers) == 0 {
		return model.Bomb{}, false
	}

	affected := make(map[int]bool)
	for _, fn := range triggers {
		for d := range g.Descendants(fn) {
			affected[d] = true
		}
	}
	if float64(len(affected)) <= float64(len(sim.FilesChanged))*1.5 {
		return model.Bomb{}, false
	}

	return model.Bomb{
		Kind:     model.BombCascade,
		Severity: model.RiskHigh,
		Node:     g.Name(triggers[0]),
		Detail: fmt.Sprintf("change touches %d high-centrality node(s) with potential cascade to %d nodes",
			len(triggers), len(affected)),
	}, true
}

// detectSpiral flags graphs with at least two simple cycles of length >= 2.
func detectSpiral(g *graph.Graph) (model.Bomb, bool) {
	if g.IsDAG() {
		return model.Bomb{}, false
	}
	cycles := 0
	for _, c := range g.SimpleCycles(cycleCapBombs) {
		if len(c) >= 2 {
			cycles++
		}
	}
	if cycles < 2 {
		return model.Bomb{}, false
	}
	return model.Bomb{
		Kind:     model.BombSpiral,
		Severity: model.RiskMedium,
		Detail:   fmt.Sprintf("%d circular dependency cycle(s) detected", cycles),
	}, true
}

// detectThermalDeath fires when at least three of five entropy indicators
// are elevated simultaneously.
func detectThermalDeath(intent *model.Intent, sim *model.Simulation, g *graph.Graph) (model.Bomb, bool) {
	hot := 0
	if len(sim.FilesChanged) > 10 {
		hot++
	}
	if len(sim.Conflicts) > 0 {
		hot++
	}
	if len(intent.Dependencies) > 3 {
		hot++
	}
	if g.WeakComponents() > 3 {
		hot++
	}
	if g.EdgeCount() > g.NodeCount()*2 {
		hot++
	}
	if hot < 3 {
		return model.Bomb{}, false
	}
	return model.Bomb{
		Kind:     model.BombThermalDeath,
		Severity: model.RiskCritical,
		Detail: fmt.Sprintf("%d/5 entropy indicators elevated: files=%d, conflicts=%d, deps=%d, components=%d, edges=%d/%d",
			hot, len(sim.FilesChanged), len(sim.Conflicts), len(intent.Dependencies),
			g.WeakComponents(), g.EdgeCount(), g.NodeCount()),
	}, true
}
