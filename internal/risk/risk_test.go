package risk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/graph"
	"github.com/convergehq/converge/internal/model"
)

func simpleIntent() *model.Intent {
	return &model.Intent{
		ID:        "abc123def456",
		Source:    "feature/x",
		Target:    "main",
		RiskLevel: model.RiskMedium,
		Priority:  3,
	}
}

func simpleSim() *model.Simulation {
	return &model.Simulation{
		Mergeable:    true,
		FilesChanged: []string{"src/a.go", "src/b.go"},
	}
}

func TestBuildGraph(t *testing.T) {
	g := BuildGraph(simpleIntent(), simpleSim(), nil)

	// 2 files, 1 directory, intent, branch.
	assert.Equal(t, 5, g.NodeCount())
	// 2 contained_in, 2 co_located, 1 merge_target.
	assert.Equal(t, 5, g.EdgeCount())
	assert.Equal(t, 2, g.WeakComponents())

	_, ok := g.Lookup(graph.KindDirectory, "src")
	assert.True(t, ok)
	_, ok = g.Lookup(graph.KindBranch, "main")
	assert.True(t, ok)
}

func TestBuildGraphScopesAndDeps(t *testing.T) {
	intent := simpleIntent()
	intent.Dependencies = []string{"dep1"}
	intent.Technical = map[string]any{"scope_hint": []any{"src"}}
	g := BuildGraph(intent, simpleSim(), nil)

	sn, ok := g.Lookup(graph.KindScope, "src")
	require.True(t, ok)
	// Scope name matches both file paths.
	for _, e := range g.OutEdges(sn) {
		assert.Equal(t, "scope_contains", e.Kind)
		assert.Equal(t, 0.5, e.Weight)
	}

	in, ok := g.Lookup(graph.KindIntent, intent.ID)
	require.True(t, ok)
	kinds := map[string]int{}
	for _, e := range g.OutEdges(in) {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds["depends_on"])
	assert.Equal(t, 1, kinds["merge_target"])
}

func TestBuildGraphCoChange(t *testing.T) {
	coupling := []CoChange{
		{FileA: "src/a.go", FileB: "lib/z.go", Pairs: 4},
		{FileA: "x.go", FileB: "y.go", Pairs: 9}, // untouched pair, ignored
	}
	g := BuildGraph(simpleIntent(), simpleSim(), coupling)

	_, ok := g.Lookup(graph.KindFile, "lib/z.go")
	assert.True(t, ok)
	_, ok = g.Lookup(graph.KindFile, "x.go")
	assert.False(t, ok)

	an, _ := g.Lookup(graph.KindFile, "src/a.go")
	found := false
	for _, e := range g.OutEdges(an) {
		if e.Kind == "co_change" {
			found = true
			assert.InDelta(t, 0.4, e.Weight, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestSignalsDeterministic(t *testing.T) {
	intent := simpleIntent()
	sim := simpleSim()
	g := BuildGraph(intent, sim, nil)

	// 2 files·2 + 1 dir·3 + 1 extra component·5.
	assert.Equal(t, 12.0, EntropicLoad(intent, sim, g))

	// density 0.25·40 + edge/node ratio 1·10 + no cross-dir + no scopes.
	assert.Equal(t, 20.0, ComplexityDelta(intent, sim, g))

	// 2 core touches·4 + 1 co-located cycle·5.
	assert.Equal(t, 13.0, PathDependence(intent, sim, g))

	// core ratio 1 (+20), main target (+10), medium risk (+5), importance > 0.
	cv := ContextualValue(intent, sim, g)
	assert.GreaterOrEqual(t, cv, 35.0)
	assert.LessOrEqual(t, cv, 100.0)
}

func TestPropagationAndContainment(t *testing.T) {
	intent := simpleIntent()
	sim := simpleSim()
	g := BuildGraph(intent, sim, nil)
	edges := BuildImpactEdges(intent, sim)

	// merge_target + 2 modifies_file.
	require.Len(t, edges, 3)

	// avg file out-degree 2 → 20; edge weight 1.6·3 + 3 targets·2 → 10.8.
	assert.InDelta(t, 30.8, PropagationScore(g, edges), 1e-9)

	// 3 boundary crossings, 2 components.
	assert.InDelta(t, 0.82, ContainmentScore(intent, g, edges), 1e-9)

	t.Run("empty is fully contained", func(t *testing.T) {
		assert.Equal(t, 1.0, ContainmentScore(simpleIntent(), graph.New(), nil))
		assert.Equal(t, 0.0, PropagationScore(graph.New(), nil))
	})
}

func TestEvaluateComposites(t *testing.T) {
	eval := Evaluate(simpleIntent(), simpleSim(), nil)

	s := eval.Signals
	wantRisk := round1(s.EntropicLoad*0.30 + s.ContextualValue*0.25 +
		s.ComplexityDelta*0.20 + s.PathDependence*0.25)
	assert.Equal(t, wantRisk, eval.RiskScore)

	wantDamage := round1(s.ContextualValue*0.50 + s.EntropicLoad*0.30 + s.PathDependence*0.20)
	assert.Equal(t, wantDamage, eval.DamageScore)

	assert.Equal(t, s.EntropicLoad, eval.EntropyScore)
	assert.Equal(t, model.ClassifyScore(eval.RiskScore), eval.Level)
	assert.Equal(t, "abc123def456", eval.IntentID)
	assert.NotZero(t, eval.Graph.Nodes)
}

func TestEvaluateSignalBounds(t *testing.T) {
	// A deliberately hot change: every signal must still land in range.
	intent := simpleIntent()
	intent.Dependencies = []string{"d1", "d2", "d3", "d4", "d5", "d6"}
	intent.RiskLevel = model.RiskCritical
	intent.Technical = map[string]any{
		"scope_hint": []any{"core", "api", "storage", "auth", "billing"},
	}
	sim := &model.Simulation{
		Mergeable: false,
		Conflicts: []string{"src/a.go", "src/b.go", "src/c.go", "src/d.go", "src/e.go", "src/f.go", "src/g.go"},
	}
	for i := 0; i < 40; i++ {
		sim.FilesChanged = append(sim.FilesChanged, fmt.Sprintf("src/pkg%d/f%d.go", i%7, i))
	}

	eval := Evaluate(intent, sim, nil)
	for name, v := range map[string]float64{
		"entropic_load":     eval.Signals.EntropicLoad,
		"contextual_value":  eval.Signals.ContextualValue,
		"complexity_delta":  eval.Signals.ComplexityDelta,
		"path_dependence":   eval.Signals.PathDependence,
		"risk_score":        eval.RiskScore,
		"damage_score":      eval.DamageScore,
		"entropy_score":     eval.EntropyScore,
		"propagation_score": eval.PropagationScore,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 100.0, name)
	}
	assert.GreaterOrEqual(t, eval.Containment, 0.0)
	assert.LessOrEqual(t, eval.Containment, 1.0)
}

func TestAnalyzeFindings(t *testing.T) {
	intent := simpleIntent()
	intent.Dependencies = []string{"a", "b", "c", "d"}
	sim := &model.Simulation{
		Mergeable: false,
		Conflicts: []string{"src/a.go"},
	}
	for i := 0; i < 16; i++ {
		sim.FilesChanged = append(sim.FilesChanged, fmt.Sprintf("f%d.go", i))
	}

	findings := AnalyzeFindings(intent, sim)
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	assert.Equal(t, []string{
		"semantic.large_change",
		"semantic.dependency_spread",
		"semantic.core_target",
		"semantic.merge_conflict",
	}, codes)

	t.Run("quiet change has no findings", func(t *testing.T) {
		intent := simpleIntent()
		intent.Target = "develop"
		assert.Empty(t, AnalyzeFindings(intent, simpleSim()))
	})
}

func TestDetectThermalDeath(t *testing.T) {
	// Scenario: files=12, conflicts=1, deps=4: three indicators elevated.
	intent := simpleIntent()
	intent.Dependencies = []string{"d1", "d2", "d3", "d4"}
	sim := &model.Simulation{Mergeable: false, Conflicts: []string{"src/a.go"}}
	for i := 0; i < 12; i++ {
		sim.FilesChanged = append(sim.FilesChanged, fmt.Sprintf("src/p%d/f%d.go", i, i))
	}
	g := BuildGraph(intent, sim, nil)

	bombs := DetectBombs(intent, sim, g)
	var kinds []model.BombKind
	for _, b := range bombs {
		kinds = append(kinds, b.Kind)
	}
	require.Contains(t, kinds, model.BombThermalDeath)
	for _, b := range bombs {
		if b.Kind == model.BombThermalDeath {
			assert.Equal(t, model.RiskCritical, b.Severity)
		}
	}
}

func TestDetectCascade(t *testing.T) {
	g := graph.New()
	hub := g.AddNode(graph.KindFile, "core/hub.go")
	for _, n := range []string{"b", "c", "d"} {
		src := g.AddNode(graph.KindFile, n)
		g.AddEdge(src, hub, "co_change", 0.5)
	}
	for _, n := range []string{"x", "y", "z", "w"} {
		dst := g.AddNode(graph.KindFile, n)
		g.AddEdge(hub, dst, "co_change", 0.5)
	}
	sim := &model.Simulation{FilesChanged: []string{"core/hub.go", "b"}}

	b, ok := detectCascade(sim, g)
	require.True(t, ok)
	assert.Equal(t, model.BombCascade, b.Kind)
	assert.Equal(t, model.RiskHigh, b.Severity)
	assert.Equal(t, "core/hub.go", b.Node)
}

func TestDetectSpiral(t *testing.T) {
	g := graph.New()
	a := g.AddNode(graph.KindFile, "a")
	b := g.AddNode(graph.KindFile, "b")
	c := g.AddNode(graph.KindFile, "c")
	g.AddEdge(a, b, "x", 1)
	g.AddEdge(b, a, "x", 1)
	g.AddEdge(b, c, "x", 1)
	g.AddEdge(c, b, "x", 1)

	bomb, ok := detectSpiral(g)
	require.True(t, ok)
	assert.Equal(t, model.BombSpiral, bomb.Kind)
	assert.Equal(t, model.RiskMedium, bomb.Severity)

	t.Run("single cycle is not a spiral", func(t *testing.T) {
		g := graph.New()
		a := g.AddNode(graph.KindFile, "a")
		b := g.AddNode(graph.KindFile, "b")
		g.AddEdge(a, b, "x", 1)
		g.AddEdge(b, a, "x", 1)
		_, ok := detectSpiral(g)
		assert.False(t, ok)
	})
}

func TestBuildDiagnostics(t *testing.T) {
	eval := &model.RiskEval{
		RiskScore:        85,
		EntropyScore:     45,
		PropagationScore: 50,
		Containment:      0.2,
		Signals: model.Signals{
			EntropicLoad:    45,
			ContextualValue: 70,
			PathDependence:  50,
		},
		Bombs: []model.Bomb{{Kind: model.BombThermalDeath, Severity: model.RiskCritical}},
	}
	sim := &model.Simulation{Mergeable: false, Conflicts: []string{"a"}}

	diags := BuildDiagnostics(eval, sim)
	require.NotEmpty(t, diags)

	// Escalated diagnostics sort first.
	assert.True(t, diags[0].Escalated)

	bySignal := map[string]model.Diagnostic{}
	for _, d := range diags {
		bySignal[d.Signal] = d
	}
	assert.True(t, bySignal["risk_score"].Escalated)
	assert.True(t, bySignal["entropy_score"].Escalated)
	assert.True(t, bySignal["containment_score"].Breached)
	assert.Contains(t, bySignal, "merge_conflict")
	assert.Contains(t, bySignal, "bomb.thermal_death")

	t.Run("clean evaluation has no diagnostics", func(t *testing.T) {
		clean := &model.RiskEval{RiskScore: 10, Containment: 0.9}
		assert.Empty(t, BuildDiagnostics(clean, &model.Simulation{Mergeable: true}))
	})
}
