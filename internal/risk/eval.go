package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convergehq/converge/internal/graph"
	"github.com/convergehq/converge/internal/model"
)

// Composite score weights.
const (
	riskWeightEntropic   = 0.30
	riskWeightContextual = 0.25
	riskWeightComplexity = 0.20
	riskWeightPathDep    = 0.25

	damageWeightContextual = 0.50
	damageWeightEntropic   = 0.30
	damageWeightPathDep    = 0.20
)

// Findings thresholds.
const (
	findingLargeChange = 15
	findingDepSpread   = 3
)

// Evaluate runs the full risk evaluation: graph construction, the four
// signals, composites, propagation and containment, bombs, findings and
// diagnostics. It is a pure function of its inputs.
func Evaluate(intent *model.Intent, sim *model.Simulation, coupling []CoChange) *model.RiskEval {
	g := BuildGraph(intent, sim, coupling)

	signals := model.Signals{
		EntropicLoad:    EntropicLoad(intent, sim, g),
		ContextualValue: ContextualValue(intent, sim, g),
		ComplexityDelta: ComplexityDelta(intent, sim, g),
		PathDependence:  PathDependence(intent, sim, g),
	}

	edges := BuildImpactEdges(intent, sim)

	eval := &model.RiskEval{
		IntentID: intent.ID,
		Signals:  signals,
		RiskScore: min(100.0, round1(
			signals.EntropicLoad*riskWeightEntropic+
				signals.ContextualValue*riskWeightContextual+
				signals.ComplexityDelta*riskWeightComplexity+
				signals.PathDependence*riskWeightPathDep)),
		DamageScore: min(100.0, round1(
			signals.ContextualValue*damageWeightContextual+
				signals.EntropicLoad*damageWeightEntropic+
				signals.PathDependence*damageWeightPathDep)),
		EntropyScore:     signals.EntropicLoad,
		PropagationScore: PropagationScore(g, edges),
		Containment:      ContainmentScore(intent, g, edges),
		Graph:            metrics(g),
		TopEdges:         edges,
		Bombs:            DetectBombs(intent, sim, g),
		Findings:         AnalyzeFindings(intent, sim),
	}
	eval.Level = model.ClassifyScore(eval.RiskScore)
	eval.Diagnostics = BuildDiagnostics(eval, sim)
	return eval
}

func metrics(g *graph.Graph) model.GraphMetrics {
	if g.NodeCount() == 0 {
		return model.GraphMetrics{}
	}
	cycles := 0
	if !g.IsDAG() {
		cycles = len(g.SimpleCycles(cycleCapSignals))
	}
	return model.GraphMetrics{
		Nodes:          g.NodeCount(),
		Edges:          g.EdgeCount(),
		Density:        g.Density(),
		Components:     g.WeakComponents(),
		CrossDirEdges:  crossDirEdges(g),
		CycleCount:     cycles,
		LongestPathLen: g.LongestPath(),
	}
}

// AnalyzeFindings derives coarse observations from the intent and its
// simulation, independent of the graph.
func AnalyzeFindings(intent *model.Intent, sim *model.Simulation) []model.Finding {
	var findings []model.Finding
	if len(sim.FilesChanged) > findingLargeChange {
		findings = append(findings, model.Finding{
			Code:    "semantic.large_change",
			Message: fmt.Sprintf("change touches %d files", len(sim.FilesChanged)),
		})
	}
	if len(intent.Dependencies) > findingDepSpread {
		findings = append(findings, model.Finding{
			Code:    "semantic.dependency_spread",
			Message: fmt.Sprintf("depends on %d other intents", len(intent.Dependencies)),
		})
	}
	if coreTargets[intent.Target] {
		findings = append(findings, model.Finding{
			Code:    "semantic.core_target",
			Message: fmt.Sprintf("targets core branch: %s", intent.Target),
		})
	}
	if len(sim.Conflicts) > 0 {
		findings = append(findings, model.Finding{
			Code:    "semantic.merge_conflict",
			Message: fmt.Sprintf("%d merge conflict(s) detected", len(sim.Conflicts)),
		})
	}
	return findings
}

// Diagnostic thresholds.
const (
	diagRiskHigh        = 60.0
	diagRiskCritical    = 80.0
	diagEntropyMed      = 20.0
	diagEntropyHigh     = 40.0
	diagPropagation     = 40.0
	diagContainment     = 0.4
	diagEntropicLoad    = 50.0
	diagContextualValue = 60.0
	diagPathDep         = 40.0
)

type thresholdRule struct {
	signal      string
	value       func(*model.RiskEval) float64
	below       bool // trigger when value < threshold instead of >
	threshold   float64
	escalation  float64 // 0 means no escalation step
}

var thresholdRules = []thresholdRule{
	{signal: "risk_score", value: func(e *model.RiskEval) float64 { return e.RiskScore },
		threshold: diagRiskHigh, escalation: diagRiskCritical},
	{signal: "entropy_score", value: func(e *model.RiskEval) float64 { return e.EntropyScore },
		threshold: diagEntropyMed, escalation: diagEntropyHigh},
	{signal: "propagation_score", value: func(e *model.RiskEval) float64 { return e.PropagationScore },
		threshold: diagPropagation},
	{signal: "containment_score", value: func(e *model.RiskEval) float64 { return e.Containment },
		below: true, threshold: diagContainment},
	{signal: "entropic_load", value: func(e *model.RiskEval) float64 { return e.Signals.EntropicLoad },
		threshold: diagEntropicLoad},
	{signal: "contextual_value", value: func(e *model.RiskEval) float64 { return e.Signals.ContextualValue },
		threshold: diagContextualValue},
	{signal: "path_dependence", value: func(e *model.RiskEval) float64 { return e.Signals.PathDependence },
		threshold: diagPathDep},
}

// BuildDiagnostics renders the threshold table plus bomb entries against
// one evaluation, worst first.
func BuildDiagnostics(eval *model.RiskEval, sim *model.Simulation) []model.Diagnostic {
	var diags []model.Diagnostic
	for _, rule := range thresholdRules {
		v := rule.value(eval)
		triggered := v > rule.threshold
		if rule.below {
			triggered = v < rule.threshold
		}
		if !triggered {
			continue
		}
		escalated := rule.escalation != 0 && v > rule.escalation
		diags = append(diags, model.Diagnostic{
			Signal:    rule.signal,
			Value:     v,
			Threshold: rule.threshold,
			Breached:  true,
			Escalated: escalated,
		})
	}
	if !sim.Mergeable {
		diags = append(diags, model.Diagnostic{
			Signal:    "merge_conflict",
			Value:     float64(len(sim.Conflicts)),
			Threshold: 0,
			Breached:  true,
			Escalated: true,
		})
	}
	for _, b := range eval.Bombs {
		diags = append(diags, model.Diagnostic{
			Signal:    "bomb." + string(b.Kind),
			Value:     1,
			Threshold: 0,
			Breached:  true,
			Escalated: b.Severity == model.RiskCritical,
		})
	}
	sort.SliceStable(diags, func(i, j int) bool {
		return severityRank(diags[i]) < severityRank(diags[j])
	})
	return diags
}

// severityRank orders diagnostics worst first: escalated entries, then bomb
// entries, then plain breaches.
func severityRank(d model.Diagnostic) int {
	switch {
	case d.Escalated:
		return 0
	case strings.HasPrefix(d.Signal, "bomb."):
		return 1
	default:
		return 2
	}
}
