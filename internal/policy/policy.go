// Package policy evaluates an intent's validation evidence against the
// active risk profile: five gates plus the canary risk gate. Every gate is
// always computed so a block reports the full picture, not just the first
// failure.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/convergehq/converge/internal/config"
	"github.com/convergehq/converge/internal/model"
)

// GateInput bundles the evidence the gates judge.
type GateInput struct {
	Intent       *model.Intent
	PassedChecks []string
	Risk         *model.RiskEval
	Coherence    *model.CoherenceEvaluation
	Security     model.SeverityCounts
}

// Evaluate runs the five gates for the intent's effective profile. Verdict
// is ALLOW iff every gate passes.
func Evaluate(pol *config.Policy, in GateInput) *model.PolicyEvaluation {
	prof := pol.ProfileFor(in.Intent.RiskLevel, in.Intent.OriginType)

	eval := &model.PolicyEvaluation{
		IntentID: in.Intent.ID,
		Profile:  string(in.Intent.RiskLevel),
		Verdict:  model.VerdictAllow,
	}
	eval.Gates = []model.GateResult{
		verificationGate(prof, in),
		containmentGate(prof, in.Risk),
		entropyGate(prof, in.Risk),
		securityGate(prof, in.Security),
		coherenceGate(prof, in.Coherence),
	}
	for _, g := range eval.Gates {
		if !g.Passed {
			eval.Verdict = model.VerdictBlock
			eval.Reasons = append(eval.Reasons, fmt.Sprintf("%s: %s", g.Gate, g.Detail))
		}
	}
	return eval
}

// verificationGate requires every effective check to have passed. The
// effective set is the profile's checks plus anything the intent itself
// demanded.
func verificationGate(prof config.Profile, in GateInput) model.GateResult {
	required := config.EffectiveChecks(prof, in.Intent.ChecksRequired)
	passed := make(map[string]bool, len(in.PassedChecks))
	for _, c := range in.PassedChecks {
		passed[c] = true
	}

	g := model.GateResult{Gate: model.GateVerification, Passed: true}
	for _, c := range required {
		if !passed[c] {
			g.Missing = append(g.Missing, c)
		}
	}
	g.Value = float64(len(required) - len(g.Missing))
	g.Limit = float64(len(required))
	if len(g.Missing) > 0 {
		g.Passed = false
		g.Detail = "missing checks: " + strings.Join(g.Missing, ", ")
	}
	return g
}

func containmentGate(prof config.Profile, risk *model.RiskEval) model.GateResult {
	g := model.GateResult{
		Gate:  model.GateContainment,
		Value: risk.Containment,
		Limit: prof.ContainmentMin,
	}
	g.Passed = risk.Containment >= prof.ContainmentMin
	if !g.Passed {
		g.Detail = fmt.Sprintf("containment %.2f below minimum %.2f", risk.Containment, prof.ContainmentMin)
	}
	return g
}

func entropyGate(prof config.Profile, risk *model.RiskEval) model.GateResult {
	g := model.GateResult{
		Gate:  model.GateEntropy,
		Value: risk.EntropyScore,
		Limit: prof.EntropyBudget,
	}
	g.Passed = risk.EntropyScore <= prof.EntropyBudget
	if !g.Passed {
		g.Detail = fmt.Sprintf("entropy %.1f exceeds budget %.1f", risk.EntropyScore, prof.EntropyBudget)
	}
	return g
}

// securityGate blocks on any critical finding and on high findings beyond
// the profile limit. The gate value weighs criticals 10x.
func securityGate(prof config.Profile, counts model.SeverityCounts) model.GateResult {
	crit := counts[model.SeverityCritical]
	high := counts[model.SeverityHigh]
	g := model.GateResult{
		Gate:  model.GateSecurity,
		Value: float64(counts.SecurityValue()),
		Limit: float64(prof.Security.MaxHigh),
	}
	g.Passed = crit <= prof.Security.MaxCritical && high <= prof.Security.MaxHigh
	if !g.Passed {
		g.Detail = fmt.Sprintf("%d critical, %d high findings (max %d critical, %d high)",
			crit, high, prof.Security.MaxCritical, prof.Security.MaxHigh)
	}
	return g
}

func coherenceGate(prof config.Profile, eval *model.CoherenceEvaluation) model.GateResult {
	g := model.GateResult{Gate: model.GateCoherence, Limit: prof.CoherenceWarn}
	if eval == nil {
		// Harness disabled or absent: no evidence against the change.
		g.Passed = true
		g.Value = 100
		return g
	}
	g.Value = eval.Score
	g.Passed = eval.Score >= prof.CoherenceWarn
	if !g.Passed {
		g.Detail = fmt.Sprintf("coherence score %.1f below %.1f", eval.Score, prof.CoherenceWarn)
	}
	return g
}

// EvaluateRiskGate applies the canary risk gate: composite scores against
// the configured maxima, enforced only for the fraction of intents whose
// deterministic bucket falls under the enforce ratio. In shadow mode a
// breach is recorded but never enforced.
func EvaluateRiskGate(settings config.RiskSettings, intentID string, risk *model.RiskEval) *model.RiskGateResult {
	res := &model.RiskGateResult{
		Mode:   settings.Mode,
		Bucket: Bucket(intentID),
	}
	if risk.RiskScore > settings.MaxRiskScore {
		res.Breaches = append(res.Breaches, fmt.Sprintf("risk_score %.1f > %.1f", risk.RiskScore, settings.MaxRiskScore))
	}
	if risk.DamageScore > settings.MaxDamageScore {
		res.Breaches = append(res.Breaches, fmt.Sprintf("damage_score %.1f > %.1f", risk.DamageScore, settings.MaxDamageScore))
	}
	if risk.PropagationScore > settings.MaxPropagationScore {
		res.Breaches = append(res.Breaches, fmt.Sprintf("propagation_score %.1f > %.1f", risk.PropagationScore, settings.MaxPropagationScore))
	}
	res.Breached = len(res.Breaches) > 0
	if !res.Breached {
		return res
	}

	res.WouldBlock = true
	if settings.Mode == "enforce" && res.Bucket < settings.EnforceRatio {
		res.Enforced = true
	}
	return res
}

// Bucket maps an intent id to [0,1) deterministically, so gradual
// enforcement rollout is stable per intent.
func Bucket(intentID string) float64 {
	sum := sha256.Sum256([]byte(intentID))
	return float64(binary.BigEndian.Uint32(sum[:4])) / float64(1<<32)
}
