package model

// GateName identifies one of the five policy gates.
type GateName string

const (
	GateVerification GateName = "verification"
	GateContainment  GateName = "containment"
	GateEntropy      GateName = "entropy"
	GateSecurity     GateName = "security"
	GateCoherence    GateName = "coherence"
)

// GateNames lists the gates in evaluation order. All gates are always
// computed, even after the first failure.
var GateNames = []GateName{
	GateVerification, GateContainment, GateEntropy, GateSecurity, GateCoherence,
}

// GateResult is the outcome of a single gate.
type GateResult struct {
	Gate    GateName `json:"gate"`
	Passed  bool     `json:"passed"`
	Value   float64  `json:"value"`
	Limit   float64  `json:"limit"`
	Detail  string   `json:"detail,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Verdict is a policy decision.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictBlock Verdict = "BLOCK"
)

// RiskGateResult reports the canary risk gate outcome. In shadow mode a
// breach is recorded as WouldBlock without enforcing.
type RiskGateResult struct {
	Breached   bool     `json:"breached"`
	Breaches   []string `json:"breaches,omitempty"`
	Mode       string   `json:"mode"`
	Bucket     float64  `json:"bucket"`
	Enforced   bool     `json:"enforced"`
	WouldBlock bool     `json:"would_block"`
}

// PolicyEvaluation is the full result of evaluating an intent against the
// active profile.
type PolicyEvaluation struct {
	IntentID string          `json:"intent_id"`
	Profile  string          `json:"profile"`
	Gates    []GateResult    `json:"gates"`
	RiskGate *RiskGateResult `json:"risk_gate,omitempty"`
	Verdict  Verdict         `json:"verdict"`
	Reasons  []string        `json:"reasons,omitempty"`
}

// FailedGates returns the names of gates that did not pass.
func (e *PolicyEvaluation) FailedGates() []GateName {
	var out []GateName
	for _, g := range e.Gates {
		if !g.Passed {
			out = append(out, g.Gate)
		}
	}
	return out
}
