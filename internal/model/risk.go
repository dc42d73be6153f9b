package model

// Signals are the four raw risk signals, each clamped to [0,100].
type Signals struct {
	EntropicLoad    float64 `json:"entropic_load"`
	ContextualValue float64 `json:"contextual_value"`
	ComplexityDelta float64 `json:"complexity_delta"`
	PathDependence  float64 `json:"path_dependence"`
}

// GraphMetrics summarizes the impact graph built around one intent.
type GraphMetrics struct {
	Nodes          int     `json:"nodes"`
	Edges          int     `json:"edges"`
	Density        float64 `json:"density"`
	Components     int     `json:"components"`
	CrossDirEdges  int     `json:"cross_dir_edges"`
	CycleCount     int     `json:"cycle_count"`
	LongestPathLen int     `json:"longest_path_len"`
}

// ImpactEdge is one propagation edge reported in risk evidence.
type ImpactEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
}

// BombKind identifies a structural failure pattern in the impact graph.
type BombKind string

const (
	BombCascade      BombKind = "cascade"
	BombSpiral       BombKind = "spiral"
	BombThermalDeath BombKind = "thermal_death"
)

// Bomb is one detected structural hazard.
type Bomb struct {
	Kind     BombKind  `json:"kind"`
	Severity RiskLevel `json:"severity"`
	Node     string    `json:"node,omitempty"`
	Detail   string    `json:"detail"`
}

// Finding is a human-readable observation attached to a risk evaluation.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Diagnostic reports one signal against its threshold, with escalation.
type Diagnostic struct {
	Signal    string  `json:"signal"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Breached  bool    `json:"breached"`
	Escalated bool    `json:"escalated"`
}

// RiskEval is the full output of the risk engine for one intent.
type RiskEval struct {
	IntentID string  `json:"intent_id"`
	Signals  Signals `json:"signals"`

	RiskScore        float64 `json:"risk_score"`
	DamageScore      float64 `json:"damage_score"`
	EntropyScore     float64 `json:"entropy_score"`
	PropagationScore float64 `json:"propagation_score"`
	Containment      float64 `json:"containment"`

	Level       RiskLevel    `json:"level"`
	Graph       GraphMetrics `json:"graph"`
	TopEdges    []ImpactEdge `json:"top_edges,omitempty"`
	Bombs       []Bomb       `json:"bombs,omitempty"`
	Findings    []Finding    `json:"findings,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// ClassifyScore maps a composite risk score to a level. Boundaries are
// half-open except the top bucket, which includes 100.
func ClassifyScore(score float64) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 50:
		return RiskMedium
	case score < 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
