package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/convergehq/converge/internal/model"
)

// SecurityLimits bound the security gate. MaxCritical is forced to zero
// regardless of configuration.
type SecurityLimits struct {
	MaxCritical int `json:"max_critical"`
	MaxHigh     int `json:"max_high"`
}

// Profile is the policy profile applied to intents of one risk level.
type Profile struct {
	EntropyBudget  float64        `json:"entropy_budget"`
	ContainmentMin float64        `json:"containment_min"`
	BlastLimit     float64        `json:"blast_limit"`
	Checks         []string       `json:"checks"`
	CoherencePass  float64        `json:"coherence_pass"`
	CoherenceWarn  float64        `json:"coherence_warn"`
	Security       SecurityLimits `json:"security"`
}

// QueueSettings configure queue processing.
type QueueSettings struct {
	MaxRetries    int    `json:"max_retries"`
	DefaultTarget string `json:"default_target"`
}

// RiskSettings configure the canary risk gate.
type RiskSettings struct {
	MaxRiskScore        float64 `json:"max_risk_score"`
	MaxDamageScore      float64 `json:"max_damage_score"`
	MaxPropagationScore float64 `json:"max_propagation_score"`
	Mode                string  `json:"mode"` // "shadow" or "enforce"
	EnforceRatio        float64 `json:"enforce_ratio"`
}

// partialProfile carries the optional fields of an origin override. Pointers
// distinguish "absent" from zero values.
type partialProfile struct {
	EntropyBudget  *float64        `json:"entropy_budget,omitempty"`
	ContainmentMin *float64        `json:"containment_min,omitempty"`
	BlastLimit     *float64        `json:"blast_limit,omitempty"`
	Checks         *[]string       `json:"checks,omitempty"`
	CoherencePass  *float64        `json:"coherence_pass,omitempty"`
	CoherenceWarn  *float64        `json:"coherence_warn,omitempty"`
	Security       *SecurityLimits `json:"security,omitempty"`
}

// Policy is the full merge-policy configuration.
type Policy struct {
	Profiles        map[model.RiskLevel]Profile                           `json:"profiles"`
	OriginOverrides map[model.OriginType]map[string]partialProfile        `json:"origin_overrides,omitempty"`
	Queue           QueueSettings                                         `json:"queue"`
	Risk            RiskSettings                                          `json:"risk"`
}

// DefaultPolicy returns the built-in policy used when no file is present.
func DefaultPolicy() *Policy {
	return &Policy{
		Profiles: map[model.RiskLevel]Profile{
			model.RiskLow: {
				EntropyBudget: 25.0, ContainmentMin: 0.3, BlastLimit: 50.0,
				Checks:        []string{"lint"},
				CoherencePass: 75, CoherenceWarn: 60,
				Security: SecurityLimits{MaxCritical: 0, MaxHigh: 5},
			},
			model.RiskMedium: {
				EntropyBudget: 18.0, ContainmentMin: 0.5, BlastLimit: 35.0,
				Checks:        []string{"lint"},
				CoherencePass: 75, CoherenceWarn: 60,
				Security: SecurityLimits{MaxCritical: 0, MaxHigh: 2},
			},
			model.RiskHigh: {
				EntropyBudget: 12.0, ContainmentMin: 0.7, BlastLimit: 20.0,
				Checks:        []string{"lint", "unit_tests"},
				CoherencePass: 80, CoherenceWarn: 65,
				Security: SecurityLimits{MaxCritical: 0, MaxHigh: 0},
			},
			model.RiskCritical: {
				EntropyBudget: 6.0, ContainmentMin: 0.85, BlastLimit: 10.0,
				Checks:        []string{"lint", "unit_tests"},
				CoherencePass: 85, CoherenceWarn: 70,
				Security: SecurityLimits{MaxCritical: 0, MaxHigh: 0},
			},
		},
		Queue: QueueSettings{MaxRetries: model.MaxRetries, DefaultTarget: "main"},
		Risk: RiskSettings{
			MaxRiskScore:        65,
			MaxDamageScore:      60,
			MaxPropagationScore: 55,
			Mode:                "shadow",
			EnforceRatio:        0.0,
		},
	}
}

// policySearchPaths is the load order after an explicit path.
var policySearchPaths = []string{
	filepath.Join(".converge", "policy.json"),
	"policy.json",
	"policy.default.json",
}

// LoadPolicy reads the policy file. An explicit path wins; otherwise the
// standard locations are searched in order. With no file anywhere the
// built-in defaults apply. A file that exists but does not parse or
// validate is a hard error.
func LoadPolicy(explicitPath string) (*Policy, error) {
	paths := policySearchPaths
	if explicitPath != "" {
		paths = append([]string{explicitPath}, paths...)
	}
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read policy %s: %w", p, err)
		}
		return parsePolicy(raw, p)
	}
	return DefaultPolicy(), nil
}

func parsePolicy(raw []byte, path string) (*Policy, error) {
	// Start from defaults so partial files only override what they name.
	pol := DefaultPolicy()
	if err := json.Unmarshal(raw, pol); err != nil {
		return nil, fmt.Errorf("config: parse policy %s: %w", path, err)
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("config: policy %s: %w", path, err)
	}
	pol.normalize()
	return pol, nil
}

// Validate rejects structurally invalid policy files.
func (p *Policy) Validate() error {
	for level, prof := range p.Profiles {
		switch level {
		case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
		default:
			return fmt.Errorf("unknown profile level %q", level)
		}
		if prof.EntropyBudget < 0 {
			return fmt.Errorf("profile %s: negative entropy_budget", level)
		}
		if prof.ContainmentMin < 0 || prof.ContainmentMin > 1 {
			return fmt.Errorf("profile %s: containment_min out of [0,1]", level)
		}
	}
	switch p.Risk.Mode {
	case "shadow", "enforce":
	default:
		return fmt.Errorf("risk mode %q is not shadow or enforce", p.Risk.Mode)
	}
	if p.Risk.EnforceRatio < 0 || p.Risk.EnforceRatio > 1 {
		return fmt.Errorf("enforce_ratio %v out of [0,1]", p.Risk.EnforceRatio)
	}
	if p.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries is negative")
	}
	return nil
}

// normalize enforces hard constraints that configuration cannot relax.
func (p *Policy) normalize() {
	for level, prof := range p.Profiles {
		prof.Security.MaxCritical = 0
		p.Profiles[level] = prof
	}
}

// ProfileFor resolves the effective profile for a risk level and origin:
// the base profile merged with origin_overrides[origin][level], falling
// back to origin_overrides[origin]["_default"].
func (p *Policy) ProfileFor(level model.RiskLevel, origin model.OriginType) Profile {
	prof := p.Profiles[level]
	byOrigin, ok := p.OriginOverrides[origin]
	if !ok {
		return prof
	}
	override, ok := byOrigin[string(level)]
	if !ok {
		override, ok = byOrigin["_default"]
	}
	if !ok {
		return prof
	}
	if override.EntropyBudget != nil {
		prof.EntropyBudget = *override.EntropyBudget
	}
	if override.ContainmentMin != nil {
		prof.ContainmentMin = *override.ContainmentMin
	}
	if override.BlastLimit != nil {
		prof.BlastLimit = *override.BlastLimit
	}
	if override.Checks != nil {
		prof.Checks = append([]string(nil), (*override.Checks)...)
	}
	if override.CoherencePass != nil {
		prof.CoherencePass = *override.CoherencePass
	}
	if override.CoherenceWarn != nil {
		prof.CoherenceWarn = *override.CoherenceWarn
	}
	if override.Security != nil {
		prof.Security = *override.Security
		prof.Security.MaxCritical = 0
	}
	return prof
}

// EffectiveChecks is the union of the profile's checks and the intent's own
// checks_required, in first-seen order.
func EffectiveChecks(prof Profile, intentChecks []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lists := range [][]string{prof.Checks, intentChecks} {
		for _, c := range lists {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// CalibrateEntropyBudgets recomputes per-profile entropy budgets from a
// history of observed entropy scores using P75/P90/P95, with floors so a
// quiet history cannot collapse the budgets to zero.
func (p *Policy) CalibrateEntropyBudgets(history []float64) error {
	if len(history) == 0 {
		return fmt.Errorf("config: calibrate: empty history")
	}
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	p75 := percentile(sorted, 0.75)
	p90 := percentile(sorted, 0.90)
	p95 := percentile(sorted, 0.95)

	set := func(level model.RiskLevel, budget float64) {
		prof := p.Profiles[level]
		prof.EntropyBudget = budget
		p.Profiles[level] = prof
	}
	set(model.RiskLow, max(1.5*p75, 10.0))
	set(model.RiskMedium, max(p75, 8.0))
	set(model.RiskHigh, max(p90, 5.0))
	set(model.RiskCritical, max(0.8*p95, 3.0))
	return nil
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
