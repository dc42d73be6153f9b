// Package model defines the core domain types for Converge: intents, events,
// simulations, risk evaluations, policy verdicts, and security findings.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Intent.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusReady     Status = "READY"
	StatusValidated Status = "VALIDATED"
	StatusQueued    Status = "QUEUED"
	StatusMerged    Status = "MERGED"
	StatusRejected  Status = "REJECTED"
)

// statusTransitions encodes the Intent state machine. REJECTED is reachable
// from every non-terminal state; MERGED and REJECTED are terminal.
var statusTransitions = map[Status][]Status{
	StatusDraft:     {StatusReady, StatusRejected},
	StatusReady:     {StatusValidated, StatusRejected},
	StatusValidated: {StatusQueued, StatusMerged, StatusReady, StatusRejected},
	StatusQueued:    {StatusMerged, StatusReady, StatusRejected},
	StatusMerged:    {},
	StatusRejected:  {},
}

// CanTransition reports whether moving from one status to another is a legal
// step on the Intent state machine. A no-op transition is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusRejected
}

// RiskLevel classifies an Intent's expected blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel normalizes a risk level string, defaulting to medium.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToLower(s)) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(strings.ToLower(s))
	default:
		return RiskMedium
	}
}

// OriginType records the provenance of an Intent, used for policy overrides.
type OriginType string

const (
	OriginHuman       OriginType = "human"
	OriginAgent       OriginType = "agent"
	OriginIntegration OriginType = "integration"
)

const (
	// MaxRetries is the default bound on revalidation retries (Invariant 3).
	MaxRetries = 3

	// DefaultPriority is the middle of the 1 (highest) .. 5 (lowest) range.
	DefaultPriority = 3
)

// Intent is a structured proposal to merge a source ref into a target ref.
// The store owns the persisted row; everything else holds read snapshots.
type Intent struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Target         string         `json:"target"`
	Status         Status         `json:"status"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Priority       int            `json:"priority"`
	OriginType     OriginType     `json:"origin_type"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      string         `json:"created_by"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Semantic       map[string]any `json:"semantic,omitempty"`
	Technical      map[string]any `json:"technical,omitempty"`
	ChecksRequired []string       `json:"checks_required,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Retries        int            `json:"retries"`
	TenantID       string         `json:"tenant_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
}

// NewID returns a fresh 12-character hex intent ID.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ScopeHint returns the ordered scope hints from the technical mapping.
// Only scope_hint is ever used for automated decisions.
func (i *Intent) ScopeHint() []string {
	return stringSlice(i.Technical, "scope_hint")
}

// AffectedModules returns the declared affected modules, informational only.
func (i *Intent) AffectedModules() []string {
	return stringSlice(i.Technical, "affected_modules")
}

func stringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Validate checks the structural invariants visible on the intent alone:
// self-references and duplicates. Closure acyclicity needs the other
// intents and is checked at create time by storage.CheckDependencyClosure.
func (i *Intent) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("model: intent id is required")
	}
	if i.Source == "" || i.Target == "" {
		return fmt.Errorf("model: intent %s: source and target are required", i.ID)
	}
	if i.Priority < 1 || i.Priority > 5 {
		return fmt.Errorf("model: intent %s: priority %d out of range [1,5]", i.ID, i.Priority)
	}
	if i.Retries < 0 {
		return fmt.Errorf("model: intent %s: negative retries", i.ID)
	}
	seen := make(map[string]bool, len(i.Dependencies))
	for _, dep := range i.Dependencies {
		if dep == i.ID {
			return fmt.Errorf("model: intent %s: depends on itself", i.ID)
		}
		if seen[dep] {
			return fmt.Errorf("model: intent %s: duplicate dependency %s", i.ID, dep)
		}
		seen[dep] = true
	}
	return nil
}
