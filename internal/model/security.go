package model

import "time"

// FindingCategory classifies the scanner class that produced a finding.
type FindingCategory string

const (
	CategorySAST    FindingCategory = "SAST"
	CategorySCA     FindingCategory = "SCA"
	CategorySecrets FindingCategory = "SECRETS"
)

// FindingSeverity orders security findings from worst to informational.
type FindingSeverity string

const (
	SeverityCritical FindingSeverity = "CRITICAL"
	SeverityHigh     FindingSeverity = "HIGH"
	SeverityMedium   FindingSeverity = "MEDIUM"
	SeverityLow      FindingSeverity = "LOW"
	SeverityInfo     FindingSeverity = "INFO"
)

// SecurityFinding is one deduplicated scanner result. The fingerprint is
// the upsert key: re-scans update rather than duplicate.
type SecurityFinding struct {
	Fingerprint string          `json:"fingerprint"`
	IntentID    string          `json:"intent_id,omitempty"`
	Scanner     string          `json:"scanner"`
	Category    FindingCategory `json:"category"`
	Severity    FindingSeverity `json:"severity"`
	RuleID      string          `json:"rule_id,omitempty"`
	Path        string          `json:"path,omitempty"`
	Line        int             `json:"line,omitempty"`
	Message     string          `json:"message"`
	Evidence    string          `json:"evidence,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// SeverityCounts maps severity to finding count for one intent.
type SeverityCounts map[FindingSeverity]int

// SecurityValue computes the weighted security gate value: each critical
// finding counts 10, each high counts 1.
func (c SeverityCounts) SecurityValue() int {
	return c[SeverityCritical]*10 + c[SeverityHigh]
}
