package model

import "time"

// CoherenceQuestion is one probe from the harness configuration file.
type CoherenceQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Check     string `json:"check"`
	Assertion string `json:"assertion,omitempty"`
	Severity  string `json:"severity"`
	Category  string `json:"category,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// CoherenceResult records one probe execution.
type CoherenceResult struct {
	QuestionID string   `json:"question_id"`
	Passed     bool     `json:"passed"`
	Value      *float64 `json:"value,omitempty"`
	Baseline   *float64 `json:"baseline,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// CoherenceVerdict buckets a coherence score against profile thresholds.
type CoherenceVerdict string

const (
	CoherencePass CoherenceVerdict = "PASS"
	CoherenceWarn CoherenceVerdict = "WARN"
	CoherenceFail CoherenceVerdict = "FAIL"
)

// CoherenceEvaluation is the harness output for one intent.
type CoherenceEvaluation struct {
	IntentID        string            `json:"intent_id"`
	Score           float64           `json:"score"`
	Verdict         CoherenceVerdict  `json:"verdict"`
	Results         []CoherenceResult `json:"results"`
	Inconsistencies []string          `json:"inconsistencies,omitempty"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
}

// ReviewStatus is the lifecycle of a human review task.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "PENDING"
	ReviewAssigned  ReviewStatus = "ASSIGNED"
	ReviewApproved  ReviewStatus = "APPROVED"
	ReviewRejected  ReviewStatus = "REJECTED"
	ReviewEscalated ReviewStatus = "ESCALATED"
	ReviewCancelled ReviewStatus = "CANCELLED"
)

// ReviewTask asks a human to look at an intent before it can merge.
type ReviewTask struct {
	ID        string       `json:"id"`
	IntentID  string       `json:"intent_id"`
	Reason    string       `json:"reason"`
	Status    ReviewStatus `json:"status"`
	Assignee  string       `json:"assignee,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Decision  string       `json:"decision,omitempty"`
}

// Open reports whether the review still blocks its intent.
func (s ReviewStatus) Open() bool {
	return s == ReviewPending || s == ReviewAssigned || s == ReviewEscalated
}
