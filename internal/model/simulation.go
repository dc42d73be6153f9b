package model

import "time"

// Simulation is the outcome of a non-destructive merge of source into
// target. It never touches the working tree.
type Simulation struct {
	IntentID     string    `json:"intent_id"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Mergeable    bool      `json:"mergeable"`
	Conflicts    []string  `json:"conflicts,omitempty"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	BaseCommit   string    `json:"base_commit,omitempty"`
	HeadCommit   string    `json:"head_commit,omitempty"`
	SimulatedAt  time.Time `json:"simulated_at"`
}

// Commit is one entry from repository history, as returned by LogBetween.
type Commit struct {
	SHA     string   `json:"sha"`
	Author  string   `json:"author"`
	Subject string   `json:"subject"`
	Files   []string `json:"files,omitempty"`
}

// CheckResult records one named check execution.
type CheckResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Details    string `json:"details,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// PassedChecks returns the names of the checks that passed.
func PassedChecks(results []CheckResult) []string {
	var out []string
	for _, r := range results {
		if r.Passed {
			out = append(out, r.Name)
		}
	}
	return out
}
