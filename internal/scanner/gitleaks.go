package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// Gitleaks wraps the gitleaks CLI for secrets detection.
type Gitleaks struct {
	logger *slog.Logger
}

func NewGitleaks(logger *slog.Logger) *Gitleaks { return &Gitleaks{logger: logger} }

func (g *Gitleaks) Name() string    { return "gitleaks" }
func (g *Gitleaks) Available() bool { return toolOnPath("gitleaks") }

type gitleaksLeak struct {
	RuleID    string `json:"RuleID"`
	File      string `json:"File"`
	StartLine int    `json:"StartLine"`
	Match     string `json:"Match"`
	Secret    string `json:"Secret"`
}

// Scan runs gitleaks against path.
func (g *Gitleaks) Scan(ctx context.Context, path string, opts Options) ([]model.SecurityFinding, error) {
	out, err := runTool(ctx, 120*time.Second, "", "gitleaks", "detect",
		"--source", path,
		"--report-format", "json",
		"--report-path", "/dev/stdout",
		"--no-git")
	if err != nil {
		return nil, err
	}
	return parseGitleaks(out, opts), nil
}

func parseGitleaks(raw []byte, opts Options) []model.SecurityFinding {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var leaks []gitleaksLeak
	if err := json.Unmarshal(raw, &leaks); err != nil {
		return nil
	}

	now := time.Now().UTC()
	var findings []model.SecurityFinding
	for _, leak := range leaks {
		// Redact the secret: keep the rule and the first 8 bytes of the match.
		evidence := "Rule: " + leak.RuleID
		if leak.Match != "" {
			head := leak.Match
			if len(head) > 8 {
				head = head[:8]
			}
			evidence += " | Match: " + head + strings.Repeat("*", max(0, len(leak.Match)-8))
		}
		findings = append(findings, model.SecurityFinding{
			Fingerprint: fingerprint("gitleaks", leak.RuleID, leak.File, leak.StartLine),
			IntentID:    opts.IntentID,
			Scanner:     "gitleaks",
			Category:    model.CategorySecrets,
			// Secrets are always high severity.
			Severity:   model.SeverityHigh,
			RuleID:     leak.RuleID,
			Path:       leak.File,
			Line:       leak.StartLine,
			Message:    "potential secret detected",
			Evidence:   evidence,
			DetectedAt: now,
		})
	}
	return findings
}
