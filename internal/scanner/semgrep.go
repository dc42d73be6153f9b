package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// Semgrep wraps the semgrep CLI for static analysis.
type Semgrep struct {
	logger *slog.Logger
}

func NewSemgrep(logger *slog.Logger) *Semgrep { return &Semgrep{logger: logger} }

func (s *Semgrep) Name() string    { return "semgrep" }
func (s *Semgrep) Available() bool { return toolOnPath("semgrep") }

type semgrepOutput struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
			Lines    string `json:"lines"`
		} `json:"extra"`
	} `json:"results"`
}

// Scan runs semgrep with its auto config against path.
func (s *Semgrep) Scan(ctx context.Context, path string, opts Options) ([]model.SecurityFinding, error) {
	out, err := runTool(ctx, 120*time.Second, "", "semgrep",
		"scan", "--config", "auto", "--json", "--quiet", path)
	if err != nil {
		return nil, err
	}
	return parseSemgrep(out, opts), nil
}

func parseSemgrep(raw []byte, opts Options) []model.SecurityFinding {
	var parsed semgrepOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	now := time.Now().UTC()
	var findings []model.SecurityFinding
	for _, r := range parsed.Results {
		findings = append(findings, model.SecurityFinding{
			Fingerprint: fingerprint("semgrep", r.CheckID, r.Path, r.Start.Line),
			IntentID:    opts.IntentID,
			Scanner:     "semgrep",
			Category:    model.CategorySAST,
			Severity:    semgrepSeverity(r.Extra.Severity),
			RuleID:      r.CheckID,
			Path:        r.Path,
			Line:        r.Start.Line,
			Message:     r.Extra.Message,
			Evidence:    strings.TrimSpace(r.Extra.Lines),
			DetectedAt:  now,
		})
	}
	return findings
}

func semgrepSeverity(s string) model.FindingSeverity {
	switch strings.ToUpper(s) {
	case "ERROR", "CRITICAL":
		return model.SeverityHigh
	case "WARNING":
		return model.SeverityMedium
	case "INFO":
		return model.SeverityInfo
	default:
		return model.SeverityMedium
	}
}
