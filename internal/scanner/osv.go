package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// OSV wraps osv-scanner for dependency vulnerability audits.
type OSV struct {
	logger *slog.Logger
}

func NewOSV(logger *slog.Logger) *OSV { return &OSV{logger: logger} }

func (o *OSV) Name() string    { return "osv-scanner" }
func (o *OSV) Available() bool { return toolOnPath("osv-scanner") }

type osvOutput struct {
	Results []struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
		Packages []struct {
			Package struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"package"`
			Vulnerabilities []struct {
				ID               string `json:"id"`
				Summary          string `json:"summary"`
				DatabaseSpecific struct {
					Severity string `json:"severity"`
				} `json:"database_specific"`
			} `json:"vulnerabilities"`
		} `json:"packages"`
	} `json:"results"`
}

// Scan audits the lockfiles under path.
func (o *OSV) Scan(ctx context.Context, path string, opts Options) ([]model.SecurityFinding, error) {
	out, err := runTool(ctx, 180*time.Second, "", "osv-scanner",
		"--format", "json", "--recursive", path)
	if err != nil {
		return nil, err
	}
	return parseOSV(out, opts), nil
}

func parseOSV(raw []byte, opts Options) []model.SecurityFinding {
	var parsed osvOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	now := time.Now().UTC()
	var findings []model.SecurityFinding
	for _, res := range parsed.Results {
		for _, pkg := range res.Packages {
			for _, vuln := range pkg.Vulnerabilities {
				findings = append(findings, model.SecurityFinding{
					Fingerprint: fingerprint("osv-scanner", vuln.ID, pkg.Package.Name, 0),
					IntentID:    opts.IntentID,
					Scanner:     "osv-scanner",
					Category:    model.CategorySCA,
					Severity:    osvSeverity(vuln.DatabaseSpecific.Severity),
					RuleID:      vuln.ID,
					Path:        res.Source.Path,
					Message:     pkg.Package.Name + "@" + pkg.Package.Version + ": " + vuln.Summary,
					DetectedAt:  now,
				})
			}
		}
	}
	return findings
}

func osvSeverity(s string) model.FindingSeverity {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return model.SeverityCritical
	case "HIGH":
		return model.SeverityHigh
	case "MODERATE", "MEDIUM":
		return model.SeverityMedium
	case "LOW":
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}
