// Package coherence runs the systemic coherence harness: configurable
// shell probes whose numeric results are asserted against baselines. Each
// failed probe costs points by severity; the aggregate score is judged
// against the policy profile's pass/warn thresholds.
package coherence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// DefaultConfigPath is where the harness configuration lives.
const DefaultConfigPath = ".converge/coherence_harness.json"

// questionTimeout bounds each probe.
const questionTimeout = 60 * time.Second

var severityWeights = map[string]float64{
	"critical": 30,
	"high":     20,
	"medium":   10,
}

// Harness is a loaded coherence configuration bound to a working directory.
type Harness struct {
	Version   string
	Questions []model.CoherenceQuestion

	workdir string
	logger  *slog.Logger
}

type harnessFile struct {
	Version   string                    `json:"version"`
	Questions []model.CoherenceQuestion `json:"questions"`
}

// Load reads the harness config at path (DefaultConfigPath when empty). A
// missing file yields an empty harness, which always evaluates to PASS.
func Load(path, workdir string, logger *slog.Logger) (*Harness, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	h := &Harness{Version: "none", workdir: workdir, logger: logger}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coherence: read harness %s: %w", path, err)
	}
	var cfg harnessFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("coherence: parse harness %s: %w", path, err)
	}

	h.Version = cfg.Version
	if h.Version == "" {
		h.Version = "unknown"
	}
	for _, q := range cfg.Questions {
		if q.Enabled {
			h.Questions = append(h.Questions, q)
		}
	}
	return h, nil
}

// Evaluate runs every enabled question and scores the outcome. passThreshold
// and warnThreshold come from the active policy profile.
func (h *Harness) Evaluate(ctx context.Context, baselines map[string]float64, passThreshold, warnThreshold float64) model.CoherenceEvaluation {
	eval := model.CoherenceEvaluation{
		Score:       100,
		Verdict:     model.CoherencePass,
		EvaluatedAt: time.Now().UTC(),
	}
	if len(h.Questions) == 0 {
		return eval
	}

	var penalty float64
	for _, q := range h.Questions {
		res := h.runQuestion(ctx, q, baselines)
		eval.Results = append(eval.Results, res)
		if !res.Passed {
			w, ok := severityWeights[strings.ToLower(q.Severity)]
			if !ok {
				w = 20
			}
			penalty += w
		}
	}

	eval.Score = max(0, min(100, 100-penalty))
	switch {
	case eval.Score >= passThreshold:
		eval.Verdict = model.CoherencePass
	case eval.Score >= warnThreshold:
		eval.Verdict = model.CoherenceWarn
	default:
		eval.Verdict = model.CoherenceFail
	}
	return eval
}

// runQuestion executes one probe through the shell and asserts its result.
func (h *Harness) runQuestion(ctx context.Context, q model.CoherenceQuestion, baselines map[string]float64) model.CoherenceResult {
	res := model.CoherenceResult{QuestionID: q.ID}
	if b, ok := baselines[q.ID]; ok {
		bv := b
		res.Baseline = &bv
	}

	runCtx, cancel := context.WithTimeout(ctx, questionTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", q.Check)
	cmd.Dir = h.workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Detail = "command timed out"
		return res
	case err != nil:
		res.Detail = fmt.Sprintf("command failed: %s", truncate(stderr.String(), 200))
		return res
	}

	value, err := parseNumeric(stdout.String())
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Value = &value
	res.Passed = evalAssertion(q.Assertion, value, res.Baseline)
	if !res.Passed {
		res.Detail = fmt.Sprintf("assertion %q failed with value %v", q.Assertion, value)
	}
	return res
}

// parseNumeric reads the last stdout line as a float.
func parseNumeric(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("coherence: non-numeric probe output %q", last)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return strings.TrimSpace(s)
}

// template is the starter harness written by Init.
var template = harnessFile{
	Version: "1.1.0",
	Questions: []model.CoherenceQuestion{
		{
			ID:        "q-test-count",
			Question:  "Has the test file count decreased?",
			Check:     "find . -name '*_test.go' -not -path './.git/*' | wc -l",
			Assertion: "result >= baseline",
			Severity:  "high",
			Category:  "structural",
			Enabled:   true,
		},
		{
			ID:        "q-no-fixme-growth",
			Question:  "Has the TODO/FIXME count increased?",
			Check:     "grep -r 'TODO\\|FIXME' --include='*.go' . | wc -l",
			Assertion: "result <= baseline",
			Severity:  "medium",
			Category:  "structural",
			Enabled:   true,
		},
		{
			ID:        "q-no-large-files",
			Question:  "Were files larger than 1MB added to source?",
			Check:     "find . -type f -size +1M -not -path './.git/*' | wc -l",
			Assertion: "result == 0",
			Severity:  "high",
			Category:  "structural",
			Enabled:   true,
		},
		{
			ID:        "q-src-file-count",
			Question:  "Is the source file count stable?",
			Check:     "find . -name '*.go' -not -name '*_test.go' -not -path './.git/*' | wc -l",
			Assertion: "result >= baseline",
			Severity:  "medium",
			Category:  "structural",
			Enabled:   false,
		},
	},
}

// Init writes the starter harness config. An existing file is left alone.
func Init(path string) (created bool, err error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("coherence: create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return false, fmt.Errorf("coherence: encode template: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("coherence: write harness %s: %w", path, err)
	}
	return true, nil
}
