package coherence

import (
	"fmt"
	"strings"

	"github.com/convergehq/converge/internal/model"
)

// CheckConsistency cross-validates what the harness declares against the
// objective risk metrics. A harness that says "all good" while the graph
// says otherwise is itself a signal.
func CheckConsistency(eval *model.CoherenceEvaluation, risk *model.RiskEval) []string {
	var inconsistencies []string

	if eval.Score > 75 && risk.RiskScore > 50 {
		inconsistencies = append(inconsistencies, fmt.Sprintf(
			"score_mismatch: coherence %.1f but risk %.1f: harness passed while risk is elevated",
			eval.Score, risk.RiskScore))
	}

	if len(eval.Results) > 0 && len(risk.Bombs) > 0 {
		allPassed := true
		for _, r := range eval.Results {
			if !r.Passed {
				allPassed = false
				break
			}
		}
		if allPassed {
			kinds := make([]string, len(risk.Bombs))
			for i, b := range risk.Bombs {
				kinds[i] = string(b.Kind)
			}
			inconsistencies = append(inconsistencies, fmt.Sprintf(
				"bomb_undetected: structural degradation (%s) not flagged by any question",
				strings.Join(kinds, ", ")))
		}
	}

	if risk.PropagationScore > 40 {
		hasScope := false
		for _, r := range eval.Results {
			if strings.HasPrefix(r.QuestionID, "q-scope") {
				hasScope = true
				break
			}
		}
		if !hasScope {
			inconsistencies = append(inconsistencies, fmt.Sprintf(
				"missing_scope_validation: propagation %.1f but no scope questions in harness",
				risk.PropagationScore))
		}
	}

	return inconsistencies
}
