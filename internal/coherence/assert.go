package coherence

import (
	"regexp"
	"strconv"
	"strings"
)

// evalAssertion evaluates a probe assertion against the measured value.
// Assertions are comparisons over the operands "result", "baseline", and
// numeric literals, optionally joined by AND/OR (case-insensitive):
//
//	result >= baseline
//	result == 0
//	result >= 0 AND result <= 100
//
// An assertion that references a baseline no measurement exists for yet
// passes: the first run seeds the baseline rather than failing on it.
func evalAssertion(assertion string, result float64, baseline *float64) bool {
	assertion = strings.TrimSpace(assertion)
	if assertion == "" {
		return true
	}
	if strings.Contains(assertion, "baseline") && baseline == nil {
		return true
	}

	if parts := splitCompound(assertion, "OR"); len(parts) > 1 {
		for _, p := range parts {
			if evalComparison(p, result, baseline) {
				return true
			}
		}
		return false
	}
	if parts := splitCompound(assertion, "AND"); len(parts) > 1 {
		for _, p := range parts {
			if !evalComparison(p, result, baseline) {
				return false
			}
		}
		return true
	}
	return evalComparison(assertion, result, baseline)
}

func splitCompound(assertion, op string) []string {
	re := regexp.MustCompile(`(?i)\s+` + op + `\s+`)
	return re.Split(assertion, -1)
}

// comparison operators, longest first so ">=" wins over ">".
var compareOps = []string{">=", "<=", "==", "!=", ">", "<"}

func evalComparison(clause string, result float64, baseline *float64) bool {
	clause = strings.TrimSpace(clause)
	for _, op := range compareOps {
		left, right, ok := strings.Cut(clause, op)
		if !ok {
			continue
		}
		lv, lok := resolveOperand(strings.TrimSpace(left), result, baseline)
		rv, rok := resolveOperand(strings.TrimSpace(right), result, baseline)
		if !lok || !rok {
			// Unresolvable operand: treat as pass rather than blocking merges
			// on a malformed harness entry.
			return true
		}
		switch op {
		case ">=":
			return lv >= rv
		case "<=":
			return lv <= rv
		case "==":
			return lv == rv
		case "!=":
			return lv != rv
		case ">":
			return lv > rv
		case "<":
			return lv < rv
		}
	}
	return false
}

func resolveOperand(token string, result float64, baseline *float64) (float64, bool) {
	switch token {
	case "result":
		return result, true
	case "baseline":
		if baseline == nil {
			return 0, false
		}
		return *baseline, true
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
