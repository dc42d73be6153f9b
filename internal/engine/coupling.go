package engine

import (
	"sort"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/risk"
)

// Commits touching more files than this are treated as bulk changes (mass
// renames, vendoring) and skipped: they would couple everything to
// everything.
const couplingMaxFiles = 20

// couplingFromHistory counts pairwise file co-changes across commits,
// strongest pairs first.
func couplingFromHistory(commits []model.Commit) []risk.CoChange {
	counts := make(map[[2]string]int)
	for _, c := range commits {
		if len(c.Files) < 2 || len(c.Files) > couplingMaxFiles {
			continue
		}
		files := append([]string(nil), c.Files...)
		sort.Strings(files)
		for i := 0; i < len(files); i++ {
			for j := i + 1; j < len(files); j++ {
				counts[[2]string{files[i], files[j]}]++
			}
		}
	}

	out := make([]risk.CoChange, 0, len(counts))
	for pair, n := range counts {
		out = append(out, risk.CoChange{FileA: pair[0], FileB: pair[1], Pairs: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pairs != out[j].Pairs {
			return out[i].Pairs > out[j].Pairs
		}
		if out[i].FileA != out[j].FileA {
			return out[i].FileA < out[j].FileA
		}
		return out[i].FileB < out[j].FileB
	})
	return out
}
