package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/convergehq/converge/internal/model"
)

// CheckDependencyClosure rejects an intent whose dependency closure reaches
// back to the intent itself. Dependencies without a stored row yet are
// leaves; the closure is walked again when they are created, so a cycle can
// never be completed.
func CheckDependencyClosure(ctx context.Context, s Store, intent *model.Intent) error {
	seen := make(map[string]bool, len(intent.Dependencies))
	stack := append([]string(nil), intent.Dependencies...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == intent.ID {
			return fmt.Errorf("storage: intent %s: dependency cycle through %s", intent.ID, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		dep, err := s.GetIntent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storage: walk dependency %s: %w", id, err)
		}
		stack = append(stack, dep.Dependencies...)
	}
	return nil
}
