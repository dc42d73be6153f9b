// Package scm wraps repository operations behind a port so the engine can be
// tested against fakes. The git adapter simulates merges with merge-tree,
// which needs no working directory and takes no locks, and executes real
// merges in an isolated worktree so the live tree is never modified.
package scm

import (
	"context"
	"errors"

	"github.com/convergehq/converge/internal/model"
)

// SCM is the repository port the validation engine depends on.
type SCM interface {
	// Simulate performs a non-destructive merge of source into target.
	Simulate(ctx context.Context, source, target string) (*model.Simulation, error)
	// ExecuteMerge merges source into target for real and returns the merge
	// commit SHA. The caller's working tree is never touched.
	ExecuteMerge(ctx context.Context, source, target string) (string, error)
	// RefExists reports whether a branch or revision resolves.
	RefExists(ctx context.Context, ref string) (bool, error)
	// Head returns the current HEAD commit SHA.
	Head(ctx context.Context) (string, error)
	// RecentLog returns up to maxCommits history entries with touched files,
	// newest first. Used for co-change coupling analysis.
	RecentLog(ctx context.Context, maxCommits int) ([]model.Commit, error)
}

// Error kinds. Transient failures (anything not wrapping one of these) may be
// retried by the caller.
var (
	// ErrRefNotFound means a named branch or revision does not resolve.
	ErrRefNotFound = errors.New("scm: ref not found")
	// ErrCorrupt means the repository itself is unusable.
	ErrCorrupt = errors.New("scm: repository corrupt or missing")
)
