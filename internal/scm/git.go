package scm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// Git runs repository operations through the git CLI.
type Git struct {
	repo   string
	logger *slog.Logger
}

var _ SCM = (*Git)(nil)

// NewGit builds a git adapter rooted at the repository containing dir.
func NewGit(ctx context.Context, dir string, logger *slog.Logger) (*Git, error) {
	out, _, code, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, dir)
	}
	return &Git{repo: strings.TrimSpace(out), logger: logger}, nil
}

// runGit executes one git command and returns stdout, stderr, and the exit
// code. A non-zero exit is not an error here; callers decide what it means.
func runGit(ctx context.Context, dir string, args ...string) (stdout, stderr string, code int, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	return stdout, stderr, -1, fmt.Errorf("scm: git %s: %w", args[0], runErr)
}

// classifyRefErr turns git's stderr for a failed ref lookup into a stable
// error kind.
func classifyRefErr(ref, stderr string) error {
	low := strings.ToLower(stderr)
	if strings.Contains(low, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("%w: %s", ErrRefNotFound, ref)
}

// RefExists reports whether ref resolves to a commit.
func (g *Git) RefExists(ctx context.Context, ref string) (bool, error) {
	_, _, code, err := runGit(ctx, g.repo, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Head returns the current HEAD commit SHA.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, stderr, code, err := runGit(ctx, g.repo, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", classifyRefErr("HEAD", stderr)
	}
	return strings.TrimSpace(out), nil
}

var conflictRe = regexp.MustCompile(`CONFLICT.*?:\s.*?in\s+(\S+)`)

// Simulate merges source into target with merge-tree. No working directory,
// no locks, no disk writes.
func (g *Git) Simulate(ctx context.Context, source, target string) (*model.Simulation, error) {
	for _, ref := range []string{source, target} {
		ok, err := g.RefExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
		}
	}

	sim := &model.Simulation{
		Source:      source,
		Target:      target,
		SimulatedAt: time.Now().UTC(),
	}
	if sha, err := g.resolve(ctx, target); err == nil {
		sim.BaseCommit = sha
	}
	if sha, err := g.resolve(ctx, source); err == nil {
		sim.HeadCommit = sha
	}

	mergeOut, mergeErr, code, err := runGit(ctx, g.repo, "merge-tree", "--write-tree", target, source)
	if err != nil {
		return nil, err
	}

	diffOut, _, _, err := runGit(ctx, g.repo, "diff-tree", "--no-commit-id", "--name-only", "-r", target, source)
	if err != nil {
		return nil, err
	}
	for _, f := range strings.Split(strings.TrimSpace(diffOut), "\n") {
		if f != "" {
			sim.FilesChanged = append(sim.FilesChanged, f)
		}
	}

	if code == 0 {
		sim.Mergeable = true
		return sim, nil
	}

	if matches := conflictRe.FindAllStringSubmatch(mergeErr, -1); len(matches) > 0 {
		for _, m := range matches {
			sim.Conflicts = append(sim.Conflicts, m[1])
		}
	} else {
		// Fallback: merge-tree lists conflicted entries as "<stage>\t<path>".
		seen := make(map[string]bool)
		for _, line := range strings.Split(mergeOut, "\n") {
			parts := strings.Split(line, "\t")
			if len(parts) == 2 && !seen[parts[1]] {
				seen[parts[1]] = true
				sim.Conflicts = append(sim.Conflicts, parts[1])
			}
		}
		sort.Strings(sim.Conflicts)
	}
	return sim, nil
}

func (g *Git) resolve(ctx context.Context, ref string) (string, error) {
	out, stderr, code, err := runGit(ctx, g.repo, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", classifyRefErr(ref, stderr)
	}
	return strings.TrimSpace(out), nil
}

// ExecuteMerge merges source into target inside a detached worktree, so the
// target branch may be checked out elsewhere and the live tree is never
// modified. On success the target ref advances to the merge commit.
func (g *Git) ExecuteMerge(ctx context.Context, source, target string) (string, error) {
	dir, err := os.MkdirTemp("", "converge-merge-")
	if err != nil {
		return "", fmt.Errorf("scm: create worktree dir: %w", err)
	}
	defer g.removeWorktree(ctx, dir)

	if _, stderr, code, err := runGit(ctx, g.repo, "worktree", "add", "--detach", dir, target); err != nil {
		return "", err
	} else if code != 0 {
		return "", fmt.Errorf("scm: worktree add: %s", strings.TrimSpace(stderr))
	}

	msg := fmt.Sprintf("converge: merge %s into %s", source, target)
	if _, stderr, code, err := runGit(ctx, dir, "merge", "--no-ff", source, "-m", msg); err != nil {
		return "", err
	} else if code != 0 {
		return "", fmt.Errorf("scm: merge failed: %s", strings.TrimSpace(stderr))
	}

	sha, stderr, code, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("scm: read merge commit: %s", strings.TrimSpace(stderr))
	}
	sha = strings.TrimSpace(sha)

	if _, stderr, code, err := runGit(ctx, g.repo, "update-ref", "refs/heads/"+target, sha); err != nil {
		return "", err
	} else if code != 0 {
		return "", fmt.Errorf("scm: update ref %s: %s", target, strings.TrimSpace(stderr))
	}

	g.logger.Info("merge executed", "source", source, "target", target, "sha", sha)
	return sha, nil
}

func (g *Git) removeWorktree(ctx context.Context, dir string) {
	if _, _, code, err := runGit(ctx, g.repo, "worktree", "remove", "--force", dir); err == nil && code == 0 {
		return
	}
	_ = os.RemoveAll(dir)
	_, _, _, _ = runGit(ctx, g.repo, "worktree", "prune")
}

const logSeparator = "---CONVERGE_ENTRY---"

// RecentLog returns up to maxCommits entries, newest first, with the files
// each commit touched.
func (g *Git) RecentLog(ctx context.Context, maxCommits int) ([]model.Commit, error) {
	format := logSeparator + "%n%H%n%an%n%s"
	out, _, code, err := runGit(ctx, g.repo, "log",
		fmt.Sprintf("--max-count=%d", maxCommits),
		"--format="+format, "--name-only")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}

	var commits []model.Commit
	for _, block := range strings.Split(out, logSeparator) {
		var lines []string
		for _, l := range strings.Split(block, "\n") {
			if strings.TrimSpace(l) != "" {
				lines = append(lines, strings.TrimSpace(l))
			}
		}
		if len(lines) < 3 {
			continue
		}
		c := model.Commit{SHA: lines[0], Author: lines[1], Subject: lines[2]}
		for _, f := range lines[3:] {
			if !strings.HasPrefix(f, "Merge") {
				c.Files = append(c.Files, f)
			}
		}
		commits = append(commits, c)
	}
	return commits, nil
}
