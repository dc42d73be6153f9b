package scm_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/scm"
	"github.com/convergehq/converge/internal/testutil"
)

// gitCmd runs one git command in dir, failing the test on error.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// newRepo creates a repository with a main branch holding one commit.
func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	writeFile(t, dir, "README.md", "converge test repo\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func newGit(t *testing.T, dir string) *scm.Git {
	t.Helper()
	g, err := scm.NewGit(context.Background(), dir, testutil.TestLogger())
	require.NoError(t, err)
	return g
}

func TestNewGitOutsideRepo(t *testing.T) {
	_, err := scm.NewGit(context.Background(), t.TempDir(), testutil.TestLogger())
	require.Error(t, err)
}

func TestSimulateCleanMerge(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)

	gitCmd(t, dir, "checkout", "-b", "feature/clean")
	writeFile(t, dir, "src/feature.go", "package src\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "add feature")
	gitCmd(t, dir, "checkout", "main")

	g := newGit(t, dir)
	sim, err := g.Simulate(ctx, "feature/clean", "main")
	require.NoError(t, err)
	require.True(t, sim.Mergeable)
	require.Empty(t, sim.Conflicts)
	require.Contains(t, sim.FilesChanged, "src/feature.go")
	require.NotEmpty(t, sim.BaseCommit)
	require.NotEmpty(t, sim.HeadCommit)
}

func TestSimulateConflict(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)

	gitCmd(t, dir, "checkout", "-b", "feature/conflict")
	writeFile(t, dir, "README.md", "feature version\n")
	gitCmd(t, dir, "commit", "-am", "feature edit")
	gitCmd(t, dir, "checkout", "main")
	writeFile(t, dir, "README.md", "main version\n")
	gitCmd(t, dir, "commit", "-am", "main edit")

	g := newGit(t, dir)
	sim, err := g.Simulate(ctx, "feature/conflict", "main")
	require.NoError(t, err)
	require.False(t, sim.Mergeable)
	require.Contains(t, sim.Conflicts, "README.md")
}

func TestSimulateUnknownRef(t *testing.T) {
	dir := newRepo(t)
	g := newGit(t, dir)
	_, err := g.Simulate(context.Background(), "no-such-branch", "main")
	require.ErrorIs(t, err, scm.ErrRefNotFound)
}

func TestExecuteMergeLeavesWorkingTreeAlone(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)

	gitCmd(t, dir, "checkout", "-b", "feature/merge-me")
	writeFile(t, dir, "src/new.go", "package src\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "add file")
	gitCmd(t, dir, "checkout", "main")

	g := newGit(t, dir)
	headBefore, err := g.Head(ctx)
	require.NoError(t, err)

	sha, err := g.ExecuteMerge(ctx, "feature/merge-me", "main")
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	// The branch ref advanced even though main is checked out here.
	refSha := gitCmd(t, dir, "rev-parse", "refs/heads/main")
	require.Contains(t, refSha, sha)

	// The checked-out working tree was not touched.
	headNow, err := g.Head(ctx)
	require.NoError(t, err)
	require.NotEqual(t, headBefore, headNow) // HEAD points at main, which moved
	_, statErr := os.Stat(filepath.Join(dir, "src", "new.go"))
	require.True(t, os.IsNotExist(statErr), "working tree must stay at the old checkout")
}

func TestRefExistsAndHead(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)
	g := newGit(t, dir)

	ok, err := g.RefExists(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.RefExists(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)

	head, err := g.Head(ctx)
	require.NoError(t, err)
	require.Len(t, head, 40)
}

func TestRecentLog(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)

	writeFile(t, dir, "a.txt", "a\n")
	writeFile(t, dir, "b.txt", "b\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "add a and b")

	g := newGit(t, dir)
	commits, err := g.RecentLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)

	// Newest first.
	require.Equal(t, "add a and b", commits[0].Subject)
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, commits[0].Files)
	require.Equal(t, "test", commits[0].Author)
	require.Equal(t, "initial", commits[1].Subject)
}
