// Package checks executes the named verification checks an intent requires
// (lint, tests, scans) as subprocesses and reports pass/fail per check.
package checks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// Supported is the closed set of check names. Unknown names are skipped
// silently so profiles can list forward-looking checks without breaking
// older deployments.
var Supported = map[string]bool{
	"lint":              true,
	"unit_tests":        true,
	"integration_tests": true,
	"security_scan":     true,
	"contract_tests":    true,
}

var defaultCommands = map[string][]string{
	"lint":              {"make", "lint"},
	"unit_tests":        {"make", "test"},
	"integration_tests": {"make", "test-integration"},
	"security_scan":     {"make", "security-scan"},
	"contract_tests":    {"make", "test-contract"},
}

// Runner executes checks in a repository directory.
type Runner struct {
	dir         string
	timeout     time.Duration
	outputLimit int
	commands    map[string][]string
	logger      *slog.Logger
}

// NewRunner builds a Runner. timeout bounds each individual check;
// outputLimit truncates captured output per check.
func NewRunner(dir string, timeout time.Duration, outputLimit int, logger *slog.Logger) *Runner {
	cmds := make(map[string][]string, len(defaultCommands))
	for k, v := range defaultCommands {
		cmds[k] = v
	}
	return &Runner{dir: dir, timeout: timeout, outputLimit: outputLimit, commands: cmds, logger: logger}
}

// Override replaces the command for one check name. Used by deployments
// whose build system is not make.
func (r *Runner) Override(name string, cmd []string) {
	r.commands[name] = cmd
}

// Run executes the requested checks in order. Unknown names are skipped.
func (r *Runner) Run(ctx context.Context, names []string) []model.CheckResult {
	var results []model.CheckResult
	for _, name := range names {
		if !Supported[name] {
			r.logger.Debug("skipping unknown check", "check", name)
			continue
		}
		results = append(results, r.runOne(ctx, name))
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, name string) model.CheckResult {
	cmdline := r.commands[name]
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cmdline[0], cmdline[1:]...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := model.CheckResult{Name: name, DurationMS: elapsed}
	switch {
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Details = "timeout"
	case err == nil:
		result.Passed = true
		result.Details = r.truncate(stdout.String())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Failure output lives on stderr; keep that side.
			result.Details = r.truncate(stderr.String())
		} else {
			result.Details = err.Error()
		}
	}

	r.logger.Info("check completed", "check", name, "passed", result.Passed, "duration_ms", elapsed)
	return result
}

func (r *Runner) truncate(s string) string {
	if len(s) > r.outputLimit {
		return s[:r.outputLimit]
	}
	return s
}
