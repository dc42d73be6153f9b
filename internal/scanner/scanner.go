// Package scanner normalizes external security scanners (secrets, SAST,
// dependency audit) into findings. Scanners that are not installed are
// skipped rather than failing the scan.
package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// Options carries scan context attached to every finding.
type Options struct {
	IntentID string
	TenantID string
}

// Scanner is one external tool adapter.
type Scanner interface {
	Name() string
	// Available reports whether the underlying tool is installed.
	Available() bool
	// Scan runs the tool against path and returns normalized findings.
	Scan(ctx context.Context, path string, opts Options) ([]model.SecurityFinding, error)
}

// fingerprint derives the stable dedup key for a finding. Re-scans of the
// same issue at the same location collapse onto one row.
func fingerprint(scanner, rule, path string, line int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", scanner, rule, path, line))
	return hex.EncodeToString(h[:16])
}

// runTool executes one scanner binary with a timeout and returns stdout.
// A non-zero exit is normal for scanners that found something, so only
// execution failures are errors.
func runTool(ctx context.Context, timeout time.Duration, dir string, name string, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("scanner: %s timed out after %s", name, timeout)
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return nil, fmt.Errorf("scanner: run %s: %w", name, err)
		}
	}
	return stdout.Bytes(), nil
}

func toolOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
