// Package analysis wraps the external structure tools: PROPKA for pKa
// prediction and PyMOL for rendering and geometry.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/zjrosen/biomcp/internal/log"
)

// ErrNotInstalled is returned when a tool's executable cannot be found.
var ErrNotInstalled = errors.New("executable not found")

// Runner executes an external program.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// Run executes name in dir and captures its output. A non-zero exit is an
// *exec.ExitError; a missing binary wraps ErrNotInstalled.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Debug(log.CatTools, "Ran external tool", "name", name, "args", args, "duration", time.Since(start), "error", err)
	if errors.Is(err, exec.ErrNotFound) {
		return "", "", fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return stdout.String(), stderr.String(), err
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
