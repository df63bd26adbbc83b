// Package shell runs short-lived child processes with a deadline.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Run starts name with args and returns its trimmed stdout. The process is
// killed when timeout elapses or ctx ends; Run only returns once it exited.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s: %w", name, ctxErr)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ExecuteSafe is Run for callers that only want output: failures are logged
// and yield "".
func ExecuteSafe(ctx context.Context, log *slog.Logger, timeout time.Duration, name string, args ...string) string {
	out, err := Run(ctx, timeout, name, args...)
	if err != nil {
		log.Warn("command failed", slog.String("command", name), slog.Any("error", err))
		return ""
	}
	return out
}
