package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runShell runs command to completion under ctx's deadline, returning
// an error naming check label on non-zero exit or timeout.
func runShell(ctx context.Context, label, command string) error {
	//nolint:gosec // G204: commands come from operator-supplied config
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("check %q timed out", label)
	}
	if err != nil {
		return fmt.Errorf("check %q failed: %w: %s", label, err, strings.TrimSpace(string(output)))
	}
	return nil
}
