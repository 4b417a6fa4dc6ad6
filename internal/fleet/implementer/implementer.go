// Package implementer provides the pluggable capability interface the
// Worker Runtime uses for the "write code for this task" step. The
// coordination state machine is indifferent to which variant is
// installed: it only polls for a new commit to appear.
package implementer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fleetctl/fleetctl/internal/fleet"
)

// Implementer performs (or waits for) the implementation of a task in
// a worktree already checked out on the task's branch.
type Implementer interface {
	// Implement attempts to produce a commit satisfying task in
	// worktreeDir. It returns true if it believes it succeeded; the
	// caller still verifies success by polling for a new commit hash,
	// so a no-op implementation is a valid, conservative choice.
	Implement(ctx context.Context, task fleet.Task, worktreeDir string) (bool, error)
}

// taskArtifactName is the file written into the worktree with the
// task's description, so whichever implementation step runs has the
// context it needs.
const taskArtifactName = ".fleet-task.md"

// WriteTaskArtifact writes task's title/description/acceptance
// criteria to a well-known path in worktreeDir, matching the worker→
// repository contract (spec.md §6).
func WriteTaskArtifact(task fleet.Task, worktreeDir string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n%s\n", task.Title, task.Description)
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.AcceptanceCriteria)
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels:\n")
		for k, v := range task.Labels {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	path := filepath.Join(worktreeDir, taskArtifactName)
	return os.WriteFile(path, b.Bytes(), 0o644) //nolint:gosec // G306: artifact is non-sensitive task context
}

// FileDropAndWait is the default, no-op implementer: it writes the
// task artifact and returns immediately, leaving an external human or
// agent process to produce the commit. The worker runtime's polling
// loop handles the rest.
type FileDropAndWait struct{}

var _ Implementer = FileDropAndWait{}

// Implement writes the task artifact and reports success; "success"
// here only means the artifact was written, not that a commit exists.
func (FileDropAndWait) Implement(_ context.Context, task fleet.Task, worktreeDir string) (bool, error) {
	if err := WriteTaskArtifact(task, worktreeDir); err != nil {
		return false, fmt.Errorf("write task artifact: %w", err)
	}
	return true, nil
}

// CLI shells out to a configured command-line coding agent, running it
// in the worktree with the task artifact already in place. It follows
// the same process-spawning shape as a generic coding-CLI client: one
// command, one working directory, inherited environment.
type CLI struct {
	// Command is the executable to run (e.g. "claude", "aider").
	Command string
	// Args are passed verbatim; {task} is substituted with the task id.
	Args []string
}

var _ Implementer = CLI{}

// Implement writes the task artifact, then runs Command with Args in
// worktreeDir, substituting {task} in each argument with task.ID.
func (c CLI) Implement(ctx context.Context, task fleet.Task, worktreeDir string) (bool, error) {
	if err := WriteTaskArtifact(task, worktreeDir); err != nil {
		return false, fmt.Errorf("write task artifact: %w", err)
	}

	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strings.ReplaceAll(a, "{task}", task.ID)
	}

	//nolint:gosec // G204: command/args come from operator-supplied config
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = worktreeDir
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("running %s: %w: %s", c.Command, err, stderr.String())
	}
	return true, nil
}

// APIClient is a stub variant for a hosted completion API back-end; no
// network call is performed here, mirroring the teacher's mock
// client pattern for tests. Production wiring would replace Do.
type APIClient struct {
	// Do performs the actual API call, supplied by the caller so the
	// implementer itself stays free of any particular SDK dependency.
	Do func(ctx context.Context, task fleet.Task, worktreeDir string) error
}

var _ Implementer = APIClient{}

// Implement writes the task artifact, then delegates to Do if set.
func (a APIClient) Implement(ctx context.Context, task fleet.Task, worktreeDir string) (bool, error) {
	if err := WriteTaskArtifact(task, worktreeDir); err != nil {
		return false, fmt.Errorf("write task artifact: %w", err)
	}
	if a.Do == nil {
		return true, nil
	}
	if err := a.Do(ctx, task, worktreeDir); err != nil {
		return false, err
	}
	return true, nil
}
