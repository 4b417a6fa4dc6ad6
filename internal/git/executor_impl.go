package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrDetachedHead indicates HEAD is not pointing to a branch (detached HEAD state).
	ErrDetachedHead = errors.New("detached HEAD state")
)

// Compile-time check that RealExecutor implements GitExecutor.
var _ GitExecutor = (*RealExecutor)(nil)

// RealExecutor implements GitExecutor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		// Parse git-specific errors
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// GetCurrentBranch returns the name of the current branch.
// Returns ErrDetachedHead if HEAD is not pointing to a branch (common in CI).
func (e *RealExecutor) GetCurrentBranch() (string, error) {
	// First try git branch --show-current (git 2.22+)
	// This returns empty string in detached HEAD state (no error)
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	// Fallback: parse symbolic-ref
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		// Check if we're in detached HEAD state
		if strings.Contains(err.Error(), "not a symbolic ref") {
			return "", ErrDetachedHead
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *RealExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput("rev-parse", "--show-toplevel")
}

// unsafeParentDirs lists directories that should never be used as worktree parents.
var unsafeParentDirs = map[string]bool{
	"/":        true,
	"/System":  true,
	"/usr":     true,
	"/bin":     true,
	"/sbin":    true,
	"/etc":     true,
	"/var":     true,
	"/tmp":     true,
	"/private": true,
}

// DetermineWorktreePath determines the best path for a new worktree.
// Strategy: prefer sibling directory, fallback to .perles/worktrees/
func (e *RealExecutor) DetermineWorktreePath(sessionID string) (string, error) {
	repoRoot, err := e.GetRepoRoot()
	if err != nil {
		return "", fmt.Errorf("failed to get repo root: %w", err)
	}

	projectName := filepath.Base(repoRoot)
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}

	parentDir := filepath.Dir(repoRoot)

	// Check if parent directory is safe
	if isSafeParentDir(parentDir) {
		// Try sibling directory
		siblingPath := filepath.Join(parentDir, fmt.Sprintf("%s-worktree-%s", projectName, shortID))
		return siblingPath, nil
	}

	// Fallback to .perles/worktrees/
	fallbackPath := filepath.Join(repoRoot, ".perles", "worktrees", sessionID)
	return fallbackPath, nil
}

// isSafeParentDir checks if a directory is safe to use as a worktree parent.
func isSafeParentDir(dir string) bool {
	// Check against known unsafe directories
	if unsafeParentDirs[dir] {
		return false
	}

	// Also check if it starts with common system prefixes on macOS/Linux
	systemPrefixes := []string{"/System/", "/usr/", "/bin/", "/sbin/", "/etc/", "/var/", "/private/"}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(dir, prefix) {
			return false
		}
	}

	// Check if directory is writable
	return isWritable(dir)
}

// isWritable checks if a directory is writable.
func isWritable(dir string) bool {
	// Try to create a temp file to check writability
	testFile := filepath.Join(dir, ".perles-write-test")
	//nolint:gosec // G304: testFile path is constructed from dir parameter
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(testFile)
	return true
}

// CreateWorktree creates a new worktree at the specified path.
// If baseBranch is empty, the new branch starts at HEAD.
func (e *RealExecutor) CreateWorktree(path, newBranch, baseBranch string) error {
	// git worktree add -b <new-branch> <path> [<start-point>]
	// -b creates a new branch; baseBranch is the starting point
	args := []string{"worktree", "add", "-b", newBranch, path}

	if baseBranch != "" {
		// Use specified branch as starting point
		args = append(args, baseBranch)
	}
	// If baseBranch is empty, git uses current HEAD as starting point

	return e.runGit(args...)
}

// RemoveWorktree removes a worktree at the specified path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	// First try normal remove
	err := e.runGit("worktree", "remove", path)
	if err != nil {
		// If it fails, try with --force
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// BranchExists checks if a branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

