package git

// GitExecutor defines the interface for the git worktree operations the
// worker runtime uses to isolate each claimed task in its own checkout.
// This abstraction allows for easy testing with mock implementations.
type GitExecutor interface {
	// CreateWorktree creates a new worktree at path with a new branch.
	// newBranch is the name of the new branch to create.
	// baseBranch is the starting point for the new branch (e.g., main, develop).
	// If baseBranch is empty, uses current HEAD as the starting point.
	CreateWorktree(path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	BranchExists(name string) bool
	GetCurrentBranch() (string, error)
	GetRepoRoot() (string, error)
	DetermineWorktreePath(sessionID string) (string, error)
}

// MergeExecutor defines the trunk-integration operations the merge
// pipeline needs on top of worktree management. Kept as a separate
// interface so callers that only manage worktrees don't need to mock
// the merge-specific surface.
type MergeExecutor interface {
	// Checkout switches the working tree to branch.
	Checkout(branch string) error
	// CreateBranch creates newBranch from base (current HEAD if base is
	// empty) and checks it out.
	CreateBranch(newBranch, base string) error
	// PullRebase rebases the current branch onto its upstream.
	PullRebase() error
	// TryMergeNoCommit attempts a non-fast-forward merge of branch without
	// committing, reporting whether it produced conflicts. The merge is
	// always aborted afterward regardless of outcome.
	TryMergeNoCommit(branch string) (conflicted bool, output string, err error)
	// SquashMerge squashes branch into the current branch and commits
	// with message.
	SquashMerge(branch, message string) error
	// PushBranch pushes branch to the remote.
	PushBranch(branch string) error
	// ForcePushBranch pushes branch to the remote with --force-with-lease.
	ForcePushBranch(branch string) error
	// DeleteLocalBranch deletes a local branch, optionally forcing.
	DeleteLocalBranch(branch string, force bool) error
	// DeleteRemoteBranch deletes branch on the remote.
	DeleteRemoteBranch(branch string) error
	// HeadHash returns the current commit hash, used by the worker
	// runtime to detect when an implementation commit has landed.
	HeadHash() (string, error)
}
