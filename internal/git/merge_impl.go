package git

import "strings"

// Compile-time check that RealExecutor also satisfies MergeExecutor.
var _ MergeExecutor = (*RealExecutor)(nil)

// Checkout switches the working tree to branch.
func (e *RealExecutor) Checkout(branch string) error {
	return e.runGit("checkout", branch)
}

// CreateBranch creates newBranch from base and checks it out. If base
// is empty, the branch starts at current HEAD.
func (e *RealExecutor) CreateBranch(newBranch, base string) error {
	args := []string{"checkout", "-b", newBranch}
	if base != "" {
		args = append(args, base)
	}
	return e.runGit(args...)
}

// PullRebase rebases the current branch onto its upstream. Failure here
// is expected to be treated as non-fatal by callers (a stale remote
// shouldn't block the merge pipeline from attempting the merge).
func (e *RealExecutor) PullRebase() error {
	return e.runGit("pull", "--rebase")
}

// TryMergeNoCommit probes branch for conflicts against the current
// branch without ever leaving the repository mid-merge: the attempt is
// always aborted, successful or not.
func (e *RealExecutor) TryMergeNoCommit(branch string) (bool, string, error) {
	output, mergeErr := e.runGitOutput("merge", "--no-commit", "--no-ff", branch)
	_ = e.runGit("merge", "--abort")

	if mergeErr == nil {
		return false, output, nil
	}

	combined := output + mergeErr.Error()
	if strings.Contains(strings.ToUpper(combined), "CONFLICT") {
		return true, combined, nil
	}
	return false, combined, mergeErr
}

// SquashMerge squashes branch into the current branch and commits.
func (e *RealExecutor) SquashMerge(branch, message string) error {
	if err := e.runGit("merge", "--squash", branch); err != nil {
		return err
	}
	return e.runGit("commit", "-m", message)
}

// PushBranch pushes branch to the remote.
func (e *RealExecutor) PushBranch(branch string) error {
	return e.runGit("push", "origin", branch)
}

// ForcePushBranch pushes branch to the remote with --force-with-lease,
// used after a rebase onto trunk during conflict resolution so a
// concurrent push to the same branch is rejected instead of clobbered.
func (e *RealExecutor) ForcePushBranch(branch string) error {
	return e.runGit("push", "--force-with-lease", "origin", branch)
}

// DeleteLocalBranch deletes a local branch.
func (e *RealExecutor) DeleteLocalBranch(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return e.runGit("branch", flag, branch)
}

// DeleteRemoteBranch deletes branch on the remote.
func (e *RealExecutor) DeleteRemoteBranch(branch string) error {
	return e.runGit("push", "origin", "--delete", branch)
}

// HeadHash returns the current commit hash.
func (e *RealExecutor) HeadHash() (string, error) {
	return e.runGitOutput("rev-parse", "HEAD")
}
