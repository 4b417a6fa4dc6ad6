package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/git"
)

// fakeCoordinatorClient is an in-memory double for CoordinatorClient
// that records claims and completions without talking to a real
// coordinator.
type fakeCoordinatorClient struct {
	mu sync.Mutex

	agentID   string
	claims    []fleet.Task
	claimIdx  int
	completes []completeCall
	events    chan fleet.NotificationEvent
	pending   []fleet.NotificationEvent
}

type completeCall struct {
	taskID  string
	success bool
	prURL   string
	branch  string
}

func newFakeClient(tasks ...fleet.Task) *fakeCoordinatorClient {
	return &fakeCoordinatorClient{
		agentID: "worker-1",
		claims:  tasks,
		events:  make(chan fleet.NotificationEvent, 4),
	}
}

func (f *fakeCoordinatorClient) Register(context.Context, string) (string, error) {
	return f.agentID, nil
}
func (f *fakeCoordinatorClient) Heartbeat(context.Context, string) error  { return nil }
func (f *fakeCoordinatorClient) Unregister(context.Context, string) error { return nil }

func (f *fakeCoordinatorClient) ClaimTask(context.Context, string) (ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimIdx >= len(f.claims) {
		return ClaimResult{Reason: "no_tasks_available"}, nil
	}
	t := f.claims[f.claimIdx]
	f.claimIdx++
	return ClaimResult{Task: t, Role: "developer"}, nil
}

func (f *fakeCoordinatorClient) CompleteTask(_ context.Context, _, taskID string, success bool, prURL, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, completeCall{taskID: taskID, success: success, prURL: prURL, branch: branch})
	return nil
}

func (f *fakeCoordinatorClient) Subscribe(context.Context, string) (<-chan fleet.NotificationEvent, error) {
	return f.events, nil
}

func (f *fakeCoordinatorClient) DrainPending(context.Context, string) ([]fleet.NotificationEvent, error) {
	return f.pending, nil
}

func (f *fakeCoordinatorClient) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completes)
}

// fakeWorktrees is an in-memory double for WorktreeManager.
type fakeWorktrees struct {
	created    []string
	removed    []string
	failCreate error
}

func (f *fakeWorktrees) DetermineWorktreePath(sessionID string) (string, error) {
	return "/tmp/worktrees/" + sessionID, nil
}

func (f *fakeWorktrees) CreateWorktree(path, _, _ string) error {
	if f.failCreate != nil {
		return f.failCreate
	}
	f.created = append(f.created, path)
	return nil
}

func (f *fakeWorktrees) RemoveWorktree(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

// fakeGitOps is an in-memory double for GitOps.
type fakeGitOps struct {
	mu          sync.Mutex
	head        string
	pushed      []string
	forcePushed []string
}

var _ git.MergeExecutor = (*fakeGitOps)(nil)

func newFakeGitOps(head string) *fakeGitOps {
	return &fakeGitOps{head: head}
}

func (g *fakeGitOps) Checkout(string) error                         { return nil }
func (g *fakeGitOps) CreateBranch(string, string) error             { return nil }
func (g *fakeGitOps) PullRebase() error                             { return nil }
func (g *fakeGitOps) TryMergeNoCommit(string) (bool, string, error) { return false, "", nil }
func (g *fakeGitOps) SquashMerge(string, string) error               { return nil }
func (g *fakeGitOps) PushBranch(branch string) error {
	g.pushed = append(g.pushed, branch)
	return nil
}
func (g *fakeGitOps) ForcePushBranch(branch string) error {
	g.forcePushed = append(g.forcePushed, branch)
	return nil
}
func (g *fakeGitOps) DeleteLocalBranch(string, bool) error { return nil }
func (g *fakeGitOps) DeleteRemoteBranch(string) error      { return nil }
func (g *fakeGitOps) BranchExists(string) bool             { return true }
func (g *fakeGitOps) GetCurrentBranch() (string, error)    { return "main", nil }

func (g *fakeGitOps) HeadHash() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func newTestRuntime(client *fakeCoordinatorClient, wt *fakeWorktrees, gitOps *fakeGitOps, cfg RuntimeConfig) *Runtime {
	newGitOps := func(string) GitOps { return gitOps }
	return NewRuntime(client, wt, newGitOps, nil, nil, "/repo", cfg)
}

// TestRuntimeBranchName verifies {workerId}/{taskId} substitution in
// the configured branch pattern, including the default pattern.
func TestRuntimeBranchName(t *testing.T) {
	rt := newTestRuntime(newFakeClient(), &fakeWorktrees{}, newFakeGitOps("h0"), RuntimeConfig{TrunkBranch: "main"})
	require.Equal(t, "worker-1/task-T1", rt.branchName("worker-1", "T1"))
}

// TestRuntimePrepareCreatesWorktree verifies PREPARING isolates the
// task in its own worktree branched from trunk and binds a GitOps
// scoped to that worktree.
func TestRuntimePrepareCreatesWorktree(t *testing.T) {
	wt := &fakeWorktrees{}
	gitOps := newFakeGitOps("h0")
	rt := newTestRuntime(newFakeClient(), wt, gitOps, RuntimeConfig{TrunkBranch: "main"})

	path, err := rt.prepare("worker-1", "T1", "worker-1/task-T1")
	require.NoError(t, err)
	require.Equal(t, "/tmp/worktrees/worker-1-T1", path)
	require.Equal(t, []string{path}, wt.created)
	require.NotNil(t, rt.curGit)

	rt.teardownWorktree("worker-1", "T1")
	// prepare first clears any stale worktree at the path, then teardown
	// removes the one it created: two removals of the same path.
	require.Equal(t, []string{path, path}, wt.removed)
	require.Empty(t, rt.curWorktree)
}

// TestRuntimePrepareMisconfiguredRemote verifies that PREPARING aborts
// with ErrMisconfiguredRemote when a remote is required and the control
// repository's current branch cannot be read, rather than silently
// proceeding local-only (spec.md §4.8).
func TestRuntimePrepareMisconfiguredRemote(t *testing.T) {
	wt := &fakeWorktrees{}
	gitOps := &brokenRemoteGitOps{fakeGitOps: newFakeGitOps("h0")}
	rt := newTestRuntime(newFakeClient(), wt, gitOps, RuntimeConfig{TrunkBranch: "main", RemoteEnabled: true})

	_, err := rt.prepare("worker-1", "T1", "worker-1/task-T1")
	require.ErrorIs(t, err, ErrMisconfiguredRemote)
	require.Empty(t, wt.created)
}

type brokenRemoteGitOps struct {
	*fakeGitOps
}

func (g *brokenRemoteGitOps) GetCurrentBranch() (string, error) {
	return "", errors.New("no such remote")
}

// TestRuntimeWaitForNewCommitRespectsCancellation verifies that a
// cancelled context stops the poll loop immediately instead of waiting
// out the full timeout.
func TestRuntimeWaitForNewCommitRespectsCancellation(t *testing.T) {
	rt := newTestRuntime(newFakeClient(), &fakeWorktrees{}, newFakeGitOps("h0"), RuntimeConfig{TrunkBranch: "main"})
	rt.curGit = newFakeGitOps("h0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	ok := rt.waitForNewCommit(ctx, "h0", time.Hour)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second, "cancellation must short-circuit the poll loop")
}

// TestRuntimeRequestMergePushesAndOpensPR verifies REQUESTING_MERGE
// pushes the branch and opens a PR only when both remote integration
// and PR-opening are enabled.
func TestRuntimeRequestMergePushesAndOpensPR(t *testing.T) {
	gitOps := newFakeGitOps("h0")
	hosting := &fakeHosting{prURL: "https://example.test/pr/1"}
	rt := NewRuntime(newFakeClient(), &fakeWorktrees{}, func(string) GitOps { return gitOps }, hosting, nil, "/repo",
		RuntimeConfig{TrunkBranch: "main", RemoteEnabled: true, OpenPR: true})
	rt.curGit = gitOps

	prURL := rt.requestMerge("worker-1/task-T1", fleet.Task{ID: "T1", Title: "x"})
	require.Equal(t, "https://example.test/pr/1", prURL)
	require.Equal(t, []string{"worker-1/task-T1"}, gitOps.pushed)
}

// TestRuntimeRequestMergeLocalOnly verifies no push or PR is attempted
// when remote integration is disabled.
func TestRuntimeRequestMergeLocalOnly(t *testing.T) {
	gitOps := newFakeGitOps("h0")
	rt := newTestRuntime(newFakeClient(), &fakeWorktrees{}, gitOps, RuntimeConfig{TrunkBranch: "main"})
	rt.curGit = gitOps

	prURL := rt.requestMerge("worker-1/task-T1", fleet.Task{ID: "T1", Title: "x"})
	require.Empty(t, prURL)
	require.Empty(t, gitOps.pushed)
}

type fakeHosting struct {
	prURL string
	err   error
}

func (h *fakeHosting) CreatePR(string, string, string) (string, error) { return h.prURL, h.err }
func (h *fakeHosting) SquashMergePR(string) error                      { return nil }

// TestRuntimeReactMergeSuccessReturnsToIdle verifies that a
// merge_success notification drives REACTING straight back to IDLE
// with no further coordinator calls.
func TestRuntimeReactMergeSuccessReturnsToIdle(t *testing.T) {
	client := newFakeClient()
	rt := newTestRuntime(client, &fakeWorktrees{}, newFakeGitOps("h0"), RuntimeConfig{TrunkBranch: "main"})

	done := make(chan struct{})
	go func() {
		rt.react(context.Background(), "worker-1", "T1", "worker-1/task-T1")
		close(done)
	}()

	client.events <- fleet.NotificationEvent{Type: fleet.EventMergeSuccess, TaskID: "T1"}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("react did not return on merge_success")
	}
	require.Equal(t, 0, client.completeCount())
}

// TestRuntimeReactIgnoresOtherTasksEvents verifies react filters
// events by task id, since a worker's channel may carry notifications
// about a task it is no longer holding (a leftover from REACTING on a
// conflict that already resolved).
func TestRuntimeReactIgnoresOtherTasksEvents(t *testing.T) {
	client := newFakeClient()
	rt := newTestRuntime(client, &fakeWorktrees{}, newFakeGitOps("h0"), RuntimeConfig{TrunkBranch: "main"})

	done := make(chan struct{})
	go func() {
		rt.react(context.Background(), "worker-1", "T1", "worker-1/task-T1")
		close(done)
	}()

	client.events <- fleet.NotificationEvent{Type: fleet.EventMergeSuccess, TaskID: "T-other"}
	select {
	case <-done:
		t.Fatal("react returned on a notification for a different task")
	case <-time.After(50 * time.Millisecond):
	}

	client.events <- fleet.NotificationEvent{Type: fleet.EventMergeSuccess, TaskID: "T1"}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("react did not return once its own task's event arrived")
	}
}

// TestRuntimeReactConflictTriggersResolution verifies that a
// conflict_detected notification drives resolveAndReRequest (rebase +
// wait for a fixup commit) rather than returning to IDLE immediately;
// cancelling the context mid-wait exercises the bounded-wait path
// without depending on the fixed poll interval elapsing.
func TestRuntimeReactConflictTriggersResolution(t *testing.T) {
	client := newFakeClient()
	gitOps := newFakeGitOps("h0")
	rt := newTestRuntime(client, &fakeWorktrees{}, gitOps, RuntimeConfig{TrunkBranch: "main", RemoteEnabled: true})
	rt.curGit = gitOps

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.react(ctx, "worker-1", "T1", "worker-1/task-T1")
		close(done)
	}()

	client.events <- fleet.NotificationEvent{Type: fleet.EventConflictDetected, TaskID: "T1"}
	time.Sleep(20 * time.Millisecond) // let resolveAndReRequest enter its wait
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("react did not return once the resolution wait was cancelled")
	}
	// No fixup commit ever landed, so the worker must not have
	// re-reported completion or force-pushed a stale branch.
	require.Equal(t, 0, client.completeCount())
	require.Empty(t, gitOps.forcePushed)
}

// TestRuntimeHandleEventUnknownType verifies an unrecognised event
// type is ignored (neither a terminal return nor a resolution
// attempt), matching handleEvent's default case.
func TestRuntimeHandleEventUnknownType(t *testing.T) {
	rt := newTestRuntime(newFakeClient(), &fakeWorktrees{}, newFakeGitOps("h0"), RuntimeConfig{TrunkBranch: "main"})
	terminal := rt.handleEvent(context.Background(), "worker-1", "T1", "branch", fleet.NotificationEvent{Type: "unknown"})
	require.False(t, terminal)
}
