// Package worker implements the Worker Runtime (C8): the per-agent
// state machine that claims a task from the coordinator, isolates a
// branch, waits for an implementation commit, gates it with local
// quality checks, requests a merge, and reacts to the coordinator's
// asynchronous merge-pipeline notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/fleet/implementer"
	"github.com/fleetctl/fleetctl/internal/git"
	"github.com/fleetctl/fleetctl/internal/hostingcli"
	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/safego"
)

// Timing constants from the worker protocol (spec.md §4.8).
const (
	claimPollInterval   = 3 * time.Second
	implementPollPeriod = 10 * time.Second
	implementTimeout    = 60 * time.Minute
	reactionTimeout     = 30 * time.Minute
)

// ErrMisconfiguredRemote is returned when a remote is configured and
// the current branch of the repository cannot be read, aborting
// PREPARING. Whether a remote is actually present is not queried.
var ErrMisconfiguredRemote = errors.New("worker: remote configured but not present")

// ClaimResult is the coordinator's response to a claim attempt.
type ClaimResult struct {
	Task   fleet.Task
	Role   string
	Reason string // populated when Task is zero-value: no_active_phase | no_tasks_available | claim_failed_max_attempts
}

// CoordinatorClient is the contract a Worker Runtime uses to talk to
// the coordinator; an HTTP implementation lives in internal/fleetclient
// so the state machine here is reusable against any transport
// (notably a direct in-process fake in tests).
type CoordinatorClient interface {
	Register(ctx context.Context, sessionTag string) (agentID string, err error)
	Heartbeat(ctx context.Context, agentID string) error
	Unregister(ctx context.Context, agentID string) error
	ClaimTask(ctx context.Context, agentID string) (ClaimResult, error)
	CompleteTask(ctx context.Context, agentID, taskID string, success bool, prURL, branchName string) error
	Subscribe(ctx context.Context, agentID string) (<-chan fleet.NotificationEvent, error)
	DrainPending(ctx context.Context, agentID string) ([]fleet.NotificationEvent, error)
}

// GitOps is the subset of git operations the worker runtime performs
// directly in its working copy (as distinct from the merge queue's
// trunk-integration surface).
type GitOps interface {
	git.MergeExecutor
	BranchExists(name string) bool
	GetCurrentBranch() (string, error)
}

// WorktreeManager isolates each claimed task in its own git worktree so
// concurrent workers sharing one clone never step on each other's
// checkout. Bound to the base repository at construction; CreateWorktree
// and RemoveWorktree operate on paths under it.
type WorktreeManager interface {
	DetermineWorktreePath(sessionID string) (string, error)
	CreateWorktree(path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
}

// RuntimeConfig configures one Worker Runtime instance.
type RuntimeConfig struct {
	SessionTag    string
	Role          string // advisory; the coordinator derives the authoritative role from the claimed task's type
	TrunkBranch   string
	RemoteEnabled bool
	OpenPR        bool
	BranchPattern string // default "{workerId}/task-{taskId}"
	Checks        []QualityGateCheck
	HeadFunc      func() (string, error) // returns the current commit hash; overridable in tests
}

// QualityGateCheck mirrors fleet.QualityGateCheck for the worker's own
// local gate, run before requesting a merge.
type QualityGateCheck struct {
	Name     string
	Command  string
	Required bool
}

// Runtime drives one worker's state machine end to end, looping
// IDLE → CLAIMING → … → IDLE until ctx is cancelled.
type Runtime struct {
	client     CoordinatorClient
	worktrees  WorktreeManager
	newGitOps  func(dir string) GitOps
	controlGit GitOps // bound to repoDir; used before a task worktree exists
	hosting    hostingcli.Client
	impl       implementer.Implementer
	cfg        RuntimeConfig
	repoDir    string

	agentID string

	// curWorktree and curGit are set by prepare() for the task currently
	// in flight and torn down when runTask returns; a Runtime processes
	// one task at a time so this is not raced.
	curWorktree string
	curGit      GitOps
}

// NewRuntime builds a Runtime operating out of repoDir, isolating each
// claimed task in its own worktree created by worktrees. newGitOps
// constructs a GitOps bound to an arbitrary directory (a task's
// worktree, or repoDir itself before one exists) since RealExecutor is
// bound to a single working directory at construction.
func NewRuntime(client CoordinatorClient, worktrees WorktreeManager, newGitOps func(dir string) GitOps, hosting hostingcli.Client, impl implementer.Implementer, repoDir string, cfg RuntimeConfig) *Runtime {
	if cfg.BranchPattern == "" {
		cfg.BranchPattern = "{workerId}/task-{taskId}"
	}
	return &Runtime{
		client:     client,
		worktrees:  worktrees,
		newGitOps:  newGitOps,
		controlGit: newGitOps(repoDir),
		hosting:    hosting,
		impl:       impl,
		cfg:        cfg,
		repoDir:    repoDir,
	}
}

// Run registers the worker and loops the IDLE/CLAIMING/.../REACTING
// cycle until ctx is cancelled, unregistering on the way out so the
// coordinator can reclaim any task it still held.
func (r *Runtime) Run(ctx context.Context) error {
	agentID, err := r.client.Register(ctx, r.cfg.SessionTag)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.agentID = agentID
	log.Info(log.CatWorker, "worker runtime registered", "agent", agentID)

	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.Unregister(uctx, agentID); err != nil {
			log.ErrorErr(log.CatWorker, "failed to unregister on exit", err, "agent", agentID)
		}
	}()

	heartbeatInterval := 30 * time.Second
	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if err := r.client.Heartbeat(ctx, agentID); err != nil {
				log.ErrorErr(log.CatWorker, "heartbeat failed", err, "agent", agentID)
			}
			lastHeartbeat = time.Now()
		}

		result, err := r.client.ClaimTask(ctx, agentID)
		if err != nil {
			log.ErrorErr(log.CatWorker, "claim failed", err, "agent", agentID)
			if !sleepOrDone(ctx, claimPollInterval) {
				return nil
			}
			continue
		}
		if result.Task.ID == "" {
			log.Debug(log.CatWorker, "no task available", "agent", agentID, "reason", result.Reason)
			if !sleepOrDone(ctx, claimPollInterval) {
				return nil
			}
			continue
		}

		r.runTask(ctx, agentID, result.Task)
	}
}

// sleepOrDone sleeps for d or returns false immediately if ctx is
// cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// runTask drives one claimed task through PREPARING, IMPLEMENTING,
// GATING, REQUESTING_MERGE, and REACTING, returning control to the
// caller's IDLE loop once the task leaves this worker's hands (either
// merged, or left in an operator-intervention / failed state).
func (r *Runtime) runTask(ctx context.Context, agentID string, task fleet.Task) {
	log.Info(log.CatWorker, "task claimed, preparing branch", "agent", agentID, "task", task.ID)

	branch := r.branchName(agentID, task.ID)
	worktreeDir, err := r.prepare(agentID, task.ID, branch)
	if err != nil {
		log.ErrorErr(log.CatWorker, "failed to prepare worktree", err, "agent", agentID, "task", task.ID)
		r.complete(ctx, agentID, task.ID, false, "", branch)
		return
	}
	defer r.teardownWorktree(agentID, task.ID)

	h0, err := r.headHash()
	if err != nil {
		log.ErrorErr(log.CatWorker, "failed to read starting commit", err, "agent", agentID, "task", task.ID)
		r.complete(ctx, agentID, task.ID, false, "", branch)
		return
	}

	if r.impl != nil {
		if _, err := r.impl.Implement(ctx, task, worktreeDir); err != nil {
			log.ErrorErr(log.CatWorker, "implementer step failed", err, "agent", agentID, "task", task.ID)
		}
	}

	if !r.waitForNewCommit(ctx, h0, implementTimeout) {
		log.Warn(log.CatWorker, "implementation timed out, returning task unsuccessful", "agent", agentID, "task", task.ID)
		r.complete(ctx, agentID, task.ID, false, "", branch)
		return
	}

	if err := r.runLocalChecks(ctx); err != nil {
		log.Warn(log.CatWorker, "local quality gate failed", "agent", agentID, "task", task.ID, "error", err.Error())
		r.complete(ctx, agentID, task.ID, false, "", branch)
		return
	}

	prURL := r.requestMerge(branch, task)
	if err := r.complete(ctx, agentID, task.ID, true, prURL, branch); err != nil {
		log.ErrorErr(log.CatWorker, "failed to report completion", err, "agent", agentID, "task", task.ID)
		return
	}

	r.react(ctx, agentID, task.ID, branch)
}

// branchName substitutes {workerId} and {taskId} in the configured
// pattern.
func (r *Runtime) branchName(agentID, taskID string) string {
	name := r.cfg.BranchPattern
	name = strings.ReplaceAll(name, "{workerId}", agentID)
	name = strings.ReplaceAll(name, "{taskId}", taskID)
	return name
}

// prepare isolates the task in its own worktree, checked out on branch
// from trunk, and returns the worktree's path. If a remote is
// configured, it first reads repoDir's current branch and aborts with
// ErrMisconfiguredRemote when that fails; the presence of the remote
// itself is not checked. A stale worktree left
// over from a prior crash at the same path is removed first so recovery
// re-entry doesn't fail on "already exists".
func (r *Runtime) prepare(agentID, taskID, branch string) (string, error) {
	if r.cfg.RemoteEnabled {
		if _, err := r.controlGit.GetCurrentBranch(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMisconfiguredRemote, err)
		}
	}

	path, err := r.worktrees.DetermineWorktreePath(agentID + "-" + taskID)
	if err != nil {
		return "", fmt.Errorf("determine worktree path: %w", err)
	}
	_ = r.worktrees.RemoveWorktree(path)

	if err := r.worktrees.CreateWorktree(path, branch, r.cfg.TrunkBranch); err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}

	r.curWorktree = path
	r.curGit = r.newGitOps(path)
	return path, nil
}

// teardownWorktree removes the worktree created for the task in flight.
// Best-effort: a leftover worktree is cleaned up on the next prepare()
// for the same agent/task, and is otherwise left in place.
func (r *Runtime) teardownWorktree(agentID, taskID string) {
	if r.curWorktree == "" {
		return
	}
	if err := r.worktrees.RemoveWorktree(r.curWorktree); err != nil {
		log.Warn(log.CatWorker, "failed to remove task worktree", "agent", agentID, "task", taskID, "path", r.curWorktree, "error", err.Error())
	}
	r.curWorktree = ""
	r.curGit = nil
}

func (r *Runtime) headHash() (string, error) {
	if r.cfg.HeadFunc != nil {
		return r.cfg.HeadFunc()
	}
	return r.curGit.HeadHash()
}

// waitForNewCommit polls every implementPollPeriod for the head hash
// to differ from h0, up to timeout. Returns false on timeout.
func (r *Runtime) waitForNewCommit(ctx context.Context, h0 string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(implementPollPeriod):
		}
		h, err := r.headHash()
		if err == nil && h != h0 {
			return true
		}
	}
	return false
}

// runLocalChecks runs the worker's own required checks before
// requesting a merge, same pass/fail semantics as the merge queue's
// quality gates.
func (r *Runtime) runLocalChecks(ctx context.Context) error {
	for _, check := range r.cfg.Checks {
		if !check.Required {
			continue
		}
		if err := runLocalCheck(ctx, check); err != nil {
			return err
		}
	}
	return nil
}

// requestMerge pushes the branch (if a remote is configured) and
// opens a best-effort external PR; failures here don't stop the
// worker from reporting task completion to the coordinator, which is
// responsible for trunk integration either way.
func (r *Runtime) requestMerge(branch string, task fleet.Task) string {
	if r.cfg.RemoteEnabled {
		if err := r.curGit.PushBranch(branch); err != nil {
			log.ErrorErr(log.CatWorker, "failed to push branch", err, "branch", branch)
		}
	}

	if !r.cfg.RemoteEnabled || !r.cfg.OpenPR || r.hosting == nil {
		return ""
	}

	prURL, err := r.hosting.CreatePR(branch, task.Title, task.Title)
	if err != nil {
		log.ErrorErr(log.CatWorker, "failed to open PR", err, "branch", branch)
		return ""
	}
	return prURL
}

func (r *Runtime) complete(ctx context.Context, agentID, taskID string, success bool, prURL, branch string) error {
	return r.client.CompleteTask(ctx, agentID, taskID, success, prURL, branch)
}

// react subscribes to the agent's notification channel and drains any
// pending events delivered while the worker wasn't listening, then
// waits for a terminal or actionable event: conflict_detected and
// tests_failed both resolve by waiting (up to reactionTimeout) for a
// new commit and re-requesting the merge; merge_success and the
// terminal merge_failed both return the worker to IDLE.
func (r *Runtime) react(ctx context.Context, agentID, taskID, branch string) {
	events, err := r.client.Subscribe(ctx, agentID)
	if err != nil {
		log.ErrorErr(log.CatWorker, "failed to subscribe to notifications", err, "agent", agentID)
		return
	}

	pending, err := r.client.DrainPending(ctx, agentID)
	if err != nil {
		log.ErrorErr(log.CatWorker, "failed to drain pending notifications", err, "agent", agentID)
	}
	for _, evt := range pending {
		if r.handleEvent(ctx, agentID, taskID, branch, evt) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.TaskID != taskID {
				continue
			}
			if r.handleEvent(ctx, agentID, taskID, branch, evt) {
				return
			}
		}
	}
}

// handleEvent processes one notification event; it returns true when
// the worker should leave REACTING and return to IDLE.
func (r *Runtime) handleEvent(ctx context.Context, agentID, taskID, branch string, evt fleet.NotificationEvent) bool {
	switch evt.Type {
	case fleet.EventMergeSuccess:
		log.Info(log.CatWorker, "merge succeeded", "agent", agentID, "task", taskID)
		return true
	case fleet.EventMergeFailed:
		log.Warn(log.CatWorker, "merge failed terminally, leaving for operator intervention", "agent", agentID, "task", taskID)
		return true
	case fleet.EventConflictDetected:
		log.Warn(log.CatWorker, "conflict detected, waiting for resolution commit", "agent", agentID, "task", taskID)
		r.resolveAndReRequest(ctx, agentID, taskID, branch)
		return true
	case fleet.EventTestsFailed:
		log.Warn(log.CatWorker, "tests failed, waiting for fixup commit", "agent", agentID, "task", taskID)
		r.resolveAndReRequest(ctx, agentID, taskID, branch)
		return true
	default:
		return false
	}
}

// resolveAndReRequest rebases onto trunk (best-effort), waits up to
// reactionTimeout for a new commit, force-pushes with lease, and
// reports completion again so the coordinator re-enqueues the merge
// request. A timeout here leaves the task in its current
// conflict/test_failed state for an operator to notice.
func (r *Runtime) resolveAndReRequest(ctx context.Context, agentID, taskID, branch string) {
	if r.cfg.RemoteEnabled {
		_ = r.curGit.PullRebase()
	}

	h0, err := r.headHash()
	if err != nil {
		return
	}
	if !r.waitForNewCommit(ctx, h0, reactionTimeout) {
		log.Warn(log.CatWorker, "timed out waiting for resolution commit", "agent", agentID, "task", taskID)
		return
	}

	if r.cfg.RemoteEnabled {
		if err := r.curGit.ForcePushBranch(branch); err != nil {
			log.ErrorErr(log.CatWorker, "failed to force-push resolution branch", err, "branch", branch)
		}
	}

	if err := r.complete(ctx, agentID, taskID, true, "", branch); err != nil {
		log.ErrorErr(log.CatWorker, "failed to report resolution completion", err, "agent", agentID, "task", taskID)
	}
}

func runLocalCheck(ctx context.Context, check QualityGateCheck) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return runShell(cctx, check.Name, check.Command)
}

// StartBackground launches Run in a panic-recovering background
// goroutine, for callers that want a fire-and-forget worker process
// loop. The `worker run` subcommand does not use it; it calls Run
// directly in the foreground.
func StartBackground(ctx context.Context, r *Runtime) {
	safego.Go("worker.runtime", func() {
		if err := r.Run(ctx); err != nil {
			log.ErrorErr(log.CatWorker, "worker runtime exited with error", err)
		}
	})
}
