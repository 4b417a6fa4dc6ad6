package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetctl/fleetctl/internal/git"
	"github.com/fleetctl/fleetctl/internal/hostingcli"
	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/pubsub"
	"github.com/fleetctl/fleetctl/internal/safego"
	"github.com/fleetctl/fleetctl/internal/store"
)

// popTimeout bounds each blocking dequeue attempt so the merge queue
// consumer stays responsive to context cancellation during shutdown.
const popTimeout = 5 * time.Second

// checkTimeout bounds a single required quality-gate check.
const checkTimeout = 5 * time.Minute

// maxMergeRetries is the bound on merge_failed re-enqueues (P7: a
// MergeRequest is popped at most maxMergeRetries+1 times).
const maxMergeRetries = 3

var tracer = otel.Tracer("fleetctl/mergequeue")

// QualityGateCheck is a single required check run against a candidate
// branch before it is integrated.
type QualityGateCheck struct {
	Name     string
	Command  string
	Required bool
}

// MergeQueueConfig configures the merge pipeline's trunk-integration
// behaviour.
type MergeQueueConfig struct {
	TrunkBranch     string
	Checks          []QualityGateCheck
	RemoteEnabled   bool
	DeleteRemote    bool
}

// MergeQueue is the Merge Queue Worker (C6): exactly one instance
// consumes MergeRequests from the store's FIFO in order, integrating
// each candidate branch into trunk with conflict detection, quality
// gates, and bounded-retry failure handling. I8 (single-threaded
// consumption) holds because Run's loop never spawns a second
// concurrent pipeline invocation.
type MergeQueue struct {
	registry  *Registry
	store     store.Store
	notifier  *Notifier
	phases    *PhaseController
	git       git.MergeExecutor
	hosting   hostingcli.Client
	cfg       MergeQueueConfig
	events    *pubsub.Broker[FleetEvent]
}

// NewMergeQueue builds a MergeQueue.
func NewMergeQueue(reg *Registry, s store.Store, notifier *Notifier, phases *PhaseController, gitExec git.MergeExecutor, hosting hostingcli.Client, cfg MergeQueueConfig) *MergeQueue {
	return &MergeQueue{registry: reg, store: s, notifier: notifier, phases: phases, git: gitExec, hosting: hosting, cfg: cfg}
}

// AttachEvents wires the coordinator's event broker so pipeline
// outcomes are republished alongside claim/complete occurrences for
// the API's SSE streams.
func (q *MergeQueue) AttachEvents(b *pubsub.Broker[FleetEvent]) {
	q.events = b
}

func (q *MergeQueue) publish(kind, taskID, agentID, status string) {
	if q.events == nil {
		return
	}
	q.events.Publish(pubsub.UpdatedEvent, FleetEvent{
		Kind:      kind,
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// Enqueue appends mr to the FIFO merge queue.
func (q *MergeQueue) Enqueue(ctx context.Context, mr MergeRequest) error {
	data, err := json.Marshal(mr)
	if err != nil {
		return fmt.Errorf("marshal merge request %s: %w", mr.TaskID, err)
	}
	return q.store.Enqueue(ctx, keyMergeQueue, data)
}

// Run launches the single-consumer pipeline loop in a panic-recovering
// background goroutine. It stops when ctx is cancelled.
func (q *MergeQueue) Run(ctx context.Context) {
	safego.Go("mergequeue.run", func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			payload, ok, err := q.store.BlockingDequeue(ctx, keyMergeQueue, popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.ErrorErr(log.CatMerge, "merge queue dequeue failed", err)
				continue
			}
			if !ok {
				continue
			}

			var mr MergeRequest
			if err := json.Unmarshal(payload, &mr); err != nil {
				log.ErrorErr(log.CatMerge, "malformed merge request payload", err)
				continue
			}

			q.process(ctx, mr)
		}
	})
}

// process runs the full six-step pipeline for one MergeRequest. Each
// step's failure routes to its handler and ends this invocation; no
// two invocations of process ever run concurrently because Run's loop
// is single-threaded (I8).
func (q *MergeQueue) process(ctx context.Context, mr MergeRequest) {
	ctx, span := tracer.Start(ctx, "merge.process", trace.WithAttributes(
		attribute.String("task.id", mr.TaskID),
		attribute.String("branch", mr.BranchName),
		attribute.Int("retry_count", mr.RetryCount),
	))
	defer span.End()

	log.Info(log.CatMerge, "processing merge request", "task", mr.TaskID, "branch", mr.BranchName, "attempt", mr.RetryCount+1)

	if err := q.refreshTrunk(ctx); err != nil {
		log.ErrorErr(log.CatMerge, "trunk refresh failed (non-fatal)", err, "task", mr.TaskID)
	}

	conflicted, probeOutput, err := q.probeConflict(ctx, mr.BranchName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conflict probe failed")
		q.handleMergeFailed(ctx, mr, fmt.Errorf("conflict probe: %w", err))
		return
	}
	if conflicted {
		q.handleConflict(ctx, mr, probeOutput)
		return
	}

	if err := q.runQualityGates(ctx, mr.BranchName); err != nil {
		q.handleTestFailed(ctx, mr, err)
		return
	}

	if err := q.integrate(ctx, mr); err != nil {
		span.RecordError(err)
		q.handleMergeFailed(ctx, mr, fmt.Errorf("integrate: %w", err))
		return
	}

	q.pruneBranch(mr)

	if err := q.markMerged(ctx, mr); err != nil {
		log.ErrorErr(log.CatMerge, "failed to record merged task", err, "task", mr.TaskID)
		return
	}
}

// refreshTrunk checks out trunk and, if remote integration is enabled,
// pulls with rebase. A pull failure is logged but never fatal: the
// trunk may be local-only.
func (q *MergeQueue) refreshTrunk(ctx context.Context) error {
	_, span := tracer.Start(ctx, "merge.refresh_trunk")
	defer span.End()

	if err := q.git.Checkout(q.cfg.TrunkBranch); err != nil {
		return fmt.Errorf("checkout trunk: %w", err)
	}
	if q.cfg.RemoteEnabled {
		if err := q.git.PullRebase(); err != nil {
			return fmt.Errorf("pull --rebase: %w", err)
		}
	}
	return nil
}

// probeConflict performs a non-committing merge of branch into trunk,
// unconditionally aborting it afterward regardless of outcome.
func (q *MergeQueue) probeConflict(ctx context.Context, branch string) (conflicted bool, output string, err error) {
	_, span := tracer.Start(ctx, "merge.probe_conflict")
	defer span.End()
	return q.git.TryMergeNoCommit(branch)
}

// runQualityGates checks out the candidate branch and executes every
// required check with a per-check timeout, returning to trunk
// afterward regardless of outcome.
func (q *MergeQueue) runQualityGates(ctx context.Context, branch string) error {
	ctx, span := tracer.Start(ctx, "merge.quality_gates")
	defer span.End()

	if len(q.cfg.Checks) == 0 {
		return nil
	}

	if err := q.git.Checkout(branch); err != nil {
		return fmt.Errorf("checkout candidate branch: %w", err)
	}
	defer func() {
		_ = q.git.Checkout(q.cfg.TrunkBranch)
	}()

	for _, check := range q.cfg.Checks {
		if !check.Required {
			continue
		}
		if err := runCheck(ctx, check); err != nil {
			span.RecordError(err)
			return fmt.Errorf("check %q: %w", check.Name, err)
		}
	}
	return nil
}

func runCheck(ctx context.Context, check QualityGateCheck) error {
	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	//nolint:gosec // G204: commands come from operator-supplied config, not untrusted input
	cmd := exec.CommandContext(cctx, "sh", "-c", check.Command)
	output, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("check %q timed out after %s", check.Name, checkTimeout)
	}
	if err != nil {
		return fmt.Errorf("check %q failed: %w: %s", check.Name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// integrate performs the trunk-integration step: a squash-merge via
// the external hosting CLI when remote integration is enabled and a
// PR reference is present, otherwise a local squash-and-commit.
func (q *MergeQueue) integrate(ctx context.Context, mr MergeRequest) error {
	_, span := tracer.Start(ctx, "merge.integrate")
	defer span.End()

	if q.cfg.RemoteEnabled && mr.PRURL != "" {
		return q.hosting.SquashMergePR(mr.PRURL)
	}

	if err := q.git.Checkout(q.cfg.TrunkBranch); err != nil {
		return fmt.Errorf("checkout trunk: %w", err)
	}
	message := fmt.Sprintf("Merge task %s (%s)", mr.TaskID, mr.BranchName)
	return q.git.SquashMerge(mr.BranchName, message)
}

// pruneBranch deletes the local branch and, if remote integration is
// enabled, the remote branch. Errors here are logged but non-fatal.
func (q *MergeQueue) pruneBranch(mr MergeRequest) {
	if err := q.git.DeleteLocalBranch(mr.BranchName, true); err != nil {
		log.Warn(log.CatMerge, "failed to delete local branch", "branch", mr.BranchName, "error", err.Error())
	}
	if q.cfg.RemoteEnabled && q.cfg.DeleteRemote {
		if err := q.git.DeleteRemoteBranch(mr.BranchName); err != nil {
			log.Warn(log.CatMerge, "failed to delete remote branch", "branch", mr.BranchName, "error", err.Error())
		}
	}
}

// markMerged records the task as merged (I5: only this path writes
// that status), publishes merge_success, and invokes the Phase
// Controller.
func (q *MergeQueue) markMerged(ctx context.Context, mr MergeRequest) error {
	now := time.Now()
	task, err := q.registry.UpdateTask(ctx, mr.TaskID, func(t Task) Task {
		t.Status = TaskMerged
		t.MergedAt = &now
		return t
	})
	if err != nil {
		return err
	}
	log.Info(log.CatMerge, "task merged", "task", task.ID, "branch", mr.BranchName)

	if err := q.notifier.Notify(ctx, mr.AgentID, mr.TaskID, EventMergeSuccess, nil); err != nil {
		log.ErrorErr(log.CatMerge, "failed to publish merge_success", err, "task", mr.TaskID)
	}
	q.publish("merge_success", mr.TaskID, mr.AgentID, string(TaskMerged))

	if err := q.phases.CheckAdvancement(ctx); err != nil {
		log.ErrorErr(log.CatMerge, "phase advancement check failed", err, "task", mr.TaskID)
	}
	return nil
}

// handleConflict marks the task conflict and notifies the worker; no
// automatic retry is attempted from the queue side.
func (q *MergeQueue) handleConflict(ctx context.Context, mr MergeRequest, detail string) {
	now := time.Now()
	_, err := q.registry.UpdateTask(ctx, mr.TaskID, func(t Task) Task {
		t.Status = TaskConflict
		t.ConflictInfo = &ConflictInfo{Branch: mr.BranchName, DetectedAt: now}
		return t
	})
	if err != nil {
		log.ErrorErr(log.CatMerge, "failed to record conflict", err, "task", mr.TaskID)
		return
	}
	log.Warn(log.CatMerge, "merge conflict detected", "task", mr.TaskID, "branch", mr.BranchName)
	if err := q.notifier.Notify(ctx, mr.AgentID, mr.TaskID, EventConflictDetected, map[string]any{"branch": mr.BranchName, "detail": detail}); err != nil {
		log.ErrorErr(log.CatMerge, "failed to publish conflict_detected", err, "task", mr.TaskID)
	}
	q.publish("merge_conflict", mr.TaskID, mr.AgentID, string(TaskConflict))
}

// handleTestFailed marks the task test_failed and notifies the
// worker; no automatic retry is attempted from the queue side.
func (q *MergeQueue) handleTestFailed(ctx context.Context, mr MergeRequest, cause error) {
	_, err := q.registry.UpdateTask(ctx, mr.TaskID, func(t Task) Task {
		t.Status = TaskTestFailed
		t.Error = cause.Error()
		return t
	})
	if err != nil {
		log.ErrorErr(log.CatMerge, "failed to record test_failed", err, "task", mr.TaskID)
		return
	}
	log.Warn(log.CatMerge, "quality gate failed", "task", mr.TaskID, "cause", cause.Error())
	if err := q.notifier.Notify(ctx, mr.AgentID, mr.TaskID, EventTestsFailed, map[string]any{"error": cause.Error()}); err != nil {
		log.ErrorErr(log.CatMerge, "failed to publish tests_failed", err, "task", mr.TaskID)
	}
	q.publish("merge_tests_failed", mr.TaskID, mr.AgentID, string(TaskTestFailed))
}

// handleMergeFailed implements the bounded-retry handler: below
// maxMergeRetries, it sleeps a linear backoff and re-enqueues with an
// incremented retry count; at the bound it marks the task
// merge_failed (an operator-intervention state, not itself "failed")
// and publishes the terminal event. P7 holds because this is the only
// re-enqueue path and it always increments RetryCount.
func (q *MergeQueue) handleMergeFailed(ctx context.Context, mr MergeRequest, cause error) {
	log.ErrorErr(log.CatMerge, "merge integration failed", cause, "task", mr.TaskID, "retry", mr.RetryCount)

	if mr.RetryCount < maxMergeRetries {
		backoff := time.Duration(5*(mr.RetryCount+1)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		mr.RetryCount++
		if err := q.Enqueue(ctx, mr); err != nil {
			log.ErrorErr(log.CatMerge, "failed to re-enqueue merge request", err, "task", mr.TaskID)
		}
		return
	}

	_, err := q.registry.UpdateTask(ctx, mr.TaskID, func(t Task) Task {
		t.Status = TaskMergeFailed
		t.Error = cause.Error()
		return t
	})
	if err != nil {
		log.ErrorErr(log.CatMerge, "failed to record merge_failed", err, "task", mr.TaskID)
		return
	}
	if err := q.notifier.Notify(ctx, mr.AgentID, mr.TaskID, EventMergeFailed, map[string]any{"error": cause.Error()}); err != nil {
		log.ErrorErr(log.CatMerge, "failed to publish terminal merge_failed", err, "task", mr.TaskID)
	}
	q.publish("merge_failed", mr.TaskID, mr.AgentID, string(TaskMergeFailed))
}
