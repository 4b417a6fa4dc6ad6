package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/pubsub"
	"github.com/fleetctl/fleetctl/internal/store"
)

// FleetEvent is a coordination-plane occurrence republished on the
// Coordinator's Events broker for API streaming, matching the
// teacher's CrossWorkflowEventBus envelope idiom.
type FleetEvent struct {
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator assembles every coordination-plane component (registry,
// claim service, worker registry/sweeper, merge queue, phase
// controller, recovery) behind the small surface the HTTP API and CLI
// entrypoints actually need, so no handler touches the store or the
// individual services directly.
type Coordinator struct {
	Registry   *Registry
	Claims     *ClaimService
	Workers    *WorkerRegistry
	MergeQueue *MergeQueue
	Phases     *PhaseController
	Notifier   *Notifier
	Recovery   *Recovery
	Events     *pubsub.Broker[FleetEvent]
	store      store.Store
}

// NewCoordinator wires together every component over a shared Store.
// enabledTypes restricts which task types the claim service will ever
// hand out; passing none leaves every type eligible.
func NewCoordinator(s store.Store, taskLockTTL, agentTimeout, sweepInterval time.Duration, mq *MergeQueue, enabledTypes ...TaskType) *Coordinator {
	reg := NewRegistry(s)
	notifier := NewNotifier(s)
	phases := NewPhaseController(reg)
	events := pubsub.NewBroker[FleetEvent]()
	if mq != nil {
		mq.AttachEvents(events)
	}
	return &Coordinator{
		Registry:   reg,
		Claims:     NewClaimService(reg, s, taskLockTTL, enabledTypes...),
		Workers:    NewWorkerRegistry(reg, s, agentTimeout, sweepInterval),
		MergeQueue: mq,
		Phases:     phases,
		Notifier:   notifier,
		Recovery:   NewRecovery(reg, s, agentTimeout),
		Events:     events,
		store:      s,
	}
}

// publish republishes a coordination-plane occurrence on the Events
// broker for API streaming.
func (c *Coordinator) publish(kind, taskID, agentID, status string) {
	c.Events.Publish(pubsub.UpdatedEvent, FleetEvent{
		Kind:      kind,
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// Start seeds/recovers durable state from backlog, then launches the
// background liveness sweeper and merge queue consumer.
func (c *Coordinator) Start(ctx context.Context, backlog []Task, retryFailed bool) error {
	if err := ValidateBacklog(backlog); err != nil {
		return fmt.Errorf("validating backlog: %w", err)
	}
	if _, err := CalculatePhases(backlog); err != nil {
		return fmt.Errorf("computing phases: %w", err)
	}
	if err := c.Recovery.Run(ctx, backlog, RecoveryOptions{RetryFailed: retryFailed}); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	c.Workers.RunSweeper(ctx)
	if c.MergeQueue != nil {
		c.MergeQueue.Run(ctx)
	}
	log.Info(log.CatAPI, "coordinator started")
	return nil
}

// RegisterAgent registers a new worker with an advisory role label.
func (c *Coordinator) RegisterAgent(ctx context.Context, role string) (Worker, error) {
	return c.Workers.Register(ctx, role)
}

// Heartbeat records liveness for agentID.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	return c.Workers.Heartbeat(ctx, agentID)
}

// UnregisterAgent releases any held task lock, resets the task to
// pending, and removes the worker.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string) error {
	return c.Workers.Unregister(ctx, agentID)
}

// ClaimResult mirrors the worker-facing /task/claim response shape.
type ClaimResult struct {
	Task   *Task
	Role   string
	Reason string
}

// ClaimTask attempts to atomically assign one available task to
// agentID and marks the worker working with the derived role.
func (c *Coordinator) ClaimTask(ctx context.Context, agentID string) (ClaimResult, error) {
	task, err := c.Claims.Claim(ctx, agentID)
	switch {
	case err == ErrNoActivePhase:
		return ClaimResult{Reason: "no_active_phase"}, nil
	case err == ErrNoTaskAvailable:
		return ClaimResult{Reason: "no_tasks_available"}, nil
	case err == ErrClaimExhausted:
		return ClaimResult{Reason: "claim_failed_max_attempts"}, nil
	case err != nil:
		return ClaimResult{}, err
	}

	role := DetermineRole(task.Type)
	if _, err := c.Registry.UpdateWorker(ctx, agentID, func(w Worker) Worker {
		w.Status = WorkerImplementing
		w.CurrentTaskID = task.ID
		w.Role = role
		return w
	}); err != nil {
		return ClaimResult{}, err
	}

	c.publish("task_claimed", task.ID, agentID, string(TaskInProgress))
	return ClaimResult{Task: &task, Role: role}, nil
}

// CompleteTask records a worker's claim of success or failure:
// success enqueues a MergeRequest whenever a merge queue is attached,
// whether or not a PR ref is present; failure marks the task failed and
// the worker idle for its next claim.
func (c *Coordinator) CompleteTask(ctx context.Context, agentID, taskID string, success bool, prURL, branchName string) error {
	now := time.Now()

	if !success {
		if _, err := c.Registry.UpdateTask(ctx, taskID, func(t Task) Task {
			t.Status = TaskFailed
			t.CompletedAt = &now
			return t
		}); err != nil {
			return err
		}
		if err := c.store.ReleaseLock(ctx, TaskLockKey(taskID)); err != nil {
			return err
		}
		_, err := c.Registry.UpdateWorker(ctx, agentID, func(w Worker) Worker {
			w.Status = WorkerIdle
			w.CurrentTaskID = ""
			w.TasksFailed++
			return w
		})
		c.publish("task_failed", taskID, agentID, string(TaskFailed))
		return err
	}

	task, err := c.Registry.UpdateTask(ctx, taskID, func(t Task) Task {
		t.Status = TaskDone
		t.CompletedAt = &now
		t.PRURL = prURL
		t.BranchName = branchName
		return t
	})
	if err != nil {
		return err
	}
	if _, err := c.Registry.UpdateWorker(ctx, agentID, func(w Worker) Worker {
		w.Status = WorkerIdle
		w.CurrentTaskID = ""
		w.TasksDone++
		return w
	}); err != nil {
		return err
	}
	c.publish("task_done", taskID, agentID, string(TaskDone))

	if c.MergeQueue != nil {
		if err := c.MergeQueue.Enqueue(ctx, MergeRequest{
			ID:         taskID + "-" + fmt.Sprint(task.RetryCount),
			TaskID:     taskID,
			BranchName: branchName,
			PRURL:      prURL,
			AgentID:    agentID,
			QueuedAt:   now,
		}); err != nil {
			return fmt.Errorf("enqueue merge request: %w", err)
		}
	}
	return nil
}

// StatusSnapshot is the full-state payload served by /status.
type StatusSnapshot struct {
	Workers []Worker
	Tasks   []Task
	Phases  []Phase
}

// Status returns a full snapshot of workers, tasks, and phases.
func (c *Coordinator) Status(ctx context.Context) (StatusSnapshot, error) {
	workers, err := c.Registry.ListWorkers(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	tasks, err := c.Registry.ListTasks(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	phases, err := c.Registry.ListPhases(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return StatusSnapshot{Workers: workers, Tasks: tasks, Phases: phases}, nil
}

// DrainPending returns and clears the notifications queued for agentID
// while it was not connected to the live event stream, so a worker
// reconnecting after downtime can pick up what it missed.
func (c *Coordinator) DrainPending(ctx context.Context, agentID string) ([]NotificationEvent, error) {
	return c.Notifier.DrainPending(ctx, agentID)
}

// Cleanup invokes the liveness sweep on demand (the /cleanup endpoint).
func (c *Coordinator) Cleanup(ctx context.Context) error {
	return c.Workers.Sweep(ctx)
}

// HealthCheck verifies the substrate is reachable.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	_, err := c.store.Keys(ctx, "orchestrator:")
	return err
}
