// Package fleet implements the coordination substrate described for a
// fleet of autonomous implementation workers: the dependency analyser,
// the claim service, the worker registry and liveness sweeper, the
// merge queue worker, the phase controller, the worker runtime state
// machine, and startup recovery.
package fleet

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskInProgress  TaskStatus = "in_progress"
	TaskDone        TaskStatus = "done"
	TaskConflict    TaskStatus = "conflict"
	TaskTestFailed  TaskStatus = "test_failed"
	TaskMerged      TaskStatus = "merged"
	TaskFailed      TaskStatus = "failed"
	TaskBlocked     TaskStatus = "blocked"
	TaskMergeFailed TaskStatus = "merge_failed"
)

// terminalTaskStatuses holds the statuses a task never leaves (I6).
// merge_failed is deliberately excluded: it is an operator-intervention
// state, not a dead end, and a task there can still resolve to merged.
var terminalTaskStatuses = map[TaskStatus]bool{
	TaskMerged:  true,
	TaskFailed:  true,
	TaskBlocked: true,
}

// IsTerminal reports whether s is one of the statuses a task cannot
// transition out of.
func (s TaskStatus) IsTerminal() bool {
	return terminalTaskStatuses[s]
}

// TaskType enumerates the recognised task categories, used to derive a
// worker role and a phase name.
type TaskType string

const (
	TaskSetup         TaskType = "setup"
	TaskDevelopment   TaskType = "development"
	TaskTesting       TaskType = "testing"
	TaskSecurity      TaskType = "security"
	TaskDocumentation TaskType = "documentation"
	TaskReview        TaskType = "review"
)

// ValidTaskTypes lists every TaskType the backlog validator accepts.
var ValidTaskTypes = []TaskType{
	TaskSetup, TaskDevelopment, TaskTesting, TaskSecurity, TaskDocumentation, TaskReview,
}

// Task is a single unit of work in the backlog.
type Task struct {
	ID                 string            `json:"id" yaml:"id"`
	Title              string            `json:"title" yaml:"title"`
	Description        string            `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria string            `json:"acceptance_criteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
	Type               TaskType          `json:"type" yaml:"type"`
	Priority           int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Dependencies       []string          `json:"dependencies" yaml:"dependencies"`
	Status             TaskStatus        `json:"status" yaml:"-"`
	AssignedTo         string            `json:"assigned_to,omitempty" yaml:"-"`
	Labels             map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	CreatedAt     time.Time  `json:"created_at,omitempty" yaml:"-"`
	StartedAt     *time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" yaml:"-"`
	MergedAt      *time.Time `json:"merged_at,omitempty" yaml:"-"`
	BlockedAt     *time.Time `json:"blocked_at,omitempty" yaml:"-"`
	BlockedReason string     `json:"blocked_reason,omitempty" yaml:"-"`
	Error         string     `json:"error,omitempty" yaml:"-"`

	PRURL      string `json:"pr_url,omitempty" yaml:"-"`
	BranchName string `json:"branch_name,omitempty" yaml:"-"`

	ConflictInfo *ConflictInfo `json:"conflict_info,omitempty" yaml:"-"`
	RetryCount   int           `json:"retry_count,omitempty" yaml:"-"`
}

// Validate checks that t carries the fields the registry and
// scheduler require, matching the teacher's WorkflowSpec.Validate
// idiom (ambient addition, SPEC_FULL.md §3).
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	if t.Type == "" {
		return fmt.Errorf("task %s: type is required", t.ID)
	}
	return nil
}

// ConflictInfo records the branch and time a conflict was detected for
// a task, surfaced to the worker via a notification event.
type ConflictInfo struct {
	Branch     string    `json:"branch"`
	DetectedAt time.Time `json:"detected_at"`
}

// Clone returns a deep-enough copy of t safe to mutate independently
// (labels and the dependency slice are copied; pointer time fields are
// re-pointed rather than shared).
func (t Task) Clone() Task {
	c := t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Labels != nil {
		c.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			c.Labels[k] = v
		}
	}
	for _, p := range []**time.Time{&c.StartedAt, &c.CompletedAt, &c.MergedAt, &c.BlockedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return c
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerRegistering  WorkerStatus = "registering"
	WorkerIdle         WorkerStatus = "idle"
	WorkerClaiming     WorkerStatus = "claiming"
	WorkerPreparing    WorkerStatus = "preparing"
	WorkerImplementing WorkerStatus = "implementing"
	WorkerGating       WorkerStatus = "gating"
	WorkerRequesting   WorkerStatus = "requesting_merge"
	WorkerReacting     WorkerStatus = "reacting"
	WorkerExiting      WorkerStatus = "exiting"
)

// Worker is a registered fleet agent.
type Worker struct {
	ID            string       `json:"id"`
	Role          string       `json:"role"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	TasksDone     int          `json:"tasks_done"`
	TasksFailed   int          `json:"tasks_failed"`
}

// PhaseStatus is the lifecycle state of a Phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// Phase is one layer of the dependency graph's topological ordering.
type Phase struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	TaskIDs     []string    `json:"tasks"`
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// MergeRequestStatus tracks a queued merge attempt's own lifecycle,
// distinct from the Task status it drives.
type MergeRequestStatus string

const (
	MergeQueued     MergeRequestStatus = "queued"
	MergeProcessing MergeRequestStatus = "processing"
	MergeDone       MergeRequestStatus = "done"
)

// MergeRequest is an entry in the FIFO merge queue.
type MergeRequest struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	PRURL      string    `json:"pr_url,omitempty"`
	BranchName string    `json:"branch_name"`
	AgentID    string    `json:"agent_id"`
	RetryCount int       `json:"retry_count"`
	QueuedAt   time.Time `json:"queued_at"`
}

// NotificationEventType enumerates the events delivered to a worker's
// per-agent notification channel.
type NotificationEventType string

const (
	EventConflictDetected NotificationEventType = "conflict_detected"
	EventTestsFailed      NotificationEventType = "tests_failed"
	EventMergeFailed      NotificationEventType = "merge_failed"
	EventMergeSuccess     NotificationEventType = "merge_success"
)

// NotificationEvent is delivered on an agent's notification channel and
// also appended to its durable pending-notifications list for late
// pickup by a worker that was offline when it was published.
type NotificationEvent struct {
	Type      NotificationEventType `json:"type"`
	TaskID    string                `json:"task_id"`
	Timestamp time.Time             `json:"timestamp"`
	Data      map[string]any        `json:"data,omitempty"`
}
