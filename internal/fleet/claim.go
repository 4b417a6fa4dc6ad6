package fleet

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/store"
)

// maxClaimAttempts bounds the claim retry loop: a worker that loses
// every race this many times in a row gives up rather than spinning
// forever against other workers claiming the same phase.
const maxClaimAttempts = 10

// roleForTaskType maps a task's declared type to the worker role that
// should implement it.
var roleForTaskType = map[TaskType]string{
	TaskSetup:         "setup-specialist",
	TaskDevelopment:   "developer",
	TaskTesting:       "tester",
	TaskSecurity:      "security-auditor",
	TaskDocumentation: "technical-writer",
	TaskReview:        "code-reviewer",
}

// DetermineRole returns the worker role associated with a task type,
// falling back to the default "developer" role for any type not in
// the table.
func DetermineRole(t TaskType) string {
	if role, ok := roleForTaskType[t]; ok {
		return role
	}
	return "developer"
}

// ClaimService implements the atomic task-claiming algorithm (C5): scan
// the active phase for an available task, take out a TTL lock on it so
// a concurrently-racing worker can't double-claim it, and retry against
// a different candidate task if the lock race is lost.
type ClaimService struct {
	registry     *Registry
	store        store.Store
	lockTTL      time.Duration
	enabledTypes map[TaskType]bool
}

// NewClaimService builds a ClaimService over reg using s for the
// compare-and-set lock primitive, with locks expiring after lockTTL
// (so a worker that dies mid-claim doesn't wedge the task forever;
// the liveness sweeper performs the matching cleanup on a longer
// horizon for claims that do succeed). enabledTypes restricts the scan
// to the given task types, per spec.md §4.4 step 2; passing none
// leaves every type eligible, matching config.BacklogConfig's
// empty-means-all-enabled default.
func NewClaimService(reg *Registry, s store.Store, lockTTL time.Duration, enabledTypes ...TaskType) *ClaimService {
	var enabled map[TaskType]bool
	if len(enabledTypes) > 0 {
		enabled = make(map[TaskType]bool, len(enabledTypes))
		for _, t := range enabledTypes {
			enabled[t] = true
		}
	}
	return &ClaimService{registry: reg, store: s, lockTTL: lockTTL, enabledTypes: enabled}
}

// typeEnabled reports whether t is eligible for claiming under this
// service's configured type filter. A nil filter (the zero value, or
// NewClaimService called with no enabledTypes) enables every type.
func (c *ClaimService) typeEnabled(t TaskType) bool {
	if c.enabledTypes == nil {
		return true
	}
	return c.enabledTypes[t]
}

// Claim attempts to atomically assign one available task in the active
// phase to agentID, retrying against successive candidates up to
// maxClaimAttempts times if the lock race is lost. A task is available
// when it is pending, its type is enabled by this service's config,
// and every dependency that exists is already merged; a task whose
// dependency failed is marked blocked as a side effect of this scan
// (not merely skipped), matching the original all_dependencies_complete
// behaviour.
func (c *ClaimService) Claim(ctx context.Context, agentID string) (Task, error) {
	tried := make(map[string]bool)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		candidate, err := c.findNextAvailableTask(ctx, tried)
		if err != nil {
			return Task{}, err
		}
		if candidate == nil {
			return Task{}, ErrNoTaskAvailable
		}

		lockKey := TaskLockKey(candidate.ID)
		if err := c.store.AcquireLock(ctx, lockKey, agentID, c.lockTTL); err != nil {
			if err == store.ErrLockHeld {
				tried[candidate.ID] = true
				log.Debug(log.CatClaim, "lost claim race, retrying", "task", candidate.ID, "agent", agentID, "attempt", attempt)
				continue
			}
			return Task{}, err
		}

		now := time.Now()
		claimed, err := c.registry.UpdateTask(ctx, candidate.ID, func(t Task) Task {
			t.Status = TaskInProgress
			t.AssignedTo = agentID
			t.StartedAt = &now
			return t
		})
		if err != nil {
			_ = c.store.ReleaseLock(ctx, lockKey)
			return Task{}, err
		}

		log.Info(log.CatClaim, "task claimed", "task", claimed.ID, "agent", agentID)
		return claimed, nil
	}
	return Task{}, ErrClaimExhausted
}

// findNextAvailableTask scans the active phase's tasks in order and
// returns the first pending task whose type is enabled, whose
// dependencies are all satisfied, and whose id is not in skip (tasks
// whose lock race the current claim already lost). It mutates and
// persists any task discovered to be permanently blocked along the way
// (a dependency that failed), matching all_dependencies_complete's side
// effect in the original scan.
func (c *ClaimService) findNextAvailableTask(ctx context.Context, skip map[string]bool) (*Task, error) {
	phaseID, ok, err := c.registry.CurrentPhaseID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoActivePhase
	}

	phases, err := c.registry.ListPhases(ctx)
	if err != nil {
		return nil, err
	}
	var phase *Phase
	for i := range phases {
		if phases[i].ID == phaseID {
			phase = &phases[i]
			break
		}
	}
	if phase == nil {
		return nil, ErrPhaseNotFound
	}

	for _, id := range phase.TaskIDs {
		if skip[id] {
			continue
		}
		t, err := c.registry.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if t.Status != TaskPending {
			continue
		}
		if !c.typeEnabled(t.Type) {
			continue
		}

		satisfied, err := c.dependenciesSatisfied(ctx, t)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			continue
		}
		return &t, nil
	}
	return nil, nil
}

// dependenciesSatisfied reports whether every dependency of t is
// merged. If any dependency has permanently failed, t is marked
// blocked and persisted, and this reports false (a blocked task is
// never "satisfied", it is simply no longer eligible to become so).
func (c *ClaimService) dependenciesSatisfied(ctx context.Context, t Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, err := c.registry.GetTask(ctx, depID)
		if err != nil {
			// Dependency not tracked in this backlog: treat as satisfied,
			// matching the warning-not-error policy for unknown deps.
			continue
		}
		switch dep.Status {
		case TaskMerged:
			continue
		case TaskFailed, TaskBlocked:
			now := time.Now()
			_, updErr := c.registry.UpdateTask(ctx, t.ID, func(task Task) Task {
				task.Status = TaskBlocked
				task.BlockedAt = &now
				task.BlockedReason = "dependency " + depID + " did not merge"
				return task
			})
			if updErr != nil {
				return false, updErr
			}
			return false, nil
		default:
			return false, nil
		}
	}
	return true, nil
}
