package fleet

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/store"
)

// Recovery reconciles durable coordinator state against live workers
// on startup (C9): a fresh backlog is seeded once, a restart resets
// orphaned in-progress tasks to pending, optionally resurrects failed
// tasks, recomputes phases from the backlog, and clears any
// active-merges bookkeeping that cannot still be running.
type Recovery struct {
	registry     *Registry
	store        store.Store
	agentTimeout time.Duration
}

// NewRecovery builds a Recovery over reg.
func NewRecovery(reg *Registry, s store.Store, agentTimeout time.Duration) *Recovery {
	return &Recovery{registry: reg, store: s, agentTimeout: agentTimeout}
}

// RecoveryOptions controls policy choices left open by spec.md §9.
type RecoveryOptions struct {
	RetryFailed bool
}

// Run performs the startup reconciliation procedure against backlog.
func (rc *Recovery) Run(ctx context.Context, backlog []Task, opts RecoveryOptions) error {
	existing, err := rc.registry.ListTasks(ctx)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		return rc.seedFresh(ctx, backlog)
	}
	return rc.reconcileRestart(ctx, backlog, existing, opts)
}

// seedFresh writes every backlog task as pending and installs the
// freshly computed phase plan.
func (rc *Recovery) seedFresh(ctx context.Context, backlog []Task) error {
	log.Info(log.CatRecovery, "no existing task state, seeding fresh backlog", "tasks", len(backlog))

	now := time.Now()
	for _, t := range backlog {
		t.Status = TaskPending
		t.CreatedAt = now
		if err := rc.registry.PutTask(ctx, t); err != nil {
			return err
		}
	}

	phases, err := CalculatePhases(backlog)
	if err != nil {
		return err
	}
	return rc.installPhases(ctx, phases, nil)
}

// reconcileRestart implements the three-part restart procedure: reset
// orphaned in-progress tasks whose owner isn't live, optionally
// resurrect failed tasks, and union-merge any backlog entries the
// store doesn't yet know about (schema drift).
func (rc *Recovery) reconcileRestart(ctx context.Context, backlog []Task, existing []Task, opts RecoveryOptions) error {
	log.Info(log.CatRecovery, "restart detected, reconciling durable state", "existing_tasks", len(existing))

	liveWorkers, err := rc.liveWorkerSet(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]Task, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
	}

	for _, t := range existing {
		switch {
		case t.Status == TaskInProgress && !liveWorkers[t.AssignedTo]:
			log.Warn(log.CatRecovery, "resetting orphaned in-progress task", "task", t.ID, "was_assigned_to", t.AssignedTo)
			t.Status = TaskPending
			t.AssignedTo = ""
			t.StartedAt = nil
			if err := rc.registry.PutTask(ctx, t); err != nil {
				return err
			}
			if err := rc.store.ReleaseLock(ctx, TaskLockKey(t.ID)); err != nil {
				log.ErrorErr(log.CatRecovery, "failed to release lock for orphaned task", err, "task", t.ID)
			}
		case t.Status == TaskFailed && opts.RetryFailed:
			log.Info(log.CatRecovery, "resurrecting failed task for retry", "task", t.ID)
			t.Status = TaskPending
			t.AssignedTo = ""
			t.StartedAt = nil
			t.Error = ""
			if err := rc.registry.PutTask(ctx, t); err != nil {
				return err
			}
		}
	}

	// Union-merge backlog entries absent from the store.
	for _, t := range backlog {
		if _, ok := byID[t.ID]; ok {
			continue
		}
		log.Info(log.CatRecovery, "adding new backlog task absent from durable state", "task", t.ID)
		t.Status = TaskPending
		t.CreatedAt = time.Now()
		if err := rc.registry.PutTask(ctx, t); err != nil {
			return err
		}
	}

	mergedTasks, err := rc.registry.ListTasks(ctx)
	if err != nil {
		return err
	}
	phases, err := CalculatePhases(mergedTasks)
	if err != nil {
		return err
	}

	priorPhaseID, hadPrior, err := rc.registry.CurrentPhaseID(ctx)
	if err != nil {
		return err
	}
	var prior *int
	if hadPrior {
		prior = &priorPhaseID
	}
	if err := rc.installPhases(ctx, phases, prior); err != nil {
		return err
	}

	// Clear active-merges bookkeeping: any entry here describes a
	// pipeline invocation that cannot still be running since the
	// process just restarted (spec.md §9, Open Question 3).
	if err := rc.clearActiveMerges(ctx); err != nil {
		log.ErrorErr(log.CatRecovery, "failed to clear active merges", err)
	}

	return nil
}

// installPhases writes the recomputed phase list and picks the
// current phase: if prior names a phase whose tasks are not all
// terminal, the matching recomputed phase (by index/id) is installed
// as current instead of unconditionally resetting to phase 1 (the
// Open Question resolution recorded in SPEC_FULL.md §9). A nil prior
// (fresh start) always installs phase 1.
func (rc *Recovery) installPhases(ctx context.Context, phases []Phase, prior *int) error {
	if err := rc.registry.PutPhases(ctx, phases); err != nil {
		return err
	}
	if len(phases) == 0 {
		return rc.registry.ClearCurrentPhase(ctx)
	}

	if prior == nil {
		return rc.registry.SetCurrentPhaseID(ctx, phases[0].ID)
	}

	for _, p := range phases {
		if p.ID != *prior {
			continue
		}
		allTerminal, err := rc.phaseAllTerminal(ctx, p)
		if err != nil {
			return err
		}
		if !allTerminal {
			log.Info(log.CatRecovery, "preserving current phase across restart", "phase", p.ID)
			return rc.registry.SetCurrentPhaseID(ctx, p.ID)
		}
		break
	}

	log.Warn(log.CatRecovery, "prior current phase not resumable, falling back to phase 1", "prior_phase", *prior)
	return rc.registry.SetCurrentPhaseID(ctx, phases[0].ID)
}

func (rc *Recovery) phaseAllTerminal(ctx context.Context, phase Phase) (bool, error) {
	for _, id := range phase.TaskIDs {
		t, err := rc.registry.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (rc *Recovery) liveWorkerSet(ctx context.Context) (map[string]bool, error) {
	workers, err := rc.registry.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := make(map[string]bool, len(workers))
	for _, w := range workers {
		if now.Sub(w.LastHeartbeat) <= rc.agentTimeout {
			live[w.ID] = true
		}
	}
	return live, nil
}

func (rc *Recovery) clearActiveMerges(ctx context.Context) error {
	keys, err := rc.store.Keys(ctx, keyActiveMerges)
	if err != nil {
		return err
	}
	for _, k := range keys {
		log.Info(log.CatRecovery, "clearing stale active-merge record", "key", k)
		if err := rc.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
