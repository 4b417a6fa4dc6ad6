package fleet

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/safego"
	"github.com/fleetctl/fleetctl/internal/store"
)

// WorkerRegistry registers workers, records heartbeats, and runs the
// dead-worker liveness sweep (C4): every sweepInterval it compares each
// worker's last heartbeat against agentTimeout and, for any worker that
// has gone quiet, releases its task lock, resets its in-flight task to
// pending, and removes the worker record.
type WorkerRegistry struct {
	registry      *Registry
	store         store.Store
	agentTimeout  time.Duration
	sweepInterval time.Duration
}

// NewWorkerRegistry builds a WorkerRegistry over reg.
func NewWorkerRegistry(reg *Registry, s store.Store, agentTimeout, sweepInterval time.Duration) *WorkerRegistry {
	return &WorkerRegistry{registry: reg, store: s, agentTimeout: agentTimeout, sweepInterval: sweepInterval}
}

// Register mints a new worker id and stores the worker as idle, with
// its registration time and first heartbeat set to now.
func (wr *WorkerRegistry) Register(ctx context.Context, role string) (Worker, error) {
	id, err := wr.registry.NextWorkerID(ctx)
	if err != nil {
		return Worker{}, err
	}
	now := time.Now()
	w := Worker{
		ID:            id,
		Role:          role,
		Status:        WorkerIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := wr.registry.PutWorker(ctx, w); err != nil {
		return Worker{}, err
	}
	log.Info(log.CatWorker, "worker registered", "worker", w.ID, "role", role)
	return w, nil
}

// Heartbeat records that worker id is still alive.
func (wr *WorkerRegistry) Heartbeat(ctx context.Context, id string) error {
	_, err := wr.registry.UpdateWorker(ctx, id, func(w Worker) Worker {
		w.LastHeartbeat = time.Now()
		return w
	})
	return err
}

// Unregister releases any lock the worker holds, resets its in-flight
// task to pending, and removes the worker record. Used both for
// graceful shutdown and (indirectly, via Sweep) for dead-worker
// cleanup.
func (wr *WorkerRegistry) Unregister(ctx context.Context, id string) error {
	w, err := wr.registry.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if w.CurrentTaskID != "" {
		if err := wr.releaseWorkerTask(ctx, w.CurrentTaskID); err != nil {
			return err
		}
	}
	return wr.registry.RemoveWorker(ctx, id)
}

func (wr *WorkerRegistry) releaseWorkerTask(ctx context.Context, taskID string) error {
	if err := wr.store.ReleaseLock(ctx, TaskLockKey(taskID)); err != nil {
		return err
	}
	_, err := wr.registry.UpdateTask(ctx, taskID, func(t Task) Task {
		if t.Status == TaskInProgress {
			t.Status = TaskPending
			t.AssignedTo = ""
			t.StartedAt = nil
		}
		return t
	})
	return err
}

// RunSweeper launches the liveness sweep loop in a panic-recovering
// background goroutine. It stops when ctx is cancelled.
func (wr *WorkerRegistry) RunSweeper(ctx context.Context) {
	safego.Go("workerreg.sweep", func() {
		ticker := time.NewTicker(wr.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wr.Sweep(ctx); err != nil {
					log.ErrorErr(log.CatSweeper, "liveness sweep failed", err)
				}
			}
		}
	})
}

// Sweep performs one liveness-sweep pass: any worker whose last
// heartbeat is older than agentTimeout is treated as dead and cleaned
// up exactly as Unregister would, plus the removal is logged with the
// staleness duration.
func (wr *WorkerRegistry) Sweep(ctx context.Context) error {
	workers, err := wr.registry.ListWorkers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, w := range workers {
		age := now.Sub(w.LastHeartbeat)
		if age <= wr.agentTimeout {
			continue
		}

		log.Warn(log.CatSweeper, "worker considered dead, releasing its claim",
			"worker", w.ID, "since_heartbeat", age.String())

		if w.CurrentTaskID != "" {
			if err := wr.releaseWorkerTask(ctx, w.CurrentTaskID); err != nil {
				log.ErrorErr(log.CatSweeper, "failed to release task for dead worker", err, "worker", w.ID, "task", w.CurrentTaskID)
				continue
			}
		}
		if err := wr.registry.RemoveWorker(ctx, w.ID); err != nil {
			log.ErrorErr(log.CatSweeper, "failed to remove dead worker record", err, "worker", w.ID)
		}
	}
	return nil
}
