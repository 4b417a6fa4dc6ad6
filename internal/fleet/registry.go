package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fleetctl/fleetctl/internal/store"
)

// Key prefixes for the persisted state layout, matching the original
// orchestrator:* Redis key naming.
const (
	keyTaskPrefix   = "orchestrator:task:"
	keyWorkerPrefix = "orchestrator:worker:"
	keyPhases       = "orchestrator:phases"
	keyCurrentPhase = "orchestrator:current_phase"
	keyConfig       = "orchestrator:config"
	keyWorkerSeq    = "orchestrator:worker_id_seq"
	keyTaskLock     = "orchestrator:task_lock:"
	keyMergeQueue   = "orchestrator:merge_queue"
	keyActiveMerges = "orchestrator:active_merges:"
)

func taskKey(id string) string   { return keyTaskPrefix + id }
func workerKey(id string) string { return keyWorkerPrefix + id }

// TaskLockKey returns the State Store key used to CAS-claim task id.
func TaskLockKey(id string) string { return keyTaskLock + id }

// NotificationChannel returns the pub/sub channel an agent's worker
// runtime listens on for merge-pipeline events.
func NotificationChannel(agentID string) string {
	return fmt.Sprintf("agent:%s:notifications", agentID)
}

// Registry stores Task, Worker, and Phase records in a Store, keyed
// per spec's persisted-state layout, in the same thread-safe
// Put/Get/Update/List shape as a typical in-memory workflow registry
// but backed by the pluggable Store so it works identically over
// Redis or in-process memory.
type Registry struct {
	store store.Store
}

// NewRegistry wraps s as a task/worker/phase registry.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// --- Tasks ---

// PutTask writes a task record, creating or overwriting it.
func (r *Registry) PutTask(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return r.store.Set(ctx, taskKey(t.ID), data)
}

// GetTask reads a single task by id.
func (r *Registry) GetTask(ctx context.Context, id string) (Task, error) {
	data, err := r.store.Get(ctx, taskKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask reads task id, applies fn, and writes the result back.
// fn is called with the current record; it returns the updated record.
func (r *Registry) UpdateTask(ctx context.Context, id string, fn func(Task) Task) (Task, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	updated := fn(t)
	if err := r.PutTask(ctx, updated); err != nil {
		return Task{}, err
	}
	return updated, nil
}

// ListTasks returns every task, sorted by id for deterministic output.
func (r *Registry) ListTasks(ctx context.Context) ([]Task, error) {
	keys, err := r.store.Keys(ctx, keyTaskPrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	tasks := make([]Task, 0, len(keys))
	for _, k := range keys {
		data, err := r.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// --- Workers ---

// PutWorker writes a worker record, creating or overwriting it.
func (r *Registry) PutWorker(ctx context.Context, w Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker %s: %w", w.ID, err)
	}
	return r.store.Set(ctx, workerKey(w.ID), data)
}

// GetWorker reads a single worker by id.
func (r *Registry) GetWorker(ctx context.Context, id string) (Worker, error) {
	data, err := r.store.Get(ctx, workerKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return Worker{}, ErrWorkerNotFound
		}
		return Worker{}, err
	}
	var w Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return Worker{}, fmt.Errorf("unmarshal worker %s: %w", id, err)
	}
	return w, nil
}

// UpdateWorker reads worker id, applies fn, and writes the result back.
func (r *Registry) UpdateWorker(ctx context.Context, id string, fn func(Worker) Worker) (Worker, error) {
	w, err := r.GetWorker(ctx, id)
	if err != nil {
		return Worker{}, err
	}
	updated := fn(w)
	if err := r.PutWorker(ctx, updated); err != nil {
		return Worker{}, err
	}
	return updated, nil
}

// RemoveWorker deletes a worker record.
func (r *Registry) RemoveWorker(ctx context.Context, id string) error {
	return r.store.Delete(ctx, workerKey(id))
}

// ListWorkers returns every registered worker, sorted by id.
func (r *Registry) ListWorkers(ctx context.Context) ([]Worker, error) {
	keys, err := r.store.Keys(ctx, keyWorkerPrefix)
	if err != nil {
		return nil, err
	}
	workers := make([]Worker, 0, len(keys))
	for _, k := range keys {
		data, err := r.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var w Worker
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// NextWorkerID mints a monotonic worker id from the store's atomic
// counter, resolving the worker-id-collision Open Question: counting
// live registrations is racy under concurrent registrations, a
// monotonic sequence is not.
func (r *Registry) NextWorkerID(ctx context.Context) (string, error) {
	n, err := r.store.IncrCounter(ctx, keyWorkerSeq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("agent-%d", n), nil
}

// --- Phases ---

// PutPhases overwrites the full phase list.
func (r *Registry) PutPhases(ctx context.Context, phases []Phase) error {
	data, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	return r.store.Set(ctx, keyPhases, data)
}

// ListPhases returns the full phase list in index order.
func (r *Registry) ListPhases(ctx context.Context) ([]Phase, error) {
	data, err := r.store.Get(ctx, keyPhases)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var phases []Phase
	if err := json.Unmarshal(data, &phases); err != nil {
		return nil, fmt.Errorf("unmarshal phases: %w", err)
	}
	return phases, nil
}

// SetCurrentPhaseID records which phase is currently active.
func (r *Registry) SetCurrentPhaseID(ctx context.Context, id int) error {
	return r.store.Set(ctx, keyCurrentPhase, []byte(fmt.Sprintf("%d", id)))
}

// CurrentPhaseID returns the active phase id, or (0, false) if none is set.
func (r *Registry) CurrentPhaseID(ctx context.Context) (int, bool, error) {
	data, err := r.store.Get(ctx, keyCurrentPhase)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	var id int
	if _, err := fmt.Sscanf(string(data), "%d", &id); err != nil {
		return 0, false, fmt.Errorf("parse current phase: %w", err)
	}
	return id, true, nil
}

// ClearCurrentPhase deletes the active-phase marker, signalling the
// backlog has no remaining work (the terminal global state).
func (r *Registry) ClearCurrentPhase(ctx context.Context) error {
	return r.store.Delete(ctx, keyCurrentPhase)
}
