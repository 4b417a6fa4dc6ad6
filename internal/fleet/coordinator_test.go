package fleet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/store"
)

// newTestCoordinator builds a Coordinator over a fresh in-memory store
// together with a merge queue that is not yet attached to it, so Start
// launches no background consumer. A test that merges attaches the
// queue after Start (coord.MergeQueue = mq) and drives it synchronously
// via driveMerge, so tests don't depend on the queue's blocking-pop
// timing.
func newTestCoordinator(t *testing.T) (*Coordinator, *MergeQueue, *fakeMergeExecutor) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := NewRegistry(s)
	notifier := NewNotifier(s)
	phases := NewPhaseController(reg)
	fake := &fakeMergeExecutor{}
	mq := NewMergeQueue(reg, s, notifier, phases, fake, nil, MergeQueueConfig{TrunkBranch: "main"})
	coord := NewCoordinator(s, time.Minute, time.Minute, time.Hour, nil)
	mq.AttachEvents(coord.Events)
	return coord, mq, fake
}

// driveMerge pops the next MergeRequest the coordinator enqueued and
// runs it through the merge pipeline synchronously, standing in for
// the real background consumer (mergequeue_test.go already covers
// that loop's own mechanics).
func driveMerge(t *testing.T, ctx context.Context, coord *Coordinator, mq *MergeQueue) {
	t.Helper()
	payload, ok, err := coord.store.BlockingDequeue(ctx, keyMergeQueue, time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expected a queued merge request")
	var mr MergeRequest
	require.NoError(t, json.Unmarshal(payload, &mr))
	mq.process(ctx, mr)
}

// TestCoordinatorLinearChainEndToEnd drives spec.md §8 scenario 1: a
// three-task chain A→B→C on a single worker ends with every task
// merged and the current phase cleared.
func TestCoordinatorLinearChainEndToEnd(t *testing.T) {
	ctx := context.Background()
	coord, mq, _ := newTestCoordinator(t)

	backlog := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment, Dependencies: []string{"A"}},
		{ID: "C", Title: "C", Type: TaskDevelopment, Dependencies: []string{"B"}},
	}
	require.NoError(t, coord.Start(ctx, backlog, false))
	coord.MergeQueue = mq // attached after Start: driveMerge is the only consumer

	worker, err := coord.RegisterAgent(ctx, "dev")
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		claimed, err := coord.ClaimTask(ctx, worker.ID)
		require.NoError(t, err)
		require.NotNil(t, claimed.Task)
		require.Equal(t, id, claimed.Task.ID, "dependency order must be respected")

		require.NoError(t, coord.CompleteTask(ctx, worker.ID, id, true, "", "branch-"+id))
		driveMerge(t, ctx, coord, mq)

		task, err := coord.Registry.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, TaskMerged, task.Status)
	}

	_, hasActive, err := coord.Registry.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.False(t, hasActive, "all phases complete, current phase slot must be cleared")

	phases, err := coord.Registry.ListPhases(ctx)
	require.NoError(t, err)
	for _, p := range phases {
		require.Equal(t, PhaseCompleted, p.Status)
	}
}

// TestCoordinatorDependencyFailurePropagation drives spec.md §8
// scenario 3: A fails, B (which depends on A) observes the failure as
// blocked rather than ever becoming eligible to claim.
func TestCoordinatorDependencyFailurePropagation(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	backlog := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment, Dependencies: []string{"A"}},
	}
	require.NoError(t, coord.Start(ctx, backlog, false))

	worker, err := coord.RegisterAgent(ctx, "dev")
	require.NoError(t, err)

	claimed, err := coord.ClaimTask(ctx, worker.ID)
	require.NoError(t, err)
	require.Equal(t, "A", claimed.Task.ID)

	require.NoError(t, coord.CompleteTask(ctx, worker.ID, "A", false, "", ""))

	aTask, err := coord.Registry.GetTask(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, TaskFailed, aTask.Status)

	result, err := coord.ClaimTask(ctx, worker.ID)
	require.NoError(t, err)
	require.Nil(t, result.Task, "B must never be claimable once its dependency failed")
	require.Equal(t, "no_tasks_available", result.Reason)

	bTask, err := coord.Registry.GetTask(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, TaskBlocked, bTask.Status)
	require.Contains(t, bTask.BlockedReason, "A")
}

// TestCoordinatorDeadWorkerReclamation drives spec.md §8 scenario 5:
// a worker that stops heartbeating loses its claimed task back to
// pending on the next sweep, and a second worker can then claim it.
func TestCoordinatorDeadWorkerReclamation(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	backlog := []Task{{ID: "A", Title: "A", Type: TaskDevelopment}}
	require.NoError(t, coord.Start(ctx, backlog, false))

	dead, err := coord.RegisterAgent(ctx, "dev")
	require.NoError(t, err)
	claimed, err := coord.ClaimTask(ctx, dead.ID)
	require.NoError(t, err)
	require.Equal(t, "A", claimed.Task.ID)

	// Backdate the heartbeat past agentTimeout (1 minute, per
	// newTestCoordinator) so the sweep considers it dead.
	_, err = coord.Registry.UpdateWorker(ctx, dead.ID, func(w Worker) Worker {
		w.LastHeartbeat = time.Now().Add(-2 * time.Minute)
		return w
	})
	require.NoError(t, err)

	require.NoError(t, coord.Cleanup(ctx))

	task, err := coord.Registry.GetTask(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, TaskPending, task.Status)
	require.Empty(t, task.AssignedTo)

	_, err = coord.Registry.GetWorker(ctx, dead.ID)
	require.Error(t, err, "dead worker must be removed from the registry")

	live, err := coord.RegisterAgent(ctx, "dev")
	require.NoError(t, err)
	reclaimed, err := coord.ClaimTask(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, "A", reclaimed.Task.ID)
}
