package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerRegistryRegisterMintsUniqueIDs(t *testing.T) {
	ctx := context.Background()
	reg, s := newTestRegistry()
	wr := NewWorkerRegistry(reg, s, time.Minute, time.Hour)

	w1, err := wr.Register(ctx, "developer")
	require.NoError(t, err)
	w2, err := wr.Register(ctx, "developer")
	require.NoError(t, err)

	require.NotEqual(t, w1.ID, w2.ID)
	require.Equal(t, WorkerIdle, w1.Status)
}

func TestWorkerRegistryHeartbeatUpdatesTimestamp(t *testing.T) {
	ctx := context.Background()
	reg, s := newTestRegistry()
	wr := NewWorkerRegistry(reg, s, time.Minute, time.Hour)

	w, err := wr.Register(ctx, "developer")
	require.NoError(t, err)
	before := w.LastHeartbeat

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, wr.Heartbeat(ctx, w.ID))

	updated, err := reg.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, updated.LastHeartbeat.After(before))
}

func TestWorkerRegistryUnregisterReleasesTaskAndLock(t *testing.T) {
	ctx := context.Background()
	reg, s := newTestRegistry()
	wr := NewWorkerRegistry(reg, s, time.Minute, time.Hour)

	w, err := wr.Register(ctx, "developer")
	require.NoError(t, err)

	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskInProgress, AssignedTo: w.ID}))
	require.NoError(t, s.AcquireLock(ctx, TaskLockKey("A"), w.ID, time.Minute))
	_, err = reg.UpdateWorker(ctx, w.ID, func(wk Worker) Worker {
		wk.CurrentTaskID = "A"
		wk.Status = WorkerImplementing
		return wk
	})
	require.NoError(t, err)

	require.NoError(t, wr.Unregister(ctx, w.ID))

	_, err = reg.GetWorker(ctx, w.ID)
	require.ErrorIs(t, err, ErrWorkerNotFound)

	task, err := reg.GetTask(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, TaskPending, task.Status)
	require.Empty(t, task.AssignedTo)

	require.NoError(t, s.AcquireLock(ctx, TaskLockKey("A"), "agent-2", time.Minute))
}

func TestWorkerRegistrySweepReclaimsDeadWorker(t *testing.T) {
	ctx := context.Background()
	reg, s := newTestRegistry()
	wr := NewWorkerRegistry(reg, s, 10*time.Millisecond, time.Hour)

	w, err := wr.Register(ctx, "developer")
	require.NoError(t, err)
	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskInProgress, AssignedTo: w.ID}))
	require.NoError(t, s.AcquireLock(ctx, TaskLockKey("A"), w.ID, time.Minute))
	_, err = reg.UpdateWorker(ctx, w.ID, func(wk Worker) Worker {
		wk.CurrentTaskID = "A"
		return wk
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, wr.Sweep(ctx))

	_, err = reg.GetWorker(ctx, w.ID)
	require.ErrorIs(t, err, ErrWorkerNotFound)

	task, err := reg.GetTask(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, TaskPending, task.Status)
}

func TestWorkerRegistrySweepKeepsLiveWorker(t *testing.T) {
	ctx := context.Background()
	reg, s := newTestRegistry()
	wr := NewWorkerRegistry(reg, s, time.Hour, time.Hour)

	w, err := wr.Register(ctx, "developer")
	require.NoError(t, err)

	require.NoError(t, wr.Sweep(ctx))

	_, err = reg.GetWorker(ctx, w.ID)
	require.NoError(t, err)
}
