package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseControllerAdvancesOnAllTerminal(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment, Dependencies: []string{"A"}},
	}
	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.PutPhases(ctx, phases))
	require.NoError(t, reg.SetCurrentPhaseID(ctx, phases[0].ID))

	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskMerged}))
	require.NoError(t, reg.PutTask(ctx, Task{ID: "B", Title: "B", Type: TaskDevelopment, Status: TaskPending}))

	pc := NewPhaseController(reg)
	require.NoError(t, pc.CheckAdvancement(ctx))

	currentID, ok, err := reg.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, phases[1].ID, currentID)

	updated, err := reg.ListPhases(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, updated[0].Status)
	require.Equal(t, PhaseActive, updated[1].Status)
}

func TestPhaseControllerDoesNotAdvanceWhileTaskPending(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment},
	}
	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.PutPhases(ctx, phases))
	require.NoError(t, reg.SetCurrentPhaseID(ctx, phases[0].ID))

	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskMerged}))
	require.NoError(t, reg.PutTask(ctx, Task{ID: "B", Title: "B", Type: TaskDevelopment, Status: TaskInProgress}))

	pc := NewPhaseController(reg)
	require.NoError(t, pc.CheckAdvancement(ctx))

	currentID, ok, err := reg.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, phases[0].ID, currentID)
}

func TestPhaseControllerClearsCurrentPhaseWhenBacklogComplete(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	tasks := []Task{{ID: "A", Title: "A", Type: TaskDevelopment}}
	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.PutPhases(ctx, phases))
	require.NoError(t, reg.SetCurrentPhaseID(ctx, phases[0].ID))
	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskMerged}))

	pc := NewPhaseController(reg)
	require.NoError(t, pc.CheckAdvancement(ctx))

	_, ok, err := reg.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPhaseControllerDoesNotAdvancePastMergeFailedTask(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment},
	}
	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.PutPhases(ctx, phases))
	require.NoError(t, reg.SetCurrentPhaseID(ctx, phases[0].ID))

	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskMerged}))
	require.NoError(t, reg.PutTask(ctx, Task{ID: "B", Title: "B", Type: TaskDevelopment, Status: TaskMergeFailed}))

	pc := NewPhaseController(reg)
	require.NoError(t, pc.CheckAdvancement(ctx))

	currentID, ok, err := reg.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.True(t, ok, "merge_failed is not terminal, phase should not advance or clear")
	require.Equal(t, phases[0].ID, currentID)
}

func TestPhaseControllerTreatsBlockedAndFailedAsTerminal(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment},
	}
	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.PutPhases(ctx, phases))
	require.NoError(t, reg.SetCurrentPhaseID(ctx, phases[0].ID))

	require.NoError(t, reg.PutTask(ctx, Task{ID: "A", Title: "A", Type: TaskDevelopment, Status: TaskFailed}))
	require.NoError(t, reg.PutTask(ctx, Task{ID: "B", Title: "B", Type: TaskDevelopment, Status: TaskBlocked}))

	pc := NewPhaseController(reg)
	require.NoError(t, pc.CheckAdvancement(ctx))

	_, ok, err := reg.CurrentPhaseID(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
