package fleet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculatePhasesLinearChain(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment, Dependencies: []string{"A"}},
		{ID: "C", Title: "C", Type: TaskDevelopment, Dependencies: []string{"B"}},
	}

	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	require.Equal(t, []string{"A"}, phases[0].TaskIDs)
	require.Equal(t, []string{"B"}, phases[1].TaskIDs)
	require.Equal(t, []string{"C"}, phases[2].TaskIDs)
	require.Equal(t, PhaseActive, phases[0].Status)
	require.Equal(t, PhasePending, phases[1].Status)
	require.Equal(t, "Development", phases[0].Name)
}

func TestCalculatePhasesParallelFanOut(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskDevelopment},
		{ID: "C", Title: "C", Type: TaskDevelopment},
	}

	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.ElementsMatch(t, []string{"A", "B", "C"}, phases[0].TaskIDs)
}

func TestCalculatePhasesSingleTaskNoDependencies(t *testing.T) {
	tasks := []Task{{ID: "A", Title: "A", Type: TaskSetup}}

	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, []string{"A"}, phases[0].TaskIDs)
	require.Equal(t, "Setup", phases[0].Name)
}

func TestCalculatePhasesMixedTypesGetGenericName(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment},
		{ID: "B", Title: "B", Type: TaskTesting},
	}

	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, "Phase 1", phases[0].Name)
}

func TestCalculatePhasesCycleNamesEveryOffender(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment, Dependencies: []string{"C"}},
		{ID: "B", Title: "B", Type: TaskDevelopment, Dependencies: []string{"A"}},
		{ID: "C", Title: "C", Type: TaskDevelopment, Dependencies: []string{"B"}},
	}

	_, err := CalculatePhases(tasks)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCyclicDependencies)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.ElementsMatch(t, []string{"A", "B", "C"}, cycleErr.TaskIDs)
	require.Equal(t, []string{"C"}, cycleErr.Dependencies["A"])
}

func TestCalculatePhasesUnknownDependencyIsIgnoredNotFatal(t *testing.T) {
	tasks := []Task{
		{ID: "A", Title: "A", Type: TaskDevelopment, Dependencies: []string{"ghost"}},
	}

	phases, err := CalculatePhases(tasks)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, []string{"A"}, phases[0].TaskIDs)
}
