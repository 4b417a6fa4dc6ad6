package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fleetctl/fleetctl/internal/log"
)

// CycleError reports a dependency cycle, enumerating every task left
// with unresolved dependencies once every resolvable task has been
// peeled off, plus each such task's own declared dependency list.
type CycleError struct {
	TaskIDs      []string
	Dependencies map[string][]string
}

func (e *CycleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cyclic dependencies detected among tasks: %s", strings.Join(e.TaskIDs, ", "))
	for _, id := range e.TaskIDs {
		fmt.Fprintf(&b, "\n  %s depends on: %s", id, strings.Join(e.Dependencies[id], ", "))
	}
	return b.String()
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependencies }

// CalculatePhases groups tasks into dependency-ordered layers using
// Kahn's algorithm: phase 1 holds every task whose dependencies (that
// actually exist among the given tasks) are all satisfied already,
// phase 2 holds the tasks that become free once phase 1 is done, and
// so on. A dependency id that names no task in the set is not an error
// (a task may legitimately point at work tracked elsewhere); it is
// simply ignored for in-degree purposes and logged as a warning.
func CalculatePhases(tasks []Task) ([]Phase, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// forward adjacency: task -> tasks that depend on it
	dependents := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, t := range tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			if _, exists := byID[dep]; !exists {
				log.Warn(log.CatGraph, "task references unknown dependency", "task", t.ID, "dependency", dep)
				continue
			}
			dependents[dep] = append(dependents[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	var layers [][]string
	current := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	remaining := len(tasks)
	for len(current) > 0 {
		layers = append(layers, current)
		remaining -= len(current)

		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if remaining > 0 {
		cycle := &CycleError{Dependencies: map[string][]string{}}
		for id, deg := range inDegree {
			if deg > 0 {
				cycle.TaskIDs = append(cycle.TaskIDs, id)
				cycle.Dependencies[id] = byID[id].Dependencies
			}
		}
		sort.Strings(cycle.TaskIDs)
		return nil, cycle
	}

	phases := make([]Phase, 0, len(layers))
	for i, ids := range layers {
		phases = append(phases, Phase{
			ID:      i + 1,
			Name:    phaseName(i+1, ids, byID),
			TaskIDs: ids,
			Status:  PhasePending,
		})
	}
	if len(phases) > 0 {
		phases[0].Status = PhaseActive
	}
	return phases, nil
}

// phaseName derives a human-readable name: if every task in the layer
// shares one type, the phase is named after that type (capitalised);
// otherwise it falls back to "Phase N".
func phaseName(n int, ids []string, byID map[string]Task) string {
	if len(ids) == 0 {
		return fmt.Sprintf("Phase %d", n)
	}
	first := byID[ids[0]].Type
	for _, id := range ids[1:] {
		if byID[id].Type != first {
			return fmt.Sprintf("Phase %d", n)
		}
	}
	name := string(first)
	if name == "" {
		return fmt.Sprintf("Phase %d", n)
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
