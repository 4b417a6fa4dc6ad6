package fleet

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
)

// PhaseController advances the active phase only once every task
// within it has reached a terminal status (merged, failed, or
// blocked); it is invoked exclusively from the merge pipeline after a
// task settles, never from the claim path, so that an in-flight claim
// can never race a phase transition.
type PhaseController struct {
	registry *Registry
}

// NewPhaseController builds a PhaseController over reg.
func NewPhaseController(reg *Registry) *PhaseController {
	return &PhaseController{registry: reg}
}

// CheckAdvancement inspects the currently active phase and, if every
// one of its tasks has reached a terminal status, marks it completed
// and activates the next phase by index. If there is no next phase,
// the current-phase marker is cleared entirely (the terminal global
// state: the backlog has no remaining work).
func (pc *PhaseController) CheckAdvancement(ctx context.Context) error {
	phaseID, ok, err := pc.registry.CurrentPhaseID(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	phases, err := pc.registry.ListPhases(ctx)
	if err != nil {
		return err
	}

	idx := indexOfPhase(phases, phaseID)
	if idx < 0 {
		return ErrPhaseNotFound
	}

	allTerminal, err := pc.allTasksTerminal(ctx, phases[idx])
	if err != nil {
		return err
	}
	if !allTerminal {
		return nil
	}

	now := time.Now()
	phases[idx].Status = PhaseCompleted
	phases[idx].CompletedAt = &now
	log.Info(log.CatPhase, "phase completed", "phase", phases[idx].ID, "name", phases[idx].Name)

	nextIdx := idx + 1
	if nextIdx >= len(phases) {
		if err := pc.registry.PutPhases(ctx, phases); err != nil {
			return err
		}
		log.Info(log.CatPhase, "no further phases, backlog complete")
		return pc.registry.ClearCurrentPhase(ctx)
	}

	phases[nextIdx].Status = PhaseActive
	phases[nextIdx].StartedAt = &now
	if err := pc.registry.PutPhases(ctx, phases); err != nil {
		return err
	}
	log.Info(log.CatPhase, "phase activated", "phase", phases[nextIdx].ID, "name", phases[nextIdx].Name)
	return pc.registry.SetCurrentPhaseID(ctx, phases[nextIdx].ID)
}

func indexOfPhase(phases []Phase, id int) int {
	for i, p := range phases {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (pc *PhaseController) allTasksTerminal(ctx context.Context, phase Phase) (bool, error) {
	for _, id := range phase.TaskIDs {
		t, err := pc.registry.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}
