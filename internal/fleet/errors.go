package fleet

import "errors"

// Sentinel errors returned by the coordination components. Callers
// should compare with errors.Is rather than string matching.
var (
	ErrTaskNotFound       = errors.New("fleet: task not found")
	ErrWorkerNotFound     = errors.New("fleet: worker not found")
	ErrPhaseNotFound      = errors.New("fleet: phase not found")
	ErrNoActivePhase      = errors.New("fleet: no active phase")
	ErrClaimExhausted     = errors.New("fleet: claim attempts exhausted")
	ErrNoTaskAvailable    = errors.New("fleet: no task available for this agent")
	ErrDuplicateTaskID    = errors.New("fleet: duplicate task id in backlog")
	ErrBacklogEmpty       = errors.New("fleet: backlog contains no tasks")
	ErrCyclicDependencies = errors.New("fleet: cyclic task dependencies")
	ErrInvalidTransition  = errors.New("fleet: invalid status transition")
)
