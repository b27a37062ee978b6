package core

// WorkerState represents the lifecycle state of a worker handle.
type WorkerState int

const (
	// StateStarting indicates the worker process is being launched and has
	// not yet passed its first health probe.
	StateStarting WorkerState = iota
	// StateRunning indicates the worker has a confirmed live process and is
	// accepting messages.
	StateRunning
	// StateIdle indicates the worker's process has been released after an
	// idle timeout; the handle and its id remain valid and the process is
	// restarted transparently on the next send.
	StateIdle
	// StateUnhealthy indicates a failed health probe; recovery is in
	// progress or about to begin.
	StateUnhealthy
	// StateRecovering indicates the worker is being restarted after a
	// health failure.
	StateRecovering
	// StateStopped indicates the worker was stopped explicitly and its
	// process is terminated.
	StateStopped
	// StateError is terminal: the worker failed to start or exhausted its
	// recovery attempts. It requires explicit deletion and recreation.
	StateError
)

// String returns the lowercase wire representation of the state.
func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateUnhealthy:
		return "unhealthy"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Operable reports whether a worker in this state can accept a send.
// Idle counts as operable because a send transparently restarts the process.
func (s WorkerState) Operable() bool {
	return s == StateRunning || s == StateIdle
}

// Terminal reports whether the state admits no further automatic transitions.
func (s WorkerState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// legalTransitions encodes the worker state machine. Explicit stop is legal
// from every non-terminal state and is handled separately by the worker.
var legalTransitions = map[WorkerState][]WorkerState{
	StateStarting:   {StateRunning, StateError, StateStopped},
	StateRunning:    {StateIdle, StateUnhealthy, StateStopped},
	StateIdle:       {StateRunning, StateStopped},
	StateUnhealthy:  {StateRecovering, StateStopped},
	StateRecovering: {StateRunning, StateError, StateStopped},
	StateStopped:    {},
	StateError:      {StateStopped},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s WorkerState) CanTransition(next WorkerState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
