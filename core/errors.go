package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy surfaced to transport layers. Capacity
// and not-found errors are client correctable; timeout and pool errors are
// server-side transient and safe to retry with backoff.
var (
	// ErrCapacityExceeded is returned by create when the pool is at its
	// configured ceiling.
	ErrCapacityExceeded = errors.New("agentpool: worker capacity exceeded")

	// ErrNotFound is returned for operations on an unknown worker id.
	ErrNotFound = errors.New("agentpool: worker not found")

	// ErrTimeout is returned when a bounded operation exceeds its deadline.
	ErrTimeout = errors.New("agentpool: operation timed out")

	// ErrPoolFull is returned when a shared tool server is at its maximum
	// attachment count.
	ErrPoolFull = errors.New("agentpool: tool server at maximum attachments")

	// ErrMissingCredential is returned when a required capability's
	// credential is absent from the environment.
	ErrMissingCredential = errors.New("agentpool: missing capability credential")

	// ErrTurnLimit is returned by send when the handle's turn limit is
	// exhausted.
	ErrTurnLimit = errors.New("agentpool: turn limit exceeded")
)

// StartError reports that a worker process failed to launch or its first
// health probe timed out. The handle lands in StateError and is not retried
// automatically.
type StartError struct {
	WorkerID string
	Err      error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("agentpool: worker %s failed to start: %v", e.WorkerID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StartError) Unwrap() error { return e.Err }

// NotRunningError reports an operation attempted against a worker whose state
// cannot accept it. The caller must re-check state before retrying.
type NotRunningError struct {
	WorkerID string
	State    WorkerState
}

// Error implements the error interface.
func (e *NotRunningError) Error() string {
	return fmt.Sprintf("agentpool: worker %s is not operable (state %s)", e.WorkerID, e.State)
}
