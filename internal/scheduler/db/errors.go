package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task or schedule id/name does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning is returned when a schedule is triggered while one of
	// its tasks is still CREATED or STARTED.
	ErrAlreadyRunning = errors.New("schedule already has a running task")
	// ErrAlreadyInState is returned by state setters asked for a no-op.
	ErrAlreadyInState = errors.New("already in requested state")
	// ErrInvalidProps is returned when task or schedule properties fail
	// validation before any row is written.
	ErrInvalidProps = errors.New("invalid properties")
	// ErrTaskNotRunning is returned when a heartbeat arrives for a task that
	// is not STARTED.
	ErrTaskNotRunning = errors.New("task is not running")
)

// TransitionError reports an illegal state machine edge.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition from %s to %s", e.Entity, e.From, e.To)
}
