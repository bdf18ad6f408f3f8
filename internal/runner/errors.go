package runner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyRunning is returned by Start while an experiment occupies the slot.
	ErrAlreadyRunning = errors.New("experiment already running")

	// ErrNotRunning is returned by Abort when there is nothing to abort.
	ErrNotRunning = errors.New("no experiment running")

	// ErrBookkeeping means the supervisor lost track of its own process set.
	ErrBookkeeping = errors.New("worker bookkeeping violation")

	errDeadline = errors.New("experiment deadline elapsed")
	errAborted  = errors.New("experiment aborted")
)

// LaunchError wraps a failure to start a worker command.
type LaunchError struct {
	Phase   int
	Attempt int
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker (phase %d, attempt %d): %v", e.Phase, e.Attempt, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TeardownError lists workers that were still alive when the kill timeout
// expired. They are reaped in the background.
type TeardownError struct {
	PIDs []int
}

func (e *TeardownError) Error() string {
	pids := make([]string, len(e.PIDs))
	for i, pid := range e.PIDs {
		pids[i] = fmt.Sprint(pid)
	}
	return fmt.Sprintf("%d workers did not exit after kill: %s", len(e.PIDs), strings.Join(pids, " "))
}
