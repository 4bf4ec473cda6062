package cmd

import (
	"errors"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// usageError marks bad invocations so main can exit 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usage(err error) error {
	return usageError{err: err}
}

// ExitCode maps a command error to the documented exit codes: 0
// success, 2 usage, 3 lock held, 4 not found, 5 state conflict.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usageError{}):
		return 2
	case errors.Is(err, orchestrator.ErrLockHeld):
		return 3
	case errors.Is(err, orchestrator.ErrNotFound):
		return 4
	case errors.Is(err, orchestrator.ErrStateConflict),
		errors.Is(err, orchestrator.ErrExhausted):
		return 5
	default:
		return 1
	}
}
