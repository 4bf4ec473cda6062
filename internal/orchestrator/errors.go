package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the caller-visible failure kinds. Components wrap
// these with context via fmt.Errorf("...: %w", Err...) and callers test
// with errors.Is.
var (
	// ErrLockHeld means another live daemon holds the single-writer lock.
	ErrLockHeld = errors.New("lock held by another daemon")

	// ErrNotFound means the referenced project or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict means a compare-and-set transition found the row
	// in a different state than expected. Never retried internally.
	ErrStateConflict = errors.New("state conflict")

	// ErrExhausted means a retry cap was reached; the item is terminal.
	ErrExhausted = errors.New("retry cap exhausted")

	// ErrNotReady means the delivery target exists but cannot accept
	// input yet (missing session or shell-like pane). Retry eligible.
	ErrNotReady = errors.New("target not ready")
)

// TransientError marks an error as retry eligible. Loops log and back
// off on transient errors instead of stopping.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retry eligible. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retry eligible. ErrNotReady counts:
// it is the messenger's session-unavailable case.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrNotReady)
}

// FatalError requests daemon shutdown after logging and lock release.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as daemon-fatal. Returns nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err should take the daemon down.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
