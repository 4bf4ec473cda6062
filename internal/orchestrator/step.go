package orchestrator

import "time"

// StepKind classifies the outcome of one loop-body step. Loop bodies
// return a StepResult instead of unwinding through nested retries.
type StepKind int

const (
	// StepContinue means the step finished; proceed to the next item.
	StepContinue StepKind = iota
	// StepRetry means the step failed transiently; try again after Backoff.
	StepRetry
	// StepFail means the step failed terminally for its item.
	StepFail
)

// StepResult is the outcome of one loop-body step.
type StepResult struct {
	Kind    StepKind
	Backoff time.Duration
	Err     error
}

// Continue reports a completed step.
func Continue() StepResult {
	return StepResult{Kind: StepContinue}
}

// Retry reports a transient failure with a backoff before the next attempt.
func Retry(backoff time.Duration, err error) StepResult {
	return StepResult{Kind: StepRetry, Backoff: backoff, Err: err}
}

// Fail reports a terminal failure for the item being processed.
func Fail(err error) StepResult {
	return StepResult{Kind: StepFail, Err: err}
}
