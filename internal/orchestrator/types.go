// Package orchestrator defines the core domain entities shared by the
// scheduler components: queued projects, their lifecycle state machine,
// and scheduled pane-delivery tasks. The state machine is the only
// contract shared between the dispatch, monitor, recovery, and watchdog
// loops; they coordinate through the store and the event bus, never by
// calling one another.
package orchestrator

import (
	"time"
)

// ProjectStatus represents the lifecycle state of a queued project.
// Valid transitions:
//
//	Queued     -> Claiming, Paused
//	Claiming   -> Processing, Queued, Failed (setup retries exhausted)
//	Processing -> Completed, Failed, Paused
//	Paused     -> Queued
//	Failed     -> Queued (reset, while retry_count < max)
//	Completed  -> (terminal)
type ProjectStatus string

const (
	// StatusQueued indicates the project is waiting for dispatch.
	StatusQueued ProjectStatus = "queued"
	// StatusClaiming is a short-lived intent tag held between claim_next
	// and the promotion to Processing. A stale claim is swept back to Queued.
	StatusClaiming ProjectStatus = "claiming"
	// StatusProcessing indicates the project has a live session working on it.
	StatusProcessing ProjectStatus = "processing"
	// StatusPaused indicates the project was suspended by an operator.
	StatusPaused ProjectStatus = "paused"
	// StatusCompleted indicates the project finished successfully.
	StatusCompleted ProjectStatus = "completed"
	// StatusFailed indicates the project terminated with an error.
	StatusFailed ProjectStatus = "failed"
)

// validTransitions defines the allowed state transitions for projects.
// The key is the current state, the value is a set of valid target states.
var validTransitions = map[ProjectStatus]map[ProjectStatus]bool{
	StatusQueued: {
		StatusClaiming: true,
		StatusPaused:   true,
	},
	StatusClaiming: {
		StatusProcessing: true,
		StatusQueued:     true, // compensating abort returns the claim
		StatusFailed:     true, // setup failure at the retry cap
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPaused:    true,
	},
	StatusPaused: {
		StatusQueued: true,
	},
	StatusFailed: {
		StatusQueued: true, // reset, bounded by retry_count
	},
	StatusCompleted: {},
}

// String returns the string representation of the ProjectStatus.
func (s ProjectStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized ProjectStatus value.
func (s ProjectStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for Completed. Failed is not terminal here
// because an operator reset can return it to the queue; whether that
// reset is allowed depends on retry_count, which the store enforces.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// IsSettled returns true for states that hold no session: Completed and
// Failed. Settled rows are excluded from session-name exclusivity.
func (s ProjectStatus) IsSettled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo returns true if transitioning from the current state
// to the target state is valid according to the project state machine.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all states that can be transitioned to from the current state.
func (s ProjectStatus) ValidTargets() []ProjectStatus {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]ProjectStatus, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// Project is a unit of work in the durable queue.
type Project struct {
	ID          int64
	Name        string
	SpecPath    string
	ProjectPath string
	Status      ProjectStatus

	// SessionName is empty until the project enters Processing. Among
	// non-settled rows it is unique.
	SessionName string

	// Dependencies lists project names that must reach Completed before
	// this project is eligible for dispatch.
	Dependencies []string

	// EstDuration is the setup collaborator's estimate; the hard deadline
	// is derived from it via the watchdog factor.
	EstDuration time.Duration

	// ClaimToken fences a claiming dispatcher: promotion and release
	// require the same token, so a swept claim cannot be promoted late.
	ClaimToken string
	ClaimedAt  *time.Time

	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	HeartbeatAt         *time.Time
	HeartbeatExtensions int
	TimeoutDeadline     *time.Time

	RetryCount   int
	ErrorMessage string
}

// Task is a time-triggered message to deliver into a pane.
type Task struct {
	ID          int64
	SessionName string
	WindowIndex int
	Payload     string

	ScheduledAt time.Time

	RetryCount int
	MaxRetries int

	// IntervalMinutes of zero means one-shot: the task is deleted after
	// one successful delivery. Positive values reschedule by that delta.
	IntervalMinutes int

	Disabled  bool
	LastError string
	CreatedAt time.Time
}

// Due reports whether the task should be delivered at now.
func (t Task) Due(now time.Time) bool {
	return !t.Disabled && t.RetryCount <= t.MaxRetries && !t.ScheduledAt.After(now)
}

// OneShot reports whether the task is consumed on successful delivery.
func (t Task) OneShot() bool {
	return t.IntervalMinutes == 0
}

// BackoffDelay computes the retry delay for the given attempt using
// integer exponential backoff: base * multiplier^retryCount.
func BackoffDelay(base time.Duration, multiplier, retryCount int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= time.Duration(multiplier)
	}
	return delay
}
