// Package tmux drives the terminal multiplexer hosting agent sessions.
// The Driver interface is the seam between the scheduler and tmux
// itself; Exec shells out to the tmux binary and Fake backs the tests.
package tmux

import (
	"context"
	"time"
)

// Session describes one live multiplexer session.
type Session struct {
	Name    string
	Created time.Time
}

// Driver is the capability set the scheduler needs from the
// multiplexer. All calls are fallible; NotFound-class failures wrap
// orchestrator.ErrNotFound and transient failures wrap
// orchestrator.TransientError.
type Driver interface {
	// ListSessions returns every live session with its creation time.
	ListSessions(ctx context.Context) ([]Session, error)

	// HasSession reports whether the named session exists.
	HasSession(ctx context.Context, name string) (bool, error)

	// CreateSession starts a detached session running initialCommand in cwd.
	CreateSession(ctx context.Context, name, cwd, initialCommand string) error

	// KillSession terminates the named session.
	KillSession(ctx context.Context, name string) error

	// SendKeys types text into a pane followed by the mandatory Enter
	// keystroke. Messages without the trailing newline are bugs.
	SendKeys(ctx context.Context, name string, window int, text string) error

	// SendControl sends a single control keystroke (C-c, Escape, C-u)
	// without a trailing Enter.
	SendControl(ctx context.Context, name string, window int, key string) error

	// CapturePane returns up to maxLines of trailing pane text.
	CapturePane(ctx context.Context, name string, window int, maxLines int) (string, error)
}
