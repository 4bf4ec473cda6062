// Package messenger delivers text payloads into agent panes: it
// confirms the pane is ready, clears any half-typed input, types the
// payload with the mandatory trailing newline, and records the send on
// the event bus.
package messenger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

// keystrokeGap separates the input-reset keystrokes so the application
// in the pane has time to process each one.
const keystrokeGap = 100 * time.Millisecond

// captureLines is how much trailing pane text readiness checks look at.
const captureLines = 5

// Messenger delivers payloads through a session driver.
type Messenger struct {
	driver tmux.Driver
	bus    *bus.Bus
	clock  clock.Clock
	prompt *regexp.Regexp
}

// New creates a messenger. prompt is the compiled shell-prompt pattern:
// a pane whose last line matches it is an idle shell, not an agent.
func New(driver tmux.Driver, b *bus.Bus, clk clock.Clock, prompt *regexp.Regexp) *Messenger {
	return &Messenger{driver: driver, bus: b, clock: clk, prompt: prompt}
}

// Deliver sends payload into the pane. Delivery fails with ErrNotReady
// when the session is missing or the pane looks like a bare shell; the
// caller retries with backoff. Driver failures publish message.failed
// and surface for retry accounting.
func (m *Messenger) Deliver(ctx context.Context, session string, window int, payload string) error {
	ok, err := m.driver.HasSession(ctx, session)
	if err != nil {
		return m.failed(session, window, err)
	}
	if !ok {
		return fmt.Errorf("session %q missing: %w", session, orchestrator.ErrNotReady)
	}

	text, err := m.driver.CapturePane(ctx, session, window, captureLines)
	if err != nil {
		return m.failed(session, window, err)
	}
	if m.paneIsShell(text) {
		return fmt.Errorf("pane %s:%d is an idle shell: %w", session, window, orchestrator.ErrNotReady)
	}

	// Reset input state before typing: cancel, escape, clear line.
	for _, key := range []string{"C-c", "Escape", "C-u"} {
		if err := m.driver.SendControl(ctx, session, window, key); err != nil {
			return m.failed(session, window, err)
		}
		m.clock.Sleep(keystrokeGap)
	}

	// SendKeys appends the mandatory Enter keystroke.
	if err := m.driver.SendKeys(ctx, session, window, payload); err != nil {
		return m.failed(session, window, err)
	}

	target := fmt.Sprintf("%s:%d", session, window)
	log.Debug(log.CatTask, "message delivered", "target", target, "size", len(payload))
	// The keystrokes landed; a failed event append must not trigger a
	// retry that types the payload again.
	if err := m.bus.Publish(bus.TopicMessageSent, bus.SeverityInfo, map[string]any{
		"target": target,
		"size":   len(payload),
	}); err != nil {
		log.ErrorErr(log.CatTask, "sent event publish failed", err, "target", target)
	}
	return nil
}

func (m *Messenger) failed(session string, window int, err error) error {
	target := fmt.Sprintf("%s:%d", session, window)
	_ = m.bus.Publish(bus.TopicMessageFailed, bus.SeverityWarn, map[string]any{
		"target": target,
		"error":  err.Error(),
	})
	return fmt.Errorf("delivering to %s: %w", target, err)
}

// paneIsShell reports whether the last non-empty captured line matches
// the prompt pattern. An agent that exited leaves its shell behind;
// typing a reminder into a shell would execute it.
func (m *Messenger) paneIsShell(captured string) bool {
	lines := strings.Split(captured, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		return m.prompt.MatchString(line)
	}
	// An empty pane is indistinguishable from a fresh shell.
	return true
}
