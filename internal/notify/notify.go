// Package notify forwards noteworthy events to an external channel. The
// sink consumes the event stream, filters by severity, and hands events
// to a Notifier on a dedicated worker so a slow notifier never blocks
// the loops publishing events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
)

const (
	// sinkDepth bounds the pending-notification queue. Beyond it new
	// notifications are dropped with a log line; state never blocks on
	// the notifier.
	sinkDepth = 128

	notifyTimeout = 30 * time.Second
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, e bus.Event) error
}

// Sink filters the event stream and drives a Notifier.
type Sink struct {
	notifier Notifier
	min      bus.Severity
	pending  chan bus.Event
	dropped  atomic.Int64
}

// NewSink creates a sink delivering events at or above min severity.
func NewSink(notifier Notifier, min bus.Severity) *Sink {
	return &Sink{
		notifier: notifier,
		min:      min,
		pending:  make(chan bus.Event, sinkDepth),
	}
}

// Run consumes events until ctx is cancelled or the stream closes.
func (s *Sink) Run(ctx context.Context, events <-chan bus.Event) {
	log.SafeGo("notify-worker", func() { s.work(ctx) })

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if severityRank(e.Severity) < severityRank(s.min) {
				continue
			}
			select {
			case s.pending <- e:
			default:
				s.dropped.Add(1)
				log.Warn(log.CatNotify, "notification dropped, sink full", "topic", e.Topic)
			}
		}
	}
}

// Dropped returns the number of notifications discarded on overflow.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.pending:
			nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			if err := s.notifier.Notify(nctx, e); err != nil {
				log.ErrorErr(log.CatNotify, "notification failed", err, "topic", e.Topic)
			}
			cancel()
		}
	}
}

func severityRank(s bus.Severity) int {
	switch s {
	case bus.SeverityCritical:
		return 3
	case bus.SeverityError:
		return 2
	case bus.SeverityWarn:
		return 1
	default:
		return 0
	}
}

// ExecNotifier shells out to the configured notify command with the
// severity and topic as arguments and the JSON payload on stdin.
type ExecNotifier struct {
	command string
}

// NewExecNotifier creates a notifier running command per event.
func NewExecNotifier(command string) *ExecNotifier {
	return &ExecNotifier{command: command}
}

var _ Notifier = (*ExecNotifier)(nil)

func (n *ExecNotifier) Notify(ctx context.Context, e bus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	parts := strings.Fields(n.command)
	if len(parts) == 0 {
		return fmt.Errorf("empty notify command")
	}
	args := append(parts[1:], string(e.Severity), e.Topic)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Stdin = bytes.NewReader(body)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// LogNotifier is the default when no notify command is configured; it
// writes notifications to the daemon log and nothing else.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, e bus.Event) error {
	log.Info(log.CatNotify, "notification", "topic", e.Topic, "severity", string(e.Severity))
	return nil
}

// ForConfig picks the notifier for the configured command.
func ForConfig(command string) Notifier {
	if strings.TrimSpace(command) == "" {
		return LogNotifier{}
	}
	return NewExecNotifier(command)
}
