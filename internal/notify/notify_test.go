package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []bus.Event
	block  chan struct{} // when set, Notify waits on it
}

func (r *recordingNotifier) Notify(ctx context.Context, e bus.Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) got() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestSinkFiltersBySeverity(t *testing.T) {
	rec := &recordingNotifier{}
	sink := NewSink(rec, bus.SeverityWarn)

	events := make(chan bus.Event, 4)
	events <- bus.Event{Topic: "project.started", Severity: bus.SeverityInfo}
	events <- bus.Event{Topic: "project.soft_timeout", Severity: bus.SeverityWarn}
	events <- bus.Event{Topic: "project.failed", Severity: bus.SeverityError}
	events <- bus.Event{Topic: "daemon.fatal", Severity: bus.SeverityCritical}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, events)

	require.Eventually(t, func() bool {
		return len(rec.got()) == 3
	}, time.Second, 10*time.Millisecond)

	topics := make([]string, 0, 3)
	for _, e := range rec.got() {
		topics = append(topics, e.Topic)
	}
	require.NotContains(t, topics, "project.started")
}

func TestSinkDropsOnOverflow(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	sink := NewSink(rec, bus.SeverityWarn)

	events := make(chan bus.Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, events)

	// One event parks in the blocked worker; sinkDepth fill the queue;
	// everything past that is dropped.
	for i := 0; i < sinkDepth+10; i++ {
		select {
		case events <- bus.Event{Topic: "project.failed", Severity: bus.SeverityError}:
		case <-time.After(time.Second):
			t.Fatal("sink stopped consuming")
		}
	}

	require.Eventually(t, func() bool {
		return sink.Dropped() > 0
	}, time.Second, 10*time.Millisecond)

	close(rec.block)
}

func TestSeverityRank(t *testing.T) {
	require.Greater(t, severityRank(bus.SeverityCritical), severityRank(bus.SeverityError))
	require.Greater(t, severityRank(bus.SeverityError), severityRank(bus.SeverityWarn))
	require.Greater(t, severityRank(bus.SeverityWarn), severityRank(bus.SeverityInfo))
}

func TestForConfig(t *testing.T) {
	require.IsType(t, LogNotifier{}, ForConfig(""))
	require.IsType(t, LogNotifier{}, ForConfig("   "))
	require.IsType(t, &ExecNotifier{}, ForConfig("notify-send"))
}

func TestExecNotifierRunsCommand(t *testing.T) {
	n := NewExecNotifier("true")
	err := n.Notify(context.Background(), bus.Event{Topic: "project.failed", Severity: bus.SeverityError})
	require.NoError(t, err)

	n = NewExecNotifier("false")
	err = n.Notify(context.Background(), bus.Event{Topic: "project.failed", Severity: bus.SeverityError})
	require.Error(t, err)
}
