package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/messenger"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

func newTaskDispatcher(t *testing.T, cfg config.Config, clk clock.Clock) (*TaskDispatcher, *store.Store, *tmux.FakeDriver, *bus.Bus) {
	t.Helper()
	s := newTestStore(t)
	b := newTestBus(t, clk)
	driver := tmux.NewFakeDriver()
	msg := messenger.New(driver, b, clk, cfg.PromptRegexp())
	return NewTaskDispatcher(cfg, s, driver, msg, b, clk), s, driver, b
}

func scheduleTask(t *testing.T, s *store.Store, session string, intervalMinutes int, now time.Time) int64 {
	t.Helper()
	id, err := s.ScheduleTask(orchestrator.Task{
		SessionName:     session,
		WindowIndex:     0,
		Payload:         "status check please",
		ScheduledAt:     now,
		MaxRetries:      2,
		IntervalMinutes: intervalMinutes,
	}, now)
	require.NoError(t, err)
	return id
}

func TestTaskDispatcherDeliversOneShot(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	d, s, driver, _ := newTaskDispatcher(t, cfg, clk)

	driver.AddSession("proj-alpha", testNow.Add(-time.Hour))
	driver.SetPaneText("proj-alpha", 0, "agent is thinking...")
	id := scheduleTask(t, s, "proj-alpha", 0, testNow)

	d.Tick(context.Background())

	sent := driver.Sent("proj-alpha", 0)
	require.Len(t, sent, 1)
	require.Equal(t, "status check please", sent[0])

	// One-shot tasks are consumed on delivery.
	_, err := s.GetTask(id)
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestTaskDispatcherReschedulesRecurring(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	d, s, driver, _ := newTaskDispatcher(t, cfg, clk)

	driver.AddSession("proj-alpha", testNow.Add(-time.Hour))
	driver.SetPaneText("proj-alpha", 0, "agent is thinking...")
	id := scheduleTask(t, s, "proj-alpha", 15, testNow)

	d.Tick(context.Background())

	after, err := s.GetTask(id)
	require.NoError(t, err)
	require.False(t, after.Disabled)
	require.Equal(t, testNow.Add(15*time.Minute), after.ScheduledAt)
	require.Len(t, driver.Sent("proj-alpha", 0), 1)
}

func TestTaskDispatcherRetriesOnShellPane(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	d, s, driver, _ := newTaskDispatcher(t, cfg, clk)

	// The agent exited; the pane shows a bare prompt. Typing into it
	// would execute the payload, so delivery must back off instead.
	driver.AddSession("proj-alpha", testNow.Add(-time.Hour))
	driver.SetPaneText("proj-alpha", 0, "user@host:~/work$ ")
	id := scheduleTask(t, s, "proj-alpha", 0, testNow)

	d.Tick(context.Background())

	require.Empty(t, driver.Sent("proj-alpha", 0))
	after, err := s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, 1, after.RetryCount)
	require.True(t, after.ScheduledAt.After(testNow))
	require.Contains(t, after.LastError, "idle shell")
}

func TestTaskDispatcherQuarantinesGoneSession(t *testing.T) {
	cfg := config.Defaults()
	cfg.OrphanGraceSec = 600
	clk := clock.NewFake(testNow)
	d, s, _, b := newTaskDispatcher(t, cfg, clk)

	// Created well before the grace window, session never observed.
	created := testNow.Add(-time.Hour)
	id, err := s.ScheduleTask(orchestrator.Task{
		SessionName: "proj-gone",
		Payload:     "hello?",
		ScheduledAt: created,
		MaxRetries:  2,
	}, created)
	require.NoError(t, err)

	events := b.Subscribe(context.Background())
	d.Tick(context.Background())

	after, err := s.GetTask(id)
	require.NoError(t, err)
	require.True(t, after.Disabled)

	got := drainEvents(t, events)
	require.Len(t, got, 1)
	require.Equal(t, bus.TopicTaskDisabled, got[0].Topic)
	require.Equal(t, "session_gone", got[0].Payload["reason"])
}

func TestTaskDispatcherGraceRunsFromLastSighting(t *testing.T) {
	cfg := config.Defaults()
	cfg.OrphanGraceSec = 600
	clk := clock.NewFake(testNow)
	d, s, driver, _ := newTaskDispatcher(t, cfg, clk)

	driver.AddSession("proj-alpha", testNow.Add(-time.Hour))
	id, err := s.ScheduleTask(orchestrator.Task{
		SessionName: "proj-alpha",
		Payload:     "hello",
		ScheduledAt: testNow.Add(5 * time.Minute),
		MaxRetries:  5,
	}, testNow.Add(-2*time.Hour))
	require.NoError(t, err)

	// First pass records the sighting; nothing is due yet.
	d.Tick(context.Background())

	// The session dies, but the task comes due inside the grace window
	// measured from the last sighting. Under a created_at baseline the
	// two-hour-old task would be quarantined immediately.
	require.NoError(t, driver.KillSession(context.Background(), "proj-alpha"))
	clk.Advance(6 * time.Minute)
	d.Tick(context.Background())

	after, err := s.GetTask(id)
	require.NoError(t, err)
	require.False(t, after.Disabled)
	require.Equal(t, 1, after.RetryCount, "delivery attempted and backed off")

	// Past the grace from the last sighting the task is quarantined.
	clk.Advance(15 * time.Minute)
	d.Tick(context.Background())

	after, err = s.GetTask(id)
	require.NoError(t, err)
	require.True(t, after.Disabled)
}

func TestTaskDispatcherDisablesAfterRetryCap(t *testing.T) {
	cfg := config.Defaults()
	cfg.OrphanGraceSec = 24 * 3600 // keep the quarantine path out of the way
	clk := clock.NewFake(testNow)
	d, s, _, b := newTaskDispatcher(t, cfg, clk)

	// The target session never comes up, so every delivery attempt is a
	// not-ready failure counted against the retry cap.
	id := scheduleTask(t, s, "proj-alpha", 15, testNow)

	events := b.Subscribe(context.Background())
	for i := 0; i < 4; i++ {
		d.Tick(context.Background())
		clk.Advance(time.Hour)
	}

	after, err := s.GetTask(id)
	require.NoError(t, err)
	require.True(t, after.Disabled)

	var disabled []bus.Event
	for _, e := range drainEvents(t, events) {
		if e.Topic == bus.TopicTaskDisabled {
			disabled = append(disabled, e)
		}
	}
	require.Len(t, disabled, 1)
	require.Equal(t, "retries_exhausted", disabled[0].Payload["reason"])
}
