package dispatch

import (
	"context"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/messenger"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

// TaskDispatcher delivers scheduled tasks into their target panes and
// quarantines tasks whose session has been gone past the orphan grace.
type TaskDispatcher struct {
	cfg       config.Config
	store     *store.Store
	driver    tmux.Driver
	messenger *messenger.Messenger
	bus       *bus.Bus
	clock     clock.Clock

	// lastSeen records when each target session was last observed live,
	// so a briefly-restarting session does not get its tasks disabled.
	lastSeen map[string]time.Time
}

// NewTaskDispatcher wires the task dispatch loop.
func NewTaskDispatcher(cfg config.Config, st *store.Store, driver tmux.Driver, msg *messenger.Messenger, b *bus.Bus, clk clock.Clock) *TaskDispatcher {
	return &TaskDispatcher{
		cfg:       cfg,
		store:     st,
		driver:    driver,
		messenger: msg,
		bus:       b,
		clock:     clk,
		lastSeen:  make(map[string]time.Time),
	}
}

// Run delivers due tasks on every poll tick until ctx is cancelled.
func (d *TaskDispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Tick performs one delivery pass over all due tasks.
func (d *TaskDispatcher) Tick(ctx context.Context) {
	now := d.clock.Now()

	live, err := d.liveSessions(ctx, now)
	if err != nil {
		log.ErrorErr(log.CatTask, "session list failed, skipping task pass", err)
		return
	}

	due, err := d.store.TasksDue(now)
	if err != nil {
		log.ErrorErr(log.CatTask, "due task query failed", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if !live[t.SessionName] && d.poisoned(t, now) {
			d.quarantine(t)
			continue
		}
		d.deliver(ctx, t, now)
	}
}

// liveSessions refreshes the lastSeen map and returns the current set.
func (d *TaskDispatcher) liveSessions(ctx context.Context, now time.Time) (map[string]bool, error) {
	sessions, err := d.driver.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.Name] = true
		d.lastSeen[s.Name] = now
	}
	return live, nil
}

// poisoned reports whether a task targets a session that has been gone
// longer than the orphan grace. The task's creation time is the
// baseline when the session was never observed at all.
func (d *TaskDispatcher) poisoned(t orchestrator.Task, now time.Time) bool {
	seen, ok := d.lastSeen[t.SessionName]
	if !ok {
		seen = t.CreatedAt
	}
	return now.Sub(seen) > d.cfg.OrphanGrace()
}

func (d *TaskDispatcher) quarantine(t orchestrator.Task) {
	if err := d.store.DisableTask(t.ID, "session gone past orphan grace"); err != nil {
		log.ErrorErr(log.CatTask, "quarantine failed", err, "task", t.ID)
		return
	}
	log.Warn(log.CatTask, "task disabled, target session gone", "task", t.ID, "session", t.SessionName)
	_ = d.bus.Publish(bus.TopicTaskDisabled, bus.SeverityWarn, map[string]any{
		"id":      t.ID,
		"session": t.SessionName,
		"reason":  "session_gone",
	})
}

func (d *TaskDispatcher) deliver(ctx context.Context, t orchestrator.Task, now time.Time) {
	err := d.messenger.Deliver(ctx, t.SessionName, t.WindowIndex, t.Payload)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if recErr := d.store.RecordTaskResult(t.ID, err == nil, errMsg, d.cfg.BackoffBase(), d.cfg.BackoffMultiplier, now); recErr != nil {
		log.ErrorErr(log.CatTask, "task result record failed", recErr, "task", t.ID)
		return
	}
	if err == nil {
		log.Debug(log.CatTask, "task delivered", "task", t.ID, "session", t.SessionName)
		return
	}

	log.Warn(log.CatTask, "task delivery failed", "task", t.ID, "session", t.SessionName, "error", err)

	// A recurring task keeps its row after the retry cap trips; report
	// the quarantine when that happens.
	after, getErr := d.store.GetTask(t.ID)
	if getErr != nil || after == nil {
		return
	}
	if after.Disabled && !t.Disabled {
		_ = d.bus.Publish(bus.TopicTaskDisabled, bus.SeverityWarn, map[string]any{
			"id":      t.ID,
			"session": t.SessionName,
			"reason":  "retries_exhausted",
		})
	}
}
