// Package recovery reconciles durable state with reality once at daemon
// startup, before any loop runs. The previous daemon may have died at
// any point; recovery makes the store consistent with the sessions that
// survived it.
package recovery

import (
	"context"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

// Manager runs the startup reconciliation.
type Manager struct {
	cfg    config.Config
	store  *store.Store
	driver tmux.Driver
	bus    *bus.Bus
	clock  clock.Clock
}

// New wires the recovery manager.
func New(cfg config.Config, st *store.Store, driver tmux.Driver, b *bus.Bus, clk clock.Clock) *Manager {
	return &Manager{cfg: cfg, store: st, driver: driver, bus: b, clock: clk}
}

// Summary reports what recovery did. All paths are idempotent: a second
// run over the same state is a no-op.
type Summary struct {
	Resumed  int // processing projects whose session survived
	Repaired int // null session names restored from a live session
	Failed   int // processing projects whose session is gone
	Swept    int // claiming intents from the dead dispatcher
}

// Run performs the startup reconciliation and publishes a summary.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	now := m.clock.Now()

	// Any claiming row predates this daemon; its dispatcher is dead.
	swept, err := m.store.SweepStaleClaims(now.Add(time.Second))
	if err != nil {
		return sum, err
	}
	sum.Swept = int(swept)

	sessions, err := m.driver.ListSessions(ctx)
	if err != nil {
		return sum, err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.Name] = true
	}

	if err := m.reconcileNamed(live, now, &sum); err != nil {
		return sum, err
	}
	if err := m.reconcileNameless(live, &sum); err != nil {
		return sum, err
	}

	log.Info(log.CatRecover, "recovery completed",
		"resumed", sum.Resumed, "repaired", sum.Repaired,
		"failed", sum.Failed, "swept", sum.Swept)
	_ = m.bus.Publish(bus.TopicRecoveryCompleted, bus.SeverityInfo, map[string]any{
		"resumed":  sum.Resumed,
		"repaired": sum.Repaired,
		"failed":   sum.Failed,
		"swept":    sum.Swept,
	})
	return sum, nil
}

// reconcileNamed handles processing rows that know their session: a
// surviving session resumes with a fresh heartbeat, a gone session
// fails the project. There is no grace at startup; the downtime already
// was the grace.
func (m *Manager) reconcileNamed(live map[string]bool, now time.Time, sum *Summary) error {
	known, err := m.store.ActiveSessions()
	if err != nil {
		return err
	}

	for name, p := range known {
		if p.Status != orchestrator.StatusProcessing {
			continue
		}
		if live[name] {
			if err := m.store.TouchHeartbeat(p.ID, now); err != nil {
				log.ErrorErr(log.CatRecover, "heartbeat reset failed", err, "project", p.ID)
				continue
			}
			log.Info(log.CatRecover, "project resumed", "project", p.ID, "session", name)
			sum.Resumed++
			continue
		}

		errMsg := "session missing after grace period"
		err := m.store.Transition(p.ID, orchestrator.StatusProcessing, orchestrator.StatusFailed, store.Patch{
			ErrorMessage:  &errMsg,
			ClearSession:  true,
			ClearDeadline: true,
		})
		if err != nil {
			log.ErrorErr(log.CatRecover, "recovery transition failed", err, "project", p.ID)
			continue
		}
		log.Warn(log.CatRecover, "project failed, session gone", "project", p.ID, "session", name)
		_ = m.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
			"id":    p.ID,
			"error": errMsg,
		})
		sum.Failed++
	}
	return nil
}

// reconcileNameless handles processing rows missing a session name: a
// live session matching the canonical name restores the link, otherwise
// the project fails.
func (m *Manager) reconcileNameless(live map[string]bool, sum *Summary) error {
	projects, err := m.store.NullSessionProcessing()
	if err != nil {
		return err
	}

	for i := range projects {
		p := &projects[i]

		repaired := false
		for name := range live {
			if !orchestrator.MatchesSessionPrefix(m.cfg.SessionPrefix, p, name) {
				continue
			}
			if err := m.store.RepairSessionName(p.ID, name); err != nil {
				log.ErrorErr(log.CatRecover, "session name repair failed", err, "project", p.ID)
				break
			}
			log.Info(log.CatRecover, "session name repaired", "project", p.ID, "session", name)
			sum.Repaired++
			repaired = true
			break
		}
		if repaired {
			continue
		}

		errMsg := "unrecoverable null session name"
		err := m.store.Transition(p.ID, orchestrator.StatusProcessing, orchestrator.StatusFailed, store.Patch{
			ErrorMessage:  &errMsg,
			ClearDeadline: true,
		})
		if err != nil {
			log.ErrorErr(log.CatRecover, "recovery transition failed", err, "project", p.ID)
			continue
		}
		_ = m.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
			"id":    p.ID,
			"error": errMsg,
		})
		sum.Failed++
	}
	return nil
}
