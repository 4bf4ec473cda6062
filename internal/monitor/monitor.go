// Package monitor reconciles the store's view of sessions with the
// multiplexer's. It fails projects whose session vanished, kills
// sessions nothing owns, repairs lost session names, and completes
// projects whose completion marker landed on disk.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

const (
	repairAttempts = 3
	repairGap      = time.Second
)

// Monitor is the reconcile loop between store state and live sessions.
type Monitor struct {
	cfg    config.Config
	store  *store.Store
	driver tmux.Driver
	bus    *bus.Bus
	clock  clock.Clock

	// missingSince records when a processing project's session was first
	// observed absent. A session is only a phantom once it has stayed
	// gone past the phantom grace; brief tmux restarts are tolerated.
	missingSince map[int64]time.Time
}

// New wires the session monitor.
func New(cfg config.Config, st *store.Store, driver tmux.Driver, b *bus.Bus, clk clock.Clock) *Monitor {
	return &Monitor{
		cfg:          cfg,
		store:        st,
		driver:       driver,
		bus:          b,
		clock:        clk,
		missingSince: make(map[int64]time.Time),
	}
}

// Run reconciles on every state sync tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.StateSyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Tick(ctx)
		}
	}
}

// Tick performs one full reconcile pass.
func (m *Monitor) Tick(ctx context.Context) {
	sessions, err := m.driver.ListSessions(ctx)
	if err != nil {
		log.ErrorErr(log.CatMonitor, "session list failed, skipping reconcile", err)
		return
	}
	live := make(map[string]tmux.Session, len(sessions))
	for _, s := range sessions {
		live[s.Name] = s
	}

	known, err := m.store.ActiveSessions()
	if err != nil {
		log.ErrorErr(log.CatMonitor, "active session query failed", err)
		return
	}

	now := m.clock.Now()
	m.completeMarked(known)
	m.failPhantoms(live, now)
	m.killOrphans(ctx, live, now)
	m.repairNullSessions(ctx, live)
}

// completeMarked settles projects whose completion marker exists in the
// project directory. The filesystem watcher normally catches the marker
// first; this pass covers markers written while the daemon was down.
func (m *Monitor) completeMarked(known map[string]orchestrator.Project) {
	for _, p := range known {
		if p.Status != orchestrator.StatusProcessing {
			continue
		}
		marker := filepath.Join(p.ProjectPath, m.cfg.CompletionMarker)
		if _, err := os.Stat(marker); err != nil {
			continue
		}
		m.Complete(p.ID)
	}
}

// Complete settles a processing project as completed. Used by both the
// reconcile pass and the filesystem watcher.
func (m *Monitor) Complete(id int64) {
	now := m.clock.Now()
	err := m.store.Transition(id, orchestrator.StatusProcessing, orchestrator.StatusCompleted, store.Patch{
		CompletedAt:   &now,
		ClearSession:  true,
		ClearDeadline: true,
	})
	if err != nil {
		// Lost the race with another settling path; nothing to do.
		log.Debug(log.CatMonitor, "completion transition skipped", "project", id, "error", err)
		return
	}
	delete(m.missingSince, id)
	log.Info(log.CatMonitor, "project completed", "project", id)
	_ = m.bus.Publish(bus.TopicProjectCompleted, bus.SeverityInfo, map[string]any{"id": id})
}

// failPhantoms fails projects whose session has stayed gone past the
// phantom grace.
func (m *Monitor) failPhantoms(live map[string]tmux.Session, now time.Time) {
	known, err := m.store.ActiveSessions()
	if err != nil {
		log.ErrorErr(log.CatMonitor, "active session query failed", err)
		return
	}

	seen := make(map[int64]bool, len(known))
	for name, p := range known {
		seen[p.ID] = true
		if p.Status != orchestrator.StatusProcessing {
			continue // paused projects keep their session without a watchdog
		}
		if _, ok := live[name]; ok {
			delete(m.missingSince, p.ID)
			continue
		}

		first, ok := m.missingSince[p.ID]
		if !ok {
			m.missingSince[p.ID] = now
			continue
		}
		if now.Sub(first) <= m.cfg.PhantomGrace() {
			continue
		}

		errMsg := "session missing after grace period"
		err := m.store.Transition(p.ID, orchestrator.StatusProcessing, orchestrator.StatusFailed, store.Patch{
			ErrorMessage:  &errMsg,
			ClearSession:  true,
			ClearDeadline: true,
		})
		if err != nil {
			log.ErrorErr(log.CatMonitor, "phantom transition failed", err, "project", p.ID)
			continue
		}
		delete(m.missingSince, p.ID)
		log.Warn(log.CatMonitor, "phantom session, project failed", "project", p.ID, "session", name)
		_ = m.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
			"id":    p.ID,
			"error": errMsg,
		})
	}

	// Drop tracking for projects that settled elsewhere.
	for id := range m.missingSince {
		if !seen[id] {
			delete(m.missingSince, id)
		}
	}
}

// killOrphans kills sessions no non-settled project owns, once they
// outlive the orphan grace. The grace is the only shield for operator
// sessions on the same server; point the daemon at a dedicated socket
// when sharing one is not acceptable.
func (m *Monitor) killOrphans(ctx context.Context, live map[string]tmux.Session, now time.Time) {
	known, err := m.store.ActiveSessions()
	if err != nil {
		log.ErrorErr(log.CatMonitor, "active session query failed", err)
		return
	}

	for name, s := range live {
		if _, owned := known[name]; owned {
			continue
		}
		if now.Sub(s.Created) <= m.cfg.OrphanGrace() {
			continue
		}

		if err := m.driver.KillSession(ctx, name); err != nil {
			log.ErrorErr(log.CatMonitor, "orphan kill failed", err, "session", name)
			continue
		}
		log.Warn(log.CatMonitor, "orphan session killed", "session", name)
		_ = m.bus.Publish(bus.TopicOrphanKilled, bus.SeverityWarn, map[string]any{
			"session": name,
			"age_sec": int64(now.Sub(s.Created).Seconds()),
		})
	}
}

// KillOrphans runs a single orphan pass. Backs the kill-orphans CLI
// command; returns the number of sessions killed.
func (m *Monitor) KillOrphans(ctx context.Context) (int, error) {
	sessions, err := m.driver.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]tmux.Session, len(sessions))
	for _, s := range sessions {
		live[s.Name] = s
	}

	before := len(live)
	m.killOrphans(ctx, live, m.clock.Now())

	after, err := m.driver.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	return before - len(after), nil
}

// repairNullSessions resolves processing rows that lost their session
// name, a possible artifact of a crash between promotion steps in older
// deployments. A live session matching the project's canonical name
// restores the link; otherwise the project fails.
func (m *Monitor) repairNullSessions(ctx context.Context, live map[string]tmux.Session) {
	projects, err := m.store.NullSessionProcessing()
	if err != nil {
		log.ErrorErr(log.CatMonitor, "null session query failed", err)
		return
	}

	for i := range projects {
		p := &projects[i]
		if m.repairOne(ctx, p, live) {
			continue
		}

		errMsg := "unrecoverable null session name"
		err := m.store.Transition(p.ID, orchestrator.StatusProcessing, orchestrator.StatusFailed, store.Patch{
			ErrorMessage:  &errMsg,
			ClearDeadline: true,
		})
		if err != nil {
			log.ErrorErr(log.CatMonitor, "null session transition failed", err, "project", p.ID)
			continue
		}
		log.Error(log.CatMonitor, "null session unrecoverable, project failed", "project", p.ID)
		_ = m.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
			"id":    p.ID,
			"error": errMsg,
		})
	}
}

// repairOne tries a few spaced attempts to find the project's session,
// re-listing between attempts in case the session is mid-creation.
func (m *Monitor) repairOne(ctx context.Context, p *orchestrator.Project, live map[string]tmux.Session) bool {
	for attempt := 0; attempt < repairAttempts; attempt++ {
		if attempt > 0 {
			m.clock.Sleep(repairGap)
			sessions, err := m.driver.ListSessions(ctx)
			if err != nil {
				continue
			}
			live = make(map[string]tmux.Session, len(sessions))
			for _, s := range sessions {
				live[s.Name] = s
			}
		}

		for name := range live {
			if !orchestrator.MatchesSessionPrefix(m.cfg.SessionPrefix, p, name) {
				continue
			}
			if err := m.store.RepairSessionName(p.ID, name); err != nil {
				log.ErrorErr(log.CatMonitor, "session name repair failed", err, "project", p.ID)
				return false
			}
			log.Info(log.CatMonitor, "session name repaired", "project", p.ID, "session", name)
			return true
		}
	}
	return false
}
