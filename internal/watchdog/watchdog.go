// Package watchdog enforces duration bounds on processing projects. A
// project that outlives its estimate gets one soft-timeout alert; one
// that outlives its hard deadline is failed and its session killed. The
// deadline stretches through bounded heartbeat extensions when the pane
// still shows activity.
package watchdog

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

// activityWindow is how much pane scrollback feeds the activity hash.
const activityWindow = 50

// Watchdog polls processing projects against their deadlines.
type Watchdog struct {
	cfg    config.Config
	store  *store.Store
	driver tmux.Driver
	bus    *bus.Bus
	clock  clock.Clock

	// alerted holds project ids that already got their soft-timeout
	// alert; one alert per processing episode.
	alerted map[int64]bool
	// paneHash holds the last observed pane content hash per project,
	// for activity detection.
	paneHash map[int64][32]byte
}

// New wires the watchdog loop.
func New(cfg config.Config, st *store.Store, driver tmux.Driver, b *bus.Bus, clk clock.Clock) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		store:    st,
		driver:   driver,
		bus:      b,
		clock:    clk,
		alerted:  make(map[int64]bool),
		paneHash: make(map[int64][32]byte),
	}
}

// Run checks deadlines on every poll tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Tick(ctx)
		}
	}
}

// Tick performs one deadline pass over all processing projects.
func (w *Watchdog) Tick(ctx context.Context) {
	projects, err := w.store.ListByStatus(orchestrator.StatusProcessing)
	if err != nil {
		log.ErrorErr(log.CatWatchdog, "processing query failed", err)
		return
	}

	now := w.clock.Now()
	seen := make(map[int64]bool, len(projects))
	for i := range projects {
		p := &projects[i]
		seen[p.ID] = true
		w.check(ctx, p, now)
	}

	// Forget projects that settled elsewhere so a reset episode starts
	// with a clean slate.
	for id := range w.alerted {
		if !seen[id] {
			delete(w.alerted, id)
		}
	}
	for id := range w.paneHash {
		if !seen[id] {
			delete(w.paneHash, id)
		}
	}
}

func (w *Watchdog) check(ctx context.Context, p *orchestrator.Project, now time.Time) {
	w.observeActivity(ctx, p, now)

	if p.TimeoutDeadline != nil && now.After(*p.TimeoutDeadline) {
		w.hardTimeout(ctx, p)
		return
	}

	if p.StartedAt == nil || w.alerted[p.ID] {
		return
	}
	if now.After(p.StartedAt.Add(p.EstDuration)) {
		w.alerted[p.ID] = true
		log.Warn(log.CatWatchdog, "project past estimated duration",
			"project", p.ID, "session", p.SessionName)
		_ = w.bus.Publish(bus.TopicProjectSoftTimeout, bus.SeverityWarn, map[string]any{
			"id":      p.ID,
			"session": p.SessionName,
		})
	}
}

// observeActivity hashes the pane tail and records a heartbeat when it
// changed since the last pass. A heartbeat close to the hard deadline
// buys a bounded extension; routine activity just refreshes the
// timestamp.
func (w *Watchdog) observeActivity(ctx context.Context, p *orchestrator.Project, now time.Time) {
	if p.SessionName == "" {
		return
	}
	text, err := w.driver.CapturePane(ctx, p.SessionName, 0, activityWindow)
	if err != nil {
		return // the monitor deals with missing sessions
	}

	hash := sha256.Sum256([]byte(text))
	prev, ok := w.paneHash[p.ID]
	w.paneHash[p.ID] = hash
	if !ok || prev == hash {
		return
	}

	nearDeadline := p.TimeoutDeadline != nil &&
		p.TimeoutDeadline.Sub(now) < w.cfg.HeartbeatExtension()
	if nearDeadline {
		extended, err := w.store.Heartbeat(p.ID, w.cfg.HeartbeatExtension(), w.cfg.HeartbeatMaxExtensions, now)
		if err != nil {
			log.ErrorErr(log.CatWatchdog, "heartbeat failed", err, "project", p.ID)
			return
		}
		if extended {
			log.Info(log.CatWatchdog, "deadline extended on activity", "project", p.ID)
			// Reflect the extension locally so this pass does not fail
			// the project on the stale deadline.
			d := p.TimeoutDeadline.Add(w.cfg.HeartbeatExtension())
			p.TimeoutDeadline = &d
		}
		return
	}

	if err := w.store.TouchHeartbeat(p.ID, now); err != nil {
		log.ErrorErr(log.CatWatchdog, "heartbeat touch failed", err, "project", p.ID)
	}
}

func (w *Watchdog) hardTimeout(ctx context.Context, p *orchestrator.Project) {
	errMsg := "hard timeout"
	err := w.store.Transition(p.ID, orchestrator.StatusProcessing, orchestrator.StatusFailed, store.Patch{
		ErrorMessage:  &errMsg,
		ClearSession:  true,
		ClearDeadline: true,
	})
	if err != nil {
		log.ErrorErr(log.CatWatchdog, "hard timeout transition failed", err, "project", p.ID)
		return
	}

	if p.SessionName != "" {
		if err := w.driver.KillSession(ctx, p.SessionName); err != nil {
			log.Warn(log.CatWatchdog, "timeout session kill failed",
				"session", p.SessionName, "error", err)
		}
	}

	delete(w.alerted, p.ID)
	delete(w.paneHash, p.ID)
	log.Error(log.CatWatchdog, "project failed on hard timeout",
		"project", p.ID, "session", p.SessionName)
	_ = w.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
		"id":    p.ID,
		"error": errMsg,
	})
}
