// Package dispatch contains the two scheduling loops: the queue
// dispatcher that moves projects from the queue into live sessions, and
// the task dispatcher that fires scheduled messages at their due time.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/setup"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

// defaultEstDuration covers adopted sessions whose original estimate
// was never recorded.
const defaultEstDuration = 3600 // seconds

// QueueDispatcher pulls eligible projects off the queue, invokes the
// setup collaborator (or adopts an already-live session), and promotes
// them to processing.
type QueueDispatcher struct {
	cfg    config.Config
	store  *store.Store
	driver tmux.Driver
	setup  setup.Runner
	bus    *bus.Bus
	clock  clock.Clock
}

// NewQueueDispatcher wires the queue dispatch loop.
func NewQueueDispatcher(cfg config.Config, st *store.Store, driver tmux.Driver, runner setup.Runner, b *bus.Bus, clk clock.Clock) *QueueDispatcher {
	return &QueueDispatcher{cfg: cfg, store: st, driver: driver, setup: runner, bus: b, clock: clk}
}

// Run dispatches on every poll tick until ctx is cancelled.
func (d *QueueDispatcher) Run(ctx context.Context) {
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

// Tick performs one dispatch pass: sweep stale claims, then dispatch
// projects until capacity or the queue runs dry.
func (d *QueueDispatcher) Tick(ctx context.Context) {
	// Claims older than two setup timeouts belong to a dispatcher that
	// died mid-setup.
	staleBefore := d.clock.Now().Add(-2 * d.cfg.SetupTimeout())
	if _, err := d.store.SweepStaleClaims(staleBefore); err != nil {
		log.ErrorErr(log.CatQueue, "stale claim sweep failed", err)
	}

	for {
		result := d.dispatchOne(ctx)
		if result.Kind != orchestrator.StepContinue || ctx.Err() != nil {
			if result.Err != nil {
				log.ErrorErr(log.CatQueue, "dispatch step failed", result.Err)
			}
			return
		}
		if result.Err == errNoWork {
			return
		}
	}
}

// errNoWork distinguishes "queue empty or at capacity" from a real
// completed dispatch inside Tick's drain loop.
var errNoWork = fmt.Errorf("no work")

func (d *QueueDispatcher) dispatchOne(ctx context.Context) orchestrator.StepResult {
	processing, err := d.store.ProcessingCount()
	if err != nil {
		return orchestrator.Retry(d.cfg.PollInterval(), err)
	}
	if processing >= d.cfg.MaxConcurrent {
		return orchestrator.StepResult{Kind: orchestrator.StepContinue, Err: errNoWork}
	}

	p, err := d.store.ClaimNext(d.clock.Now())
	if err != nil {
		return orchestrator.Retry(d.cfg.PollInterval(), err)
	}
	if p == nil {
		return orchestrator.StepResult{Kind: orchestrator.StepContinue, Err: errNoWork}
	}

	// A session from a previous daemon life may still be running this
	// project; adopt it instead of provisioning a second one.
	if adopted := d.tryAdopt(ctx, p); adopted {
		return orchestrator.Continue()
	}

	return d.runSetup(ctx, p)
}

// tryAdopt looks for a live session matching the project's canonical
// name and resumes it. Reports whether adoption happened.
func (d *QueueDispatcher) tryAdopt(ctx context.Context, p *orchestrator.Project) bool {
	sessions, err := d.driver.ListSessions(ctx)
	if err != nil {
		log.ErrorErr(log.CatQueue, "session list failed during adoption", err, "project", p.ID)
		return false
	}

	for _, s := range sessions {
		if !orchestrator.MatchesSessionPrefix(d.cfg.SessionPrefix, p, s.Name) {
			continue
		}

		now := d.clock.Now()
		est := p.EstDuration
		if est <= 0 {
			est = defaultEstDuration * time.Second
		}
		deadline := d.cfg.HardDeadline(now, est)
		if err := d.store.PromoteClaim(p.ID, p.ClaimToken, s.Name, est, deadline, now); err != nil {
			log.ErrorErr(log.CatQueue, "adoption promote failed", err, "project", p.ID, "session", s.Name)
			return false
		}

		log.Info(log.CatQueue, "project resumed on live session", "project", p.ID, "session", s.Name)
		_ = d.bus.Publish(bus.TopicProjectResumed, bus.SeverityInfo, map[string]any{
			"id":      p.ID,
			"session": s.Name,
		})
		return true
	}
	return false
}

func (d *QueueDispatcher) runSetup(ctx context.Context, p *orchestrator.Project) orchestrator.StepResult {
	setupCtx, cancel := context.WithTimeout(ctx, d.cfg.SetupTimeout())
	defer cancel()

	res, err := d.setup.Setup(setupCtx, p.SpecPath, p.ProjectPath)
	if err != nil {
		// Shutdown is not a setup failure; put the project back without
		// spending a retry.
		if ctx.Err() != nil {
			if relErr := d.store.ReleaseClaim(p.ID, p.ClaimToken); relErr != nil {
				log.ErrorErr(log.CatQueue, "claim release failed during shutdown", relErr, "project", p.ID)
			}
			return orchestrator.Fail(ctx.Err())
		}
		return d.setupFailed(p, err)
	}

	now := d.clock.Now()
	deadline := d.cfg.HardDeadline(now, res.EstDuration)
	if err := d.store.PromoteClaim(p.ID, p.ClaimToken, res.SessionName, res.EstDuration, deadline, now); err != nil {
		// The claim was swept or the session name is taken; the setup's
		// session is now unowned and the monitor's orphan pass will
		// collect it.
		return orchestrator.Fail(fmt.Errorf("promoting project %d: %w", p.ID, err))
	}

	log.Info(log.CatQueue, "project started", "project", p.ID, "session", res.SessionName,
		"est_duration_sec", int64(res.EstDuration.Seconds()))
	_ = d.bus.Publish(bus.TopicProjectStarted, bus.SeverityInfo, map[string]any{
		"id":      p.ID,
		"session": res.SessionName,
	})
	return orchestrator.Continue()
}

func (d *QueueDispatcher) setupFailed(p *orchestrator.Project, setupErr error) orchestrator.StepResult {
	final, err := d.store.FailClaim(p.ID, p.ClaimToken, d.cfg.MaxRetries, setupErr.Error(), d.clock.Now())
	if err != nil {
		return orchestrator.Fail(fmt.Errorf("recording setup failure for project %d: %w", p.ID, err))
	}

	if final {
		log.Error(log.CatQueue, "project failed, setup retries exhausted", "project", p.ID)
		_ = d.bus.Publish(bus.TopicProjectFailed, bus.SeverityError, map[string]any{
			"id":    p.ID,
			"error": setupErr.Error(),
		})
		return orchestrator.Continue()
	}

	log.Warn(log.CatQueue, "setup failed, project requeued", "project", p.ID, "error", setupErr)
	return orchestrator.Retry(d.cfg.BackoffBase(), setupErr)
}
