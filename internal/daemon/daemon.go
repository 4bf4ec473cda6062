// Package daemon assembles the scheduler: it takes the single-writer
// lock, reconciles state, and runs the background loops until shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/dispatch"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/lockfile"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/messenger"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/monitor"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/notify"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/recovery"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/setup"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/watchdog"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/watcher"
)

// markerDebounce collapses editor write bursts on the completion marker
// into one signal.
const markerDebounce = 500 * time.Millisecond

// Runtime carries the daemon's collaborators. Everything is wired by
// the caller so tests can substitute fakes per seam.
type Runtime struct {
	Config   config.Config
	Clock    clock.Clock
	Store    *store.Store
	Lock     *lockfile.Manager
	Bus      *bus.Bus
	Driver   tmux.Driver
	Setup    setup.Runner
	Notifier notify.Notifier
}

// Daemon is the long-running scheduler process.
type Daemon struct {
	rt Runtime
}

// New creates a daemon over the given runtime.
func New(rt Runtime) *Daemon {
	return &Daemon{rt: rt}
}

// Run executes the daemon until ctx is cancelled. It returns
// orchestrator.ErrLockHeld when another daemon owns the lock.
func (d *Daemon) Run(ctx context.Context) error {
	rt := d.rt

	if err := rt.Lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := rt.Lock.Release(); err != nil {
			log.ErrorErr(log.CatDaemon, "lock release failed", err)
		}
	}()
	if rt.Lock.TookOver() {
		_ = rt.Bus.Publish(bus.TopicLockTakeover, bus.SeverityWarn, map[string]any{
			"pid": os.Getpid(),
		})
	}

	// Pre-canonical deployments stored task timestamps as text.
	if n, err := rt.Store.MigrateLegacyTimestamps(); err != nil {
		return d.fatal(fmt.Errorf("legacy timestamp migration: %w", err))
	} else if n > 0 {
		log.Info(log.CatDaemon, "legacy timestamps migrated", "count", n)
	}

	if _, err := recovery.New(rt.Config, rt.Store, rt.Driver, rt.Bus, rt.Clock).Run(ctx); err != nil {
		return d.fatal(fmt.Errorf("startup recovery: %w", err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		log.SafeGo(name, func() {
			defer wg.Done()
			fn(loopCtx)
		})
	}

	mon := monitor.New(rt.Config, rt.Store, rt.Driver, rt.Bus, rt.Clock)
	msg := messenger.New(rt.Driver, rt.Bus, rt.Clock, rt.Config.PromptRegexp())

	run("lock-heartbeat", func(ctx context.Context) {
		rt.Lock.RunHeartbeat(ctx, rt.Config.HeartbeatInterval())
	})
	run("queue-dispatch", dispatch.NewQueueDispatcher(rt.Config, rt.Store, rt.Driver, rt.Setup, rt.Bus, rt.Clock).Run)
	run("task-dispatch", dispatch.NewTaskDispatcher(rt.Config, rt.Store, rt.Driver, msg, rt.Bus, rt.Clock).Run)
	run("session-monitor", mon.Run)
	run("watchdog", watchdog.New(rt.Config, rt.Store, rt.Driver, rt.Bus, rt.Clock).Run)

	sink := notify.NewSink(rt.Notifier, bus.SeverityWarn)
	run("notify-sink", func(ctx context.Context) {
		sink.Run(ctx, rt.Bus.Subscribe(ctx))
	})

	if err := d.runWatcher(loopCtx, run, mon); err != nil {
		log.ErrorErr(log.CatDaemon, "completion watcher unavailable", err)
	}

	log.Info(log.CatDaemon, "daemon started", "pid", os.Getpid())
	_ = rt.Bus.Publish(bus.TopicDaemonStarted, bus.SeverityInfo, map[string]any{})

	<-ctx.Done()

	_ = rt.Bus.Publish(bus.TopicDaemonStopping, bus.SeverityInfo, map[string]any{})
	log.Info(log.CatDaemon, "daemon stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rt.Config.ShutdownGrace()):
		log.Warn(log.CatDaemon, "shutdown grace elapsed with loops still running")
	}
	return nil
}

// runWatcher wires the completion-marker watcher: marker sightings
// settle projects, lifecycle events maintain the watch set.
func (d *Daemon) runWatcher(ctx context.Context, run func(string, func(context.Context)), mon *monitor.Monitor) error {
	rt := d.rt

	w, err := watcher.New(rt.Config.CompletionMarker, markerDebounce)
	if err != nil {
		return err
	}
	hits := w.Start()

	// Seed with the projects already processing.
	active, err := rt.Store.ListByStatus(orchestrator.StatusProcessing)
	if err != nil {
		_ = w.Stop()
		return err
	}
	for _, p := range active {
		if err := w.Watch(p.ProjectPath, p.ID); err != nil {
			log.Warn(log.CatDaemon, "project directory unwatchable",
				"project", p.ID, "error", err)
		}
	}

	events := rt.Bus.Subscribe(ctx)
	run("completion-watcher", func(ctx context.Context) {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-hits:
				mon.Complete(id)
			case e, ok := <-events:
				if !ok {
					return
				}
				d.trackWatch(w, e)
			}
		}
	})
	return nil
}

func (d *Daemon) trackWatch(w *watcher.Watcher, e bus.Event) {
	id, ok := eventProjectID(e)
	if !ok {
		return
	}

	switch e.Topic {
	case bus.TopicProjectStarted, bus.TopicProjectResumed:
		p, err := d.rt.Store.Get(id)
		if err != nil {
			return
		}
		if err := w.Watch(p.ProjectPath, p.ID); err != nil {
			log.Warn(log.CatDaemon, "project directory unwatchable",
				"project", p.ID, "error", err)
		}
	case bus.TopicProjectCompleted, bus.TopicProjectFailed, bus.TopicProjectPaused:
		p, err := d.rt.Store.Get(id)
		if err != nil {
			return
		}
		w.Forget(p.ProjectPath)
	}
}

// eventProjectID digs the project id out of an event payload. JSONL
// round-trips turn int64 into float64; both shapes appear on the live
// bus.
func eventProjectID(e bus.Event) (int64, bool) {
	switch v := e.Payload["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (d *Daemon) fatal(err error) error {
	log.ErrorErr(log.CatDaemon, "daemon fatal", err)
	_ = d.rt.Bus.Publish(bus.TopicDaemonFatal, bus.SeverityCritical, map[string]any{
		"error": err.Error(),
	})
	return orchestrator.Fatal(err)
}
