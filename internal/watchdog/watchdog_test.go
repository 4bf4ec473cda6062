package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	cfg      config.Config
	clk      *clock.Fake
	store    *store.Store
	driver   *tmux.FakeDriver
	bus      *bus.Bus
	watchdog *Watchdog
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewFake(testNow)
	b, err := bus.New(t.TempDir(), 1000, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	driver := tmux.NewFakeDriver()
	return &fixture{
		cfg:      cfg,
		clk:      clk,
		store:    s,
		driver:   driver,
		bus:      b,
		watchdog: New(cfg, s, driver, b, clk),
	}
}

// startProject puts a project into processing with the configured
// watchdog deadline, estimated at estDuration.
func (f *fixture) startProject(t *testing.T, name, session string, estDuration time.Duration) int64 {
	t.Helper()
	id, err := f.store.Enqueue(name, "/s/"+name+".yaml", "/w/"+name, nil, f.clk.Now())
	require.NoError(t, err)
	p, err := f.store.ClaimNext(f.clk.Now())
	require.NoError(t, err)
	require.Equal(t, id, p.ID)
	deadline := f.cfg.HardDeadline(f.clk.Now(), estDuration)
	require.NoError(t, f.store.PromoteClaim(id, p.ClaimToken, session, estDuration, deadline, f.clk.Now()))
	f.driver.AddSession(session, f.clk.Now())
	return id
}

func collect(t *testing.T, ch <-chan bus.Event, topic string) []bus.Event {
	t.Helper()
	var out []bus.Event
	for {
		select {
		case e := <-ch:
			if e.Topic == topic {
				out = append(out, e)
			}
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestWatchdogSoftTimeoutAlertsOnce(t *testing.T) {
	cfg := config.Defaults()
	f := newFixture(t, cfg)
	f.startProject(t, "alpha", "proj-alpha", time.Hour)

	events := f.bus.Subscribe(context.Background())

	// Inside the estimate: silence.
	f.clk.Advance(30 * time.Minute)
	f.watchdog.Tick(context.Background())
	require.Empty(t, collect(t, events, bus.TopicProjectSoftTimeout))

	// Past the estimate but under the hard deadline: exactly one alert,
	// however many passes run.
	f.clk.Advance(31 * time.Minute)
	f.watchdog.Tick(context.Background())
	f.watchdog.Tick(context.Background())
	f.watchdog.Tick(context.Background())

	got := collect(t, events, bus.TopicProjectSoftTimeout)
	require.Len(t, got, 1)
}

func TestWatchdogHardTimeoutFailsProject(t *testing.T) {
	cfg := config.Defaults() // factor 2.0: hard deadline at 2h
	f := newFixture(t, cfg)
	id := f.startProject(t, "alpha", "proj-alpha", time.Hour)

	events := f.bus.Subscribe(context.Background())
	f.clk.Advance(2*time.Hour + time.Minute)
	f.watchdog.Tick(context.Background())

	p, err := f.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusFailed, p.Status)
	require.Equal(t, "hard timeout", p.ErrorMessage)
	require.Empty(t, p.SessionName)

	ok, err := f.driver.HasSession(context.Background(), "proj-alpha")
	require.NoError(t, err)
	require.False(t, ok, "session killed with the timeout")

	require.Len(t, collect(t, events, bus.TopicProjectFailed), 1)
}

func TestWatchdogActivityExtendsNearDeadline(t *testing.T) {
	cfg := config.Defaults()
	cfg.HeartbeatExtensionSec = 600
	cfg.HeartbeatMaxExtensions = 2
	f := newFixture(t, cfg)
	id := f.startProject(t, "alpha", "proj-alpha", time.Hour) // hard deadline 2h

	// Baseline observation.
	f.driver.SetPaneText("proj-alpha", 0, "step 1")
	f.watchdog.Tick(context.Background())

	// Active pane just before the deadline: the deadline stretches.
	f.clk.Advance(2*time.Hour - 5*time.Minute)
	f.driver.SetPaneText("proj-alpha", 0, "step 2")
	f.watchdog.Tick(context.Background())

	p, err := f.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p.Status)
	require.Equal(t, 1, p.HeartbeatExtensions)
	wantDeadline := testNow.Add(2*time.Hour + 10*time.Minute)
	require.Equal(t, wantDeadline.Unix(), p.TimeoutDeadline.Unix())

	// Crossing the original deadline with the extension in hand is fine.
	f.clk.Advance(7 * time.Minute)
	f.watchdog.Tick(context.Background())
	p, err = f.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p.Status)
}

func TestWatchdogIdlePaneGetsNoExtension(t *testing.T) {
	cfg := config.Defaults()
	f := newFixture(t, cfg)
	id := f.startProject(t, "alpha", "proj-alpha", time.Hour)

	f.driver.SetPaneText("proj-alpha", 0, "stuck here")
	f.watchdog.Tick(context.Background())

	// The pane never changes again; the hard deadline holds.
	f.clk.Advance(2*time.Hour + time.Minute)
	f.watchdog.Tick(context.Background())

	p, err := f.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusFailed, p.Status)
}

func TestWatchdogExtensionCap(t *testing.T) {
	cfg := config.Defaults()
	cfg.HeartbeatExtensionSec = 600
	cfg.HeartbeatMaxExtensions = 1
	f := newFixture(t, cfg)
	id := f.startProject(t, "alpha", "proj-alpha", 10*time.Minute) // hard deadline 20m

	f.driver.SetPaneText("proj-alpha", 0, "v0")
	f.watchdog.Tick(context.Background())

	// First near-deadline activity extends to 30m.
	f.clk.Advance(15 * time.Minute)
	f.driver.SetPaneText("proj-alpha", 0, "v1")
	f.watchdog.Tick(context.Background())

	// Second activity burst cannot extend past the cap.
	f.clk.Advance(12 * time.Minute)
	f.driver.SetPaneText("proj-alpha", 0, "v2")
	f.watchdog.Tick(context.Background())

	// At 31 minutes the extended deadline has passed; the next pass
	// fails the project despite continued activity.
	f.clk.Advance(4 * time.Minute)
	f.driver.SetPaneText("proj-alpha", 0, "v3")
	f.watchdog.Tick(context.Background())

	p, err := f.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusFailed, p.Status)
	require.Equal(t, 1, p.HeartbeatExtensions)
}
