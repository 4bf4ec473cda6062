package dispatch

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
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/setup"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBus(t *testing.T, clk clock.Clock) *bus.Bus {
	t.Helper()
	b, err := bus.New(t.TempDir(), 1000, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func drainEvents(t *testing.T, ch <-chan bus.Event) []bus.Event {
	t.Helper()
	var out []bus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestQueueDispatcherStartsProject(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	driver := tmux.NewFakeDriver()
	runner := &setup.Fake{Result: setup.Result{
		SessionName: "proj-alpha",
		EstDuration: time.Hour,
	}}

	id, err := s.Enqueue("alpha", "/specs/alpha.yaml", "/work/alpha", nil, clk.Now())
	require.NoError(t, err)

	events := b.Subscribe(context.Background())
	d := NewQueueDispatcher(cfg, s, driver, runner, b, clk)
	d.Tick(context.Background())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p.Status)
	require.Equal(t, "proj-alpha", p.SessionName)
	require.Equal(t, time.Hour, p.EstDuration)
	require.NotNil(t, p.StartedAt)
	require.NotNil(t, p.TimeoutDeadline)
	require.Equal(t, cfg.HardDeadline(testNow, time.Hour).Unix(), p.TimeoutDeadline.Unix())

	require.Len(t, runner.Calls, 1)
	require.Equal(t, [2]string{"/specs/alpha.yaml", "/work/alpha"}, runner.Calls[0])

	got := drainEvents(t, events)
	require.Len(t, got, 1)
	require.Equal(t, bus.TopicProjectStarted, got[0].Topic)
}

func TestQueueDispatcherRespectsCapacity(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrent = 1
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	runner := &setup.Fake{Result: setup.Result{SessionName: "proj-one", EstDuration: time.Hour}}

	first, err := s.Enqueue("one", "/s/one.yaml", "/w/one", nil, clk.Now())
	require.NoError(t, err)
	second, err := s.Enqueue("two", "/s/two.yaml", "/w/two", nil, clk.Now())
	require.NoError(t, err)

	d := NewQueueDispatcher(cfg, s, tmux.NewFakeDriver(), runner, b, clk)
	d.Tick(context.Background())

	p1, err := s.Get(first)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p1.Status)

	p2, err := s.Get(second)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusQueued, p2.Status)
	require.Len(t, runner.Calls, 1)
}

func TestQueueDispatcherAdoptsLiveSession(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	driver := tmux.NewFakeDriver()
	driver.AddSession("proj-alpha", testNow.Add(-10*time.Minute))
	runner := &setup.Fake{Err: context.DeadlineExceeded} // must never be reached

	id, err := s.Enqueue("alpha", "/s/alpha.yaml", "/w/alpha", nil, clk.Now())
	require.NoError(t, err)

	events := b.Subscribe(context.Background())
	d := NewQueueDispatcher(cfg, s, driver, runner, b, clk)
	d.Tick(context.Background())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p.Status)
	require.Equal(t, "proj-alpha", p.SessionName)
	require.Empty(t, runner.Calls)

	got := drainEvents(t, events)
	require.Len(t, got, 1)
	require.Equal(t, bus.TopicProjectResumed, got[0].Topic)
}

func TestQueueDispatcherSetupFailureRequeues(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxRetries = 3
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	runner := &setup.Fake{Err: orchestrator.Transient(context.DeadlineExceeded)}

	id, err := s.Enqueue("alpha", "/s/alpha.yaml", "/w/alpha", nil, clk.Now())
	require.NoError(t, err)

	d := NewQueueDispatcher(cfg, s, tmux.NewFakeDriver(), runner, b, clk)
	d.Tick(context.Background())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusQueued, p.Status)
	require.Equal(t, 1, p.RetryCount)
	require.NotEmpty(t, p.ErrorMessage)
}

func TestQueueDispatcherShutdownReleasesClaim(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	runner := &setup.Fake{Err: context.Canceled}

	id, err := s.Enqueue("alpha", "/s/alpha.yaml", "/w/alpha", nil, clk.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewQueueDispatcher(cfg, s, tmux.NewFakeDriver(), runner, b, clk)
	d.Tick(ctx)

	// A setup aborted by shutdown does not spend a retry.
	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusQueued, p.Status)
	require.Equal(t, 0, p.RetryCount)
	require.Empty(t, p.ClaimToken)
}

func TestQueueDispatcherSetupFailureExhaustsToFailed(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxRetries = 1
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	runner := &setup.Fake{Err: orchestrator.Transient(context.DeadlineExceeded)}

	id, err := s.Enqueue("alpha", "/s/alpha.yaml", "/w/alpha", nil, clk.Now())
	require.NoError(t, err)

	events := b.Subscribe(context.Background())
	d := NewQueueDispatcher(cfg, s, tmux.NewFakeDriver(), runner, b, clk)
	d.Tick(context.Background())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusFailed, p.Status)

	got := drainEvents(t, events)
	require.Len(t, got, 1)
	require.Equal(t, bus.TopicProjectFailed, got[0].Topic)
}

func TestQueueDispatcherDrainsUpToCapacity(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrent = 3
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)
	driver := tmux.NewFakeDriver()

	names := []string{"one", "two", "three", "four"}
	for _, n := range names {
		_, err := s.Enqueue(n, "/s/"+n+".yaml", "/w/"+n, nil, clk.Now())
		require.NoError(t, err)
	}

	// Each setup call lands on a distinct session because adoption kicks
	// in for already-created names; pre-create nothing and let the fake
	// hand out one shared name to prove exclusivity holds.
	runner := &rotatingSetup{prefix: "proj-batch"}
	d := NewQueueDispatcher(cfg, s, driver, runner, b, clk)
	d.Tick(context.Background())

	count, err := s.ProcessingCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	queued, err := s.ListByStatus(orchestrator.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

// rotatingSetup returns a unique session name per call so capacity, not
// session-name exclusivity, is the binding constraint.
type rotatingSetup struct {
	prefix string
	n      int
}

func (r *rotatingSetup) Setup(_ context.Context, _, _ string) (setup.Result, error) {
	r.n++
	return setup.Result{
		SessionName: r.prefix + "-" + string(rune('a'+r.n-1)),
		EstDuration: 30 * time.Minute,
	}, nil
}

func TestQueueDispatcherSweepsStaleClaims(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.NewFake(testNow)
	s := newTestStore(t)
	b := newTestBus(t, clk)

	id, err := s.Enqueue("alpha", "/s/alpha.yaml", "/w/alpha", nil, clk.Now())
	require.NoError(t, err)

	// A crashed dispatcher left the claim behind.
	claimed, err := s.ClaimNext(clk.Now())
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	clk.Advance(3 * cfg.SetupTimeout())

	runner := &setup.Fake{Result: setup.Result{SessionName: "proj-alpha", EstDuration: time.Hour}}
	d := NewQueueDispatcher(cfg, s, tmux.NewFakeDriver(), runner, b, clk)
	d.Tick(context.Background())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusProcessing, p.Status)

	// The old token must be dead after the sweep.
	err = s.PromoteClaim(id, claimed.ClaimToken, "proj-stale", time.Hour, clk.Now().Add(time.Hour), clk.Now())
	require.Error(t, err)
}
