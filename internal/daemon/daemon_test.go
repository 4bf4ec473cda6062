package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/lockfile"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/notify"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/setup"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRuntime(t *testing.T, lockPath string, clk clock.Clock) Runtime {
	t.Helper()
	cfg := config.Defaults()
	cfg.PollIntervalSec = 1
	cfg.StateSyncIntervalSec = 1
	cfg.ShutdownGraceSec = 2

	db, err := store.NewDB(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })

	b, err := bus.New(t.TempDir(), 1000, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return Runtime{
		Config:   cfg,
		Clock:    clk,
		Store:    s,
		Lock:     lockfile.NewManager(lockPath, cfg.StaleLockThreshold(), clk),
		Bus:      b,
		Driver:   tmux.NewFakeDriver(),
		Setup:    &setup.Fake{Result: setup.Result{SessionName: "proj-alpha", EstDuration: time.Hour}},
		Notifier: notify.LogNotifier{},
	}
}

func TestDaemonRefusesHeldLock(t *testing.T) {
	clk := clock.NewFake(testNow)
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	rt := newRuntime(t, lockPath, clk)
	require.NoError(t, rt.Lock.Acquire())
	t.Cleanup(func() { _ = rt.Lock.Release() })

	other := newRuntime(t, lockPath, clk)
	err := New(other).Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrLockHeld)
}

func TestDaemonDispatchesAndShutsDown(t *testing.T) {
	clk := clock.NewFake(testNow)
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")
	rt := newRuntime(t, lockPath, clk)

	id, err := rt.Store.Enqueue("alpha", "/s/alpha.yaml", t.TempDir(), nil, clk.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(rt).Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		p, err := rt.Store.Get(id)
		return err == nil && p.Status == orchestrator.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond, "queue dispatch never ran")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	// The lock must be free for the next daemon.
	next := newRuntime(t, lockPath, clk)
	require.NoError(t, next.Lock.Acquire())
	require.NoError(t, next.Lock.Release())
}

func TestEventProjectID(t *testing.T) {
	for _, tc := range []struct {
		payload map[string]any
		want    int64
		ok      bool
	}{
		{map[string]any{"id": int64(7)}, 7, true},
		{map[string]any{"id": 7}, 7, true},
		{map[string]any{"id": float64(7)}, 7, true},
		{map[string]any{"id": "7"}, 0, false},
		{map[string]any{}, 0, false},
	} {
		got, ok := eventProjectID(bus.Event{Payload: tc.payload})
		require.Equal(t, tc.ok, ok)
		if ok {
			require.Equal(t, tc.want, got)
		}
	}
}
