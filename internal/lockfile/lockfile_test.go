package lockfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

func testManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.lock")
	return NewManager(path, 3*time.Minute, clk)
}

func TestAcquire_WritesRecord(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := testManager(t, clk)

	require.NoError(t, m.Acquire())
	defer func() { require.NoError(t, m.Release()) }()

	rec, err := m.Holder()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
	require.Equal(t, start.Unix(), rec.AcquiredAt)
	require.Equal(t, start.Unix(), rec.HeartbeatAt)

	hostname, _ := os.Hostname()
	require.Equal(t, hostname, rec.Hostname)
	require.False(t, m.TookOver())
}

func TestAcquire_TakesOverDeadHolder(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := testManager(t, clk)

	// A predecessor that died without releasing: the kernel dropped its
	// lock but the sidecar survived.
	hostname, _ := os.Hostname()
	dead := Record{
		PID:         1 << 22, // beyond any real pid table
		Hostname:    hostname,
		AcquiredAt:  start.Add(-time.Hour).Unix(),
		HeartbeatAt: start.Add(-time.Hour).Unix(),
	}
	raw, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.sidecarPath(), raw, 0600))

	require.NoError(t, m.Acquire())
	defer func() { require.NoError(t, m.Release()) }()
	require.True(t, m.TookOver())

	rec, err := m.Holder()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
}

func TestAcquire_SecondManagerFails(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m1 := testManager(t, clk)
	require.NoError(t, m1.Acquire())
	defer func() { _ = m1.Release() }()

	m2 := NewManager(m1.path, 3*time.Minute, clk)
	err := m2.Acquire()
	require.ErrorIs(t, err, orchestrator.ErrLockHeld)
}

func TestAcquire_FreshRecordFromLivePIDBlocks(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m1 := testManager(t, clk)
	require.NoError(t, m1.Acquire())
	defer func() { _ = m1.Release() }()

	// A contender on the same path: the record is fresh and the pid
	// (this test process) is alive, so no takeover.
	m2 := NewManager(m1.path, 3*time.Minute, clk)
	err := m2.Acquire()
	require.ErrorIs(t, err, orchestrator.ErrLockHeld)
	require.False(t, m2.isStale(m1.acquired))
}

func TestIsStale(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := testManager(t, clk)
	hostname, _ := os.Hostname()

	deadPID := findDeadPID(t)

	fresh := Record{PID: deadPID, Hostname: hostname, HeartbeatAt: start.Unix()}
	require.False(t, m.isStale(fresh), "fresh heartbeat is never stale")

	clk.Advance(10 * time.Minute)
	require.True(t, m.isStale(fresh), "old heartbeat from a dead pid is stale")

	alive := Record{PID: os.Getpid(), Hostname: hostname, HeartbeatAt: start.Unix()}
	require.False(t, m.isStale(alive), "live pid blocks takeover even when old")

	remote := Record{PID: deadPID, Hostname: "other-host", HeartbeatAt: start.Unix()}
	require.False(t, m.isStale(remote), "remote liveness cannot be proven")
}

func TestHeartbeat_RefreshesRecord(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	m := testManager(t, clk)

	require.NoError(t, m.Acquire())
	defer func() { _ = m.Release() }()

	clk.Advance(time.Minute)
	require.NoError(t, m.Heartbeat())

	rec, err := m.Holder()
	require.NoError(t, err)
	require.Equal(t, start.Unix(), rec.AcquiredAt, "acquired_at is preserved")
	require.Equal(t, start.Add(time.Minute).Unix(), rec.HeartbeatAt)
}

func TestHeartbeat_WithoutLock(t *testing.T) {
	m := testManager(t, clock.NewFake(time.Now()))
	require.Error(t, m.Heartbeat())
}

func TestRunHeartbeat_StopsOnCancel(t *testing.T) {
	clk := clock.New()
	m := testManager(t, clk)
	require.NoError(t, m.Acquire())
	defer func() { _ = m.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunHeartbeat(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestRelease_RemovesSidecarAndFreesLock(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := testManager(t, clk)
	require.NoError(t, m.Acquire())
	require.NoError(t, m.Release())

	_, err := os.Stat(m.sidecarPath())
	require.True(t, os.IsNotExist(err))

	// A successor acquires immediately.
	m2 := NewManager(m.path, 3*time.Minute, clk)
	require.NoError(t, m2.Acquire())
	require.NoError(t, m2.Release())
}

func TestRelease_WithoutAcquireIsSafe(t *testing.T) {
	m := testManager(t, clock.NewFake(time.Now()))
	require.NoError(t, m.Release())
}

func TestWriteRecord_Atomic(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := testManager(t, clk)
	require.NoError(t, m.Acquire())
	defer func() { _ = m.Release() }()

	// The record on disk parses cleanly and no temp file remains.
	raw, err := os.ReadFile(m.sidecarPath())
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))

	_, err = os.Stat(m.sidecarPath() + ".tmp")
	require.True(t, os.IsNotExist(err))
}

// findDeadPID returns a pid that is very unlikely to be running.
func findDeadPID(t *testing.T) int {
	t.Helper()
	for pid := 99999; pid > 90000; pid-- {
		if !isProcessAlive(pid) {
			return pid
		}
	}
	t.Fatal("no dead pid found")
	return 0
}
