// Package lockfile enforces single-writer semantics for the daemon: an
// advisory file lock with a JSON sidecar recording the holder, a
// heartbeat keeping the record fresh, and stale-lock takeover when a
// predecessor died without releasing.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// Record is the sidecar contents proving who holds the lock and that
// they are alive. Timestamps are Unix seconds.
type Record struct {
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname"`
	AcquiredAt  int64  `json:"acquired_at"`
	HeartbeatAt int64  `json:"heartbeat_at"`
}

// Manager owns the daemon lock for the life of the process.
type Manager struct {
	path           string
	staleThreshold time.Duration
	clock          clock.Clock

	fl       *flock.Flock
	acquired Record
	tookOver bool
}

// NewManager creates a lock manager for the lock file at path. The
// sidecar record lives at path + ".json".
func NewManager(path string, staleThreshold time.Duration, clk clock.Clock) *Manager {
	return &Manager{
		path:           path,
		staleThreshold: staleThreshold,
		clock:          clk,
	}
}

func (m *Manager) sidecarPath() string {
	return m.path + ".json"
}

// Acquire attempts to take the exclusive daemon lock without waiting.
// On contention it reads the sidecar: a record whose heartbeat is older
// than the stale threshold and whose pid is provably dead on this host
// permits takeover; anything else fails with ErrLockHeld.
//
// The kernel releases the advisory lock on process death, so a dead
// predecessor usually does not contend at all; the sidecar check covers
// the hung-but-alive holder and records the takeover for operators.
func (m *Manager) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(m.path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", m.path, err)
	}

	if locked {
		// A leftover sidecar means the predecessor died without
		// releasing; the kernel already dropped its lock.
		if prev, readErr := m.readRecord(); readErr == nil && prev.PID != os.Getpid() {
			log.Warn(log.CatLock, "stale lock takeover",
				"pid", prev.PID, "heartbeat_age_sec",
				m.clock.Now().Unix()-prev.HeartbeatAt)
			m.tookOver = true
		}
	} else {
		prev, readErr := m.readRecord()
		if readErr != nil {
			return fmt.Errorf("lock %s: %w", m.path, orchestrator.ErrLockHeld)
		}
		if !m.isStale(prev) {
			return fmt.Errorf("lock %s held by pid %d on %s: %w",
				m.path, prev.PID, prev.Hostname, orchestrator.ErrLockHeld)
		}

		// Stale record and dead holder: the advisory lock should have
		// been released by the kernel; one more attempt settles it.
		log.Warn(log.CatLock, "stale lock takeover",
			"pid", prev.PID, "heartbeat_age_sec",
			m.clock.Now().Unix()-prev.HeartbeatAt)
		locked, err = fl.TryLock()
		if err != nil {
			return fmt.Errorf("locking %s after stale takeover: %w", m.path, err)
		}
		if !locked {
			return fmt.Errorf("lock %s: %w", m.path, orchestrator.ErrLockHeld)
		}
		m.tookOver = true
	}

	now := m.clock.Now()
	hostname, _ := os.Hostname()
	rec := Record{
		PID:         os.Getpid(),
		Hostname:    hostname,
		AcquiredAt:  now.Unix(),
		HeartbeatAt: now.Unix(),
	}
	if err := m.writeRecord(rec); err != nil {
		_ = fl.Unlock()
		return err
	}

	m.fl = fl
	m.acquired = rec
	log.Info(log.CatLock, "lock acquired", "path", m.path, "pid", rec.PID)
	return nil
}

// isStale reports whether the previous record permits takeover: the
// heartbeat aged past the threshold and the pid is provably dead on
// this host. A record from another host is never considered stale
// because liveness cannot be proven remotely.
func (m *Manager) isStale(prev Record) bool {
	age := m.clock.Now().Unix() - prev.HeartbeatAt
	if age <= int64(m.staleThreshold.Seconds()) {
		return false
	}
	hostname, _ := os.Hostname()
	if prev.Hostname != hostname {
		return false
	}
	return !isProcessAlive(prev.PID)
}

// Heartbeat refreshes the sidecar heartbeat timestamp.
func (m *Manager) Heartbeat() error {
	if m.fl == nil {
		return fmt.Errorf("heartbeat without lock held")
	}
	rec := m.acquired
	rec.HeartbeatAt = m.clock.Now().Unix()
	if err := m.writeRecord(rec); err != nil {
		return err
	}
	m.acquired = rec
	return nil
}

// RunHeartbeat refreshes the heartbeat every interval until ctx is
// cancelled. Refresh failures are logged and retried next tick; the
// advisory lock itself stays valid regardless.
func (m *Manager) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.Heartbeat(); err != nil {
				log.ErrorErr(log.CatLock, "heartbeat refresh failed", err)
			}
		}
	}
}

// Release drops the lock and removes the sidecar. Safe to call when
// the lock was never acquired.
func (m *Manager) Release() error {
	if m.fl == nil {
		return nil
	}
	_ = os.Remove(m.sidecarPath())
	err := m.fl.Unlock()
	m.fl = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", m.path, err)
	}
	log.Info(log.CatLock, "lock released", "path", m.path)
	return nil
}

// TookOver reports whether Acquire displaced a dead predecessor's
// record rather than starting clean.
func (m *Manager) TookOver() bool {
	return m.tookOver
}

// Holder returns the current sidecar record, if any. Used by status
// tooling; does not require holding the lock.
func (m *Manager) Holder() (Record, error) {
	return m.readRecord()
}

func (m *Manager) readRecord() (Record, error) {
	raw, err := os.ReadFile(m.sidecarPath())
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing lock record: %w", err)
	}
	return rec, nil
}

// writeRecord writes the sidecar atomically (write-then-rename) so a
// reader never observes a torn record.
func (m *Manager) writeRecord(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	tmp := m.sidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("writing lock record: %w", err)
	}
	if err := os.Rename(tmp, m.sidecarPath()); err != nil {
		return fmt.Errorf("publishing lock record: %w", err)
	}
	return nil
}
