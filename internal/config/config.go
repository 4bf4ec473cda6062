// Package config provides configuration types and defaults for the
// orchestrator. Values are parsed once at boot and never mutated at
// runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Config holds all configuration options for the orchestrator daemon
// and CLI. Field names map one-for-one to YAML keys; environment
// variables override keys with upper-snake-case names (POLL_INTERVAL_SEC).
type Config struct {
	// Paths.
	DBPath      string `mapstructure:"db_path"`       // SQLite database file
	LockPath    string `mapstructure:"lock_path"`     // daemon lock file
	EventLogDir string `mapstructure:"event_log_dir"` // JSONL event log directory

	// Loop cadence.
	PollIntervalSec      int `mapstructure:"poll_interval_sec"`       // queue/task loop cadence
	StateSyncIntervalSec int `mapstructure:"state_sync_interval_sec"` // monitor/reconcile cadence

	// Queue limits.
	MaxConcurrent  int `mapstructure:"max_concurrent"`   // PROCESSING rows allowed at once
	MaxRetries     int `mapstructure:"max_retries"`      // project retry cap (setup failures, resets)
	MaxTaskRetries int `mapstructure:"max_task_retries"` // task delivery retry cap

	// Retry backoff: delay = base * multiplier^retry_count.
	BackoffBaseSec    int `mapstructure:"backoff_base_sec"`
	BackoffMultiplier int `mapstructure:"backoff_multiplier"`

	// Event bus.
	RateLimitPerMin int `mapstructure:"rate_limit_per_min"` // per-topic non-critical publish cap

	// Lock liveness.
	StaleLockThresholdSec int `mapstructure:"stale_lock_threshold_sec"`

	// Session health.
	PhantomGraceSec int     `mapstructure:"phantom_grace_sec"` // PROCESSING with no session tolerated this long
	OrphanGraceSec  int     `mapstructure:"orphan_grace_sec"`  // unknown sessions tolerated this long
	WatchdogFactor  float64 `mapstructure:"watchdog_factor"`   // hard deadline = est duration * factor

	// Heartbeat extension.
	HeartbeatMaxExtensions int `mapstructure:"heartbeat_max_extensions"`
	HeartbeatExtensionSec  int `mapstructure:"heartbeat_extension_sec"`

	// Session setup collaborator.
	SetupCommand    string `mapstructure:"setup_command"`
	SetupTimeoutSec int    `mapstructure:"setup_timeout_sec"`

	// Messenger.
	PromptPattern string `mapstructure:"prompt_pattern"` // shell-like pane detection
	SessionPrefix string `mapstructure:"session_prefix"` // canonical session name prefix

	// Completion detection.
	CompletionMarker string `mapstructure:"completion_marker"` // marker filename in project dir

	// Shutdown.
	ShutdownGraceSec int `mapstructure:"shutdown_grace_sec"`

	// Notifications.
	NotificationChannel string `mapstructure:"notification_channel"` // opaque label passed to the notifier
	NotifyCommand       string `mapstructure:"notify_command"`       // external notifier; empty logs only
}

// Defaults returns a Config populated with conservative defaults.
func Defaults() Config {
	return Config{
		DBPath:                 defaultStatePath("orchestrator.db"),
		LockPath:               defaultStatePath("daemon.lock"),
		EventLogDir:            filepath.Join("logs", "events"),
		PollIntervalSec:        10,
		StateSyncIntervalSec:   300,
		MaxConcurrent:          3,
		MaxRetries:             3,
		MaxTaskRetries:         5,
		BackoffBaseSec:         30,
		BackoffMultiplier:      2,
		RateLimitPerMin:        10,
		StaleLockThresholdSec:  180,
		PhantomGraceSec:        3600,
		OrphanGraceSec:         3600,
		WatchdogFactor:         2.0,
		HeartbeatMaxExtensions: 3,
		HeartbeatExtensionSec:  300,
		SetupTimeoutSec:        600,
		PromptPattern:          `[$#]\s*$`,
		SessionPrefix:          "proj",
		CompletionMarker:       "COMPLETED",
		ShutdownGraceSec:       10,
	}
}

// defaultStatePath returns ~/.tmux-orc/<name>, falling back to the
// working directory when the home dir is unavailable.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".tmux-orc", name)
}

// Validate checks the configuration for errors. Called once at boot;
// failures are fatal.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock_path is required")
	}
	if c.EventLogDir == "" {
		return fmt.Errorf("event_log_dir is required")
	}
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_sec must be positive, got %d", c.PollIntervalSec)
	}
	if c.StateSyncIntervalSec <= 0 {
		return fmt.Errorf("state_sync_interval_sec must be positive, got %d", c.StateSyncIntervalSec)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.MaxTaskRetries < 0 {
		return fmt.Errorf("max_task_retries must be non-negative, got %d", c.MaxTaskRetries)
	}
	if c.BackoffBaseSec <= 0 {
		return fmt.Errorf("backoff_base_sec must be positive, got %d", c.BackoffBaseSec)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %d", c.BackoffMultiplier)
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate_limit_per_min must be positive, got %d", c.RateLimitPerMin)
	}
	if c.StaleLockThresholdSec <= 0 {
		return fmt.Errorf("stale_lock_threshold_sec must be positive, got %d", c.StaleLockThresholdSec)
	}
	if c.PhantomGraceSec < 0 {
		return fmt.Errorf("phantom_grace_sec must be non-negative, got %d", c.PhantomGraceSec)
	}
	if c.OrphanGraceSec < 0 {
		return fmt.Errorf("orphan_grace_sec must be non-negative, got %d", c.OrphanGraceSec)
	}
	if c.WatchdogFactor < 1 {
		return fmt.Errorf("watchdog_factor must be >= 1, got %g", c.WatchdogFactor)
	}
	if c.HeartbeatMaxExtensions < 0 {
		return fmt.Errorf("heartbeat_max_extensions must be non-negative, got %d", c.HeartbeatMaxExtensions)
	}
	if c.HeartbeatExtensionSec <= 0 {
		return fmt.Errorf("heartbeat_extension_sec must be positive, got %d", c.HeartbeatExtensionSec)
	}
	if c.SetupTimeoutSec <= 0 {
		return fmt.Errorf("setup_timeout_sec must be positive, got %d", c.SetupTimeoutSec)
	}
	if c.ShutdownGraceSec <= 0 {
		return fmt.Errorf("shutdown_grace_sec must be positive, got %d", c.ShutdownGraceSec)
	}
	if c.SessionPrefix == "" {
		return fmt.Errorf("session_prefix is required")
	}
	if c.CompletionMarker == "" {
		return fmt.Errorf("completion_marker is required")
	}
	if _, err := regexp.Compile(c.PromptPattern); err != nil {
		return fmt.Errorf("prompt_pattern is not a valid regexp: %w", err)
	}
	return nil
}

// Duration accessors. Interval math downstream runs on time.Duration;
// the raw *Sec fields exist only for YAML/env parsing.

func (c Config) PollInterval() time.Duration       { return time.Duration(c.PollIntervalSec) * time.Second }
func (c Config) StateSyncInterval() time.Duration  { return time.Duration(c.StateSyncIntervalSec) * time.Second }
func (c Config) BackoffBase() time.Duration        { return time.Duration(c.BackoffBaseSec) * time.Second }
func (c Config) StaleLockThreshold() time.Duration { return time.Duration(c.StaleLockThresholdSec) * time.Second }
func (c Config) PhantomGrace() time.Duration       { return time.Duration(c.PhantomGraceSec) * time.Second }
func (c Config) OrphanGrace() time.Duration        { return time.Duration(c.OrphanGraceSec) * time.Second }
func (c Config) HeartbeatExtension() time.Duration { return time.Duration(c.HeartbeatExtensionSec) * time.Second }
func (c Config) SetupTimeout() time.Duration       { return time.Duration(c.SetupTimeoutSec) * time.Second }
func (c Config) ShutdownGrace() time.Duration      { return time.Duration(c.ShutdownGraceSec) * time.Second }

// HeartbeatInterval is the lock heartbeat cadence, one third of the
// stale threshold so a live daemon always refreshes well before a
// successor could consider its record stale.
func (c Config) HeartbeatInterval() time.Duration {
	return c.StaleLockThreshold() / 3
}

// HardDeadline computes the watchdog hard deadline for a project with
// the given estimated duration, starting from start.
func (c Config) HardDeadline(start time.Time, estDuration time.Duration) time.Time {
	return start.Add(time.Duration(float64(estDuration) * c.WatchdogFactor))
}

// PromptRegexp returns the compiled shell-prompt pattern. Validate must
// have succeeded first.
func (c Config) PromptRegexp() *regexp.Regexp {
	return regexp.MustCompile(c.PromptPattern)
}
