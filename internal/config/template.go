package config

// DefaultConfigTemplate is written by `tmux-orc config init`. It mirrors
// Defaults() with every key commented out so the file documents itself.
const DefaultConfigTemplate = `# tmux-orc configuration.
# Every key can be overridden by an upper-snake-case environment
# variable, e.g. POLL_INTERVAL_SEC=5.

# Paths.
# db_path: ~/.tmux-orc/orchestrator.db
# lock_path: ~/.tmux-orc/daemon.lock
# event_log_dir: logs/events

# Loop cadence (seconds).
# poll_interval_sec: 10
# state_sync_interval_sec: 300

# Queue limits.
# max_concurrent: 3
# max_retries: 3
# max_task_retries: 5

# Task retry backoff: delay = backoff_base_sec * backoff_multiplier^retry_count.
# backoff_base_sec: 30
# backoff_multiplier: 2

# Event bus: per-topic non-critical publishes per minute.
# rate_limit_per_min: 10

# Daemon lock: heartbeat records older than this are eligible for takeover.
# stale_lock_threshold_sec: 180

# Session health.
# phantom_grace_sec: 3600
# orphan_grace_sec: 3600
# watchdog_factor: 2.0

# Heartbeat deadline extension.
# heartbeat_max_extensions: 3
# heartbeat_extension_sec: 300

# Session setup collaborator. The command receives the spec path and
# project path as arguments and must print a JSON object
# {"session_name": ..., "est_duration_sec": ...} on success.
# setup_command: ""
# setup_timeout_sec: 600

# Messenger: a pane whose last line matches this pattern is treated as
# an idle shell, not a live agent.
# prompt_pattern: '[$#]\s*$'
# session_prefix: proj

# A file with this name appearing in a project's working directory marks
# the project completed.
# completion_marker: COMPLETED

# Graceful shutdown window before loops are forced down.
# shutdown_grace_sec: 10

# Notifications. notify_command receives severity, subject, and channel
# as arguments and the body on stdin; leave empty to log only.
# notification_channel: ""
# notify_command: ""
`
