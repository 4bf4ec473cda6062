// Package cmd wires the tmux-orc command tree.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/config"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tmux-orc",
	Short: "Schedule AI agent projects across tmux sessions",
	Long: `tmux-orc runs a persistent daemon that dispatches queued projects into
tmux sessions, delivers scheduled messages to agent panes, and keeps
the durable queue consistent with the sessions that actually exist.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./orchestrator_config.yaml, ~/.config/tmux-orc/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also TMUX_ORC_DEBUG)")

	// Flag misuse is a usage error, not a runtime failure.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usage(err)
	})
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("lock_path", defaults.LockPath)
	viper.SetDefault("event_log_dir", defaults.EventLogDir)
	viper.SetDefault("poll_interval_sec", defaults.PollIntervalSec)
	viper.SetDefault("state_sync_interval_sec", defaults.StateSyncIntervalSec)
	viper.SetDefault("max_concurrent", defaults.MaxConcurrent)
	viper.SetDefault("max_retries", defaults.MaxRetries)
	viper.SetDefault("max_task_retries", defaults.MaxTaskRetries)
	viper.SetDefault("backoff_base_sec", defaults.BackoffBaseSec)
	viper.SetDefault("backoff_multiplier", defaults.BackoffMultiplier)
	viper.SetDefault("rate_limit_per_min", defaults.RateLimitPerMin)
	viper.SetDefault("stale_lock_threshold_sec", defaults.StaleLockThresholdSec)
	viper.SetDefault("phantom_grace_sec", defaults.PhantomGraceSec)
	viper.SetDefault("orphan_grace_sec", defaults.OrphanGraceSec)
	viper.SetDefault("watchdog_factor", defaults.WatchdogFactor)
	viper.SetDefault("heartbeat_max_extensions", defaults.HeartbeatMaxExtensions)
	viper.SetDefault("heartbeat_extension_sec", defaults.HeartbeatExtensionSec)
	viper.SetDefault("setup_command", defaults.SetupCommand)
	viper.SetDefault("setup_timeout_sec", defaults.SetupTimeoutSec)
	viper.SetDefault("prompt_pattern", defaults.PromptPattern)
	viper.SetDefault("session_prefix", defaults.SessionPrefix)
	viper.SetDefault("completion_marker", defaults.CompletionMarker)
	viper.SetDefault("shutdown_grace_sec", defaults.ShutdownGraceSec)
	viper.SetDefault("notification_channel", defaults.NotificationChannel)
	viper.SetDefault("notify_command", defaults.NotifyCommand)

	// Environment variables override config keys one-for-one with
	// upper-snake-case names (POLL_INTERVAL_SEC, MAX_TASK_RETRIES, ...).
	viper.AutomaticEnv()

	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case os.Getenv("ORCHESTRATOR_CONFIG") != "":
		viper.SetConfigFile(os.Getenv("ORCHESTRATOR_CONFIG"))
	default:
		// Config lookup order:
		// 1. ./orchestrator_config.yaml (current directory)
		// 2. ~/.config/tmux-orc/config.yaml (user config)
		if _, err := os.Stat("orchestrator_config.yaml"); err == nil {
			viper.SetConfigFile("orchestrator_config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tmux-orc"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine: defaults plus environment apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)

	if debugFlag || os.Getenv("TMUX_ORC_DEBUG") != "" {
		logPath := os.Getenv("TMUX_ORC_LOG")
		if logPath == "" {
			logPath = "debug.log"
		}
		if _, err := log.Init(logPath); err != nil {
			fmt.Fprintf(os.Stderr, "initializing logging: %v\n", err)
		}
	}
}

// loadConfig validates the merged configuration. Commands call it
// first; a bad config is fatal before any state is touched.
func loadConfig() (config.Config, error) {
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the durable queue for a one-shot CLI command.
func openStore(cfg config.Config) (*store.Store, error) {
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	return store.New(db), nil
}

var sysClock = clock.New()

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
