package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/daemon"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/lockfile"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/notify"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/setup"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler in the foreground: queue dispatch, task delivery,
session reconciliation, and deadline enforcement. Exactly one daemon
runs per lock file; a second invocation exits with the lock-held code.

Example:
  tmux-orc daemon
  tmux-orc --config prod.yaml daemon`,
	RunE: runDaemonCmd,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonCmd(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.SetupCommand == "" {
		return fmt.Errorf("setup_command must be configured for the daemon")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	b, err := bus.New(cfg.EventLogDir, cfg.RateLimitPerMin, sysClock)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer func() { _ = b.Close() }()

	rt := daemon.Runtime{
		Config:   cfg,
		Clock:    sysClock,
		Store:    s,
		Lock:     lockfile.NewManager(cfg.LockPath, cfg.StaleLockThreshold(), sysClock),
		Bus:      b,
		Driver:   tmux.NewExecDriver(),
		Setup:    setup.NewExecRunner(cfg.SetupCommand),
		Notifier: notify.ForConfig(cfg.NotifyCommand),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
		cancel()
	}()

	fmt.Println("daemon started")
	if err := daemon.New(rt).Run(ctx); err != nil {
		return err
	}
	fmt.Println("daemon stopped")
	return nil
}
