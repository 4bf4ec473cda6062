package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/monitor"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/recovery"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/tmux"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile queue state with live sessions once",
	Long: `Run the startup reconciliation without starting the daemon: sweep dead
claims, resume projects whose session survived, and fail projects whose
session is gone.`,
	RunE: runRecover,
}

var killOrphansCmd = &cobra.Command{
	Use:   "kill-orphans",
	Short: "Kill aged sessions no project owns",
	RunE:  runKillOrphans,
}

func init() {
	rootCmd.AddCommand(recoverCmd, killOrphansCmd)
}

func runRecover(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	sum, err := recovery.New(cfg, s, tmux.NewExecDriver(), b, sysClock).Run(context.Background())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	fmt.Printf("resumed %d, repaired %d, failed %d, swept %d\n",
		sum.Resumed, sum.Repaired, sum.Failed, sum.Swept)
	return nil
}

func runKillOrphans(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	mon := monitor.New(cfg, s, tmux.NewExecDriver(), b, sysClock)
	n, err := mon.KillOrphans(context.Background())
	if err != nil {
		return fmt.Errorf("killing orphans: %w", err)
	}
	fmt.Printf("killed %d orphan session(s)\n", n)
	return nil
}
