package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/bus"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/lockfile"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

var statusShowEvents bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and daemon liveness",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusShowEvents, "events", false, "also print today's event log")
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if statusShowEvents {
		return printEvents(cfg.EventLogDir)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	counts, err := s.CountByStatus()
	if err != nil {
		return fmt.Errorf("counting projects: %w", err)
	}

	for _, st := range []orchestrator.ProjectStatus{
		orchestrator.StatusQueued,
		orchestrator.StatusClaiming,
		orchestrator.StatusProcessing,
		orchestrator.StatusPaused,
		orchestrator.StatusCompleted,
		orchestrator.StatusFailed,
	} {
		fmt.Printf("%-12s %d\n", st, counts[st])
	}

	lock := lockfile.NewManager(cfg.LockPath, cfg.StaleLockThreshold(), sysClock)
	rec, err := lock.Holder()
	if err != nil {
		fmt.Println("daemon:      not running")
		return nil
	}
	age := sysClock.Now().Sub(time.Unix(rec.HeartbeatAt, 0)).Round(time.Second)
	fmt.Printf("daemon:      pid %d on %s, heartbeat %s ago\n", rec.PID, rec.Hostname, age)
	return nil
}

func printEvents(dir string) error {
	events, err := bus.ReadDay(dir, sysClock.Now())
	if err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}
	for _, ev := range events {
		payload, _ := json.Marshal(ev.Payload)
		fmt.Printf("%s %-8s %-24s %s\n",
			ev.TS.UTC().Format(time.RFC3339), ev.Severity, ev.Topic, payload)
	}
	return nil
}
