package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/store"
)

var resetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Return a failed project to the queue",
	Long: `Return a failed project to the queue for another attempt. Refused once
the project has exhausted its retry budget.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Suspend a queued or processing project",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Return a paused project to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resetCmd, pauseCmd, resumeCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, usage(fmt.Errorf("invalid project id %q", arg))
	}
	return id, nil
}

func runReset(_ *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.ResetFailed(id, cfg.MaxRetries); err != nil {
		return err
	}
	fmt.Printf("project %d queued\n", id)
	return nil
}

func runPause(_ *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	p, err := s.Get(id)
	if err != nil {
		return err
	}

	// A processing project keeps its session name while paused so a
	// resume can adopt the still-running session.
	switch p.Status {
	case orchestrator.StatusQueued, orchestrator.StatusProcessing:
		if err := s.Transition(id, p.Status, orchestrator.StatusPaused, store.Patch{}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("project %d is %s: %w", id, p.Status, orchestrator.ErrStateConflict)
	}

	fmt.Printf("project %d paused\n", id)
	return nil
}

func runResume(_ *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	// The session name, if any, is cleared so the dispatcher re-adopts
	// or re-runs setup; a paused row holding the name would violate the
	// one-session-per-live-project rule once a new claimant starts.
	if err := s.Transition(id, orchestrator.StatusPaused, orchestrator.StatusQueued, store.Patch{
		ClearSession:  true,
		ClearDeadline: true,
	}); err != nil {
		return err
	}
	fmt.Printf("project %d queued\n", id)
	return nil
}
