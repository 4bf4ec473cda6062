package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

var (
	scheduleSession  string
	scheduleWindow   int
	scheduleMessage  string
	scheduleIn       time.Duration
	scheduleEveryMin int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a message for an agent pane",
	Long: `Schedule a message the daemon will type into the target pane at the
given time. With --every the message repeats; without it the task is
one-shot.

Example:
  tmux-orc schedule --session proj-alpha --in 30m --message "status update please"
  tmux-orc schedule --session proj-alpha --every 60 --message "commit your work"`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().StringVar(&scheduleSession, "session", "", "target session name")
	scheduleCmd.Flags().IntVar(&scheduleWindow, "window", 0, "target window index")
	scheduleCmd.Flags().StringVar(&scheduleMessage, "message", "", "message to deliver")
	scheduleCmd.Flags().DurationVar(&scheduleIn, "in", 0, "delay before first delivery")
	scheduleCmd.Flags().IntVar(&scheduleEveryMin, "every", 0, "repeat interval in minutes (0 = one-shot)")
}

func runSchedule(_ *cobra.Command, _ []string) error {
	if scheduleSession == "" || scheduleMessage == "" {
		return usage(fmt.Errorf("both --session and --message are required"))
	}
	if scheduleIn < 0 || scheduleEveryMin < 0 {
		return usage(fmt.Errorf("--in and --every must be non-negative"))
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

	now := sysClock.Now()
	id, err := s.ScheduleTask(orchestrator.Task{
		SessionName:     scheduleSession,
		WindowIndex:     scheduleWindow,
		Payload:         scheduleMessage,
		ScheduledAt:     now.Add(scheduleIn),
		MaxRetries:      cfg.MaxTaskRetries,
		IntervalMinutes: scheduleEveryMin,
	}, now)
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	fmt.Println(id)
	return nil
}
