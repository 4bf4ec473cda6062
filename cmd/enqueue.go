package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/specfile"
)

var (
	enqueueSpecPath    string
	enqueueProjectPath string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a project to the queue",
	Long: `Add a project to the durable queue. The spec file names the project
and its dependencies; the daemon dispatches it once capacity allows and
every dependency has completed.`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueSpecPath, "spec", "", "path to the project spec file")
	enqueueCmd.Flags().StringVar(&enqueueProjectPath, "project", "", "path to the project directory")
}

func runEnqueue(_ *cobra.Command, _ []string) error {
	if enqueueSpecPath == "" || enqueueProjectPath == "" {
		return usage(fmt.Errorf("both --spec and --project are required"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	specPath, err := filepath.Abs(enqueueSpecPath)
	if err != nil {
		return fmt.Errorf("resolving spec path: %w", err)
	}
	projectPath, err := filepath.Abs(enqueueProjectPath)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	spec, err := specfile.Load(specPath)
	if err != nil {
		return fmt.Errorf("reading spec: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	id, err := s.Enqueue(spec.Name, specPath, projectPath, spec.Dependencies, sysClock.Now())
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", spec.Name, err)
	}

	fmt.Println(id)
	return nil
}
