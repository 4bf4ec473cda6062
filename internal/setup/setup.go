// Package setup invokes the external project-setup collaborator: the
// wizard that provisions a working tree, creates the agent session, and
// reports its name and estimated duration back to the scheduler.
package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// Result is what a successful setup hands back to the dispatcher.
type Result struct {
	SessionName string        `json:"session_name"`
	EstDuration time.Duration `json:"-"`

	// EstDurationSec is the wire field; EstDuration is derived from it.
	EstDurationSec int64 `json:"est_duration_sec"`
}

// Runner is the collaborator interface the queue dispatcher consumes.
type Runner interface {
	// Setup provisions a session for the project. The context carries
	// the setup deadline; an expired deadline is a transient failure.
	Setup(ctx context.Context, specPath, projectPath string) (Result, error)
}

// ExecRunner shells out to an external setup command. The command
// receives the spec path and project path as arguments and must print a
// JSON object {"session_name": ..., "est_duration_sec": ...} as its
// last line of stdout.
type ExecRunner struct {
	Command string
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner for the configured setup command.
func NewExecRunner(command string) *ExecRunner {
	return &ExecRunner{Command: command}
}

func (r *ExecRunner) Setup(ctx context.Context, specPath, projectPath string) (Result, error) {
	if r.Command == "" {
		return Result{}, fmt.Errorf("setup_command is not configured")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command, specPath, projectPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info(log.CatQueue, "running setup", "spec", specPath, "project", projectPath)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, orchestrator.Transient(fmt.Errorf("setup timed out: %w", ctx.Err()))
		}
		return Result{}, orchestrator.Transient(fmt.Errorf("setup failed: %w (%s)",
			err, strings.TrimSpace(stderr.String())))
	}

	return ParseResult(stdout.String())
}

// ParseResult extracts the setup result from the command's stdout. Only
// the last non-empty line is considered, so the collaborator is free to
// print progress above it.
func ParseResult(output string) (Result, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			last = l
			break
		}
	}
	if last == "" {
		return Result{}, fmt.Errorf("setup produced no output")
	}

	var res Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return Result{}, fmt.Errorf("parsing setup output %q: %w", last, err)
	}
	if res.SessionName == "" {
		return Result{}, fmt.Errorf("setup output missing session_name")
	}
	if res.EstDurationSec <= 0 {
		return Result{}, fmt.Errorf("setup output missing est_duration_sec")
	}
	res.EstDuration = time.Duration(res.EstDurationSec) * time.Second
	return res, nil
}

// Fake is a scripted Runner for tests.
type Fake struct {
	Result Result
	Err    error
	// Calls records every (specPath, projectPath) pair, in order.
	Calls [][2]string
}

var _ Runner = (*Fake)(nil)

func (f *Fake) Setup(_ context.Context, specPath, projectPath string) (Result, error) {
	f.Calls = append(f.Calls, [2]string{specPath, projectPath})
	if f.Err != nil {
		return Result{}, f.Err
	}
	return f.Result, nil
}
