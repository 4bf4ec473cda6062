package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// defaultCallTimeout bounds every tmux invocation so a wedged server
// cannot stall a scheduler loop.
const defaultCallTimeout = 10 * time.Second

// ExecDriver drives tmux through its command-line interface.
type ExecDriver struct {
	// Binary is the tmux executable, "tmux" by default.
	Binary string
	// CallTimeout overrides the per-call deadline when positive.
	CallTimeout time.Duration
}

var _ Driver = (*ExecDriver)(nil)

// NewExecDriver creates a driver for the tmux binary on PATH.
func NewExecDriver() *ExecDriver {
	return &ExecDriver{Binary: "tmux"}
}

func (d *ExecDriver) run(ctx context.Context, args ...string) (string, error) {
	timeout := d.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := d.Binary
	if binary == "" {
		binary = "tmux"
	}

	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	text := strings.TrimRight(string(out), "\n")
	if err != nil {
		log.Debug(log.CatTmux, "tmux command failed",
			"args", strings.Join(args, " "), "output", text)
		return text, classifyError(err, text)
	}
	return text, nil
}

// classifyError maps tmux failures onto the scheduler's error kinds.
// "can't find session" and friends are NotFound; everything else is
// transient because the tmux server may simply be restarting.
func classifyError(err error, output string) error {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "can't find session") ||
		strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "no server running") {
		return fmt.Errorf("%s: %w", output, orchestrator.ErrNotFound)
	}
	return orchestrator.Transient(fmt.Errorf("tmux: %w (%s)", err, output))
}

func target(name string, window int) string {
	return fmt.Sprintf("%s:%d", name, window)
}

func (d *ExecDriver) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_created}")
	if err != nil {
		// No server means no sessions, not a failure.
		if strings.Contains(strings.ToLower(out), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		name, createdRaw, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		created, err := strconv.ParseInt(createdRaw, 10, 64)
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{Name: name, Created: time.Unix(created, 0)})
	}
	return sessions, nil
}

func (d *ExecDriver) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := d.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if orchestrator.IsTransient(err) {
		return false, err
	}
	return false, nil
}

func (d *ExecDriver) CreateSession(ctx context.Context, name, cwd, initialCommand string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if initialCommand != "" {
		args = append(args, initialCommand)
	}
	_, err := d.run(ctx, args...)
	return err
}

func (d *ExecDriver) KillSession(ctx context.Context, name string) error {
	_, err := d.run(ctx, "kill-session", "-t", "="+name)
	return err
}

func (d *ExecDriver) SendKeys(ctx context.Context, name string, window int, text string) error {
	// Literal text first, Enter as its own keystroke: tmux would
	// otherwise interpret key names embedded in the payload.
	if _, err := d.run(ctx, "send-keys", "-t", target(name, window), "-l", text); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "-t", target(name, window), "Enter")
	return err
}

func (d *ExecDriver) SendControl(ctx context.Context, name string, window int, key string) error {
	_, err := d.run(ctx, "send-keys", "-t", target(name, window), key)
	return err
}

func (d *ExecDriver) CapturePane(ctx context.Context, name string, window int, maxLines int) (string, error) {
	return d.run(ctx, "capture-pane", "-p",
		"-t", target(name, window),
		"-S", fmt.Sprintf("-%d", maxLines))
}
