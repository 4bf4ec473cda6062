package tmux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// FakeDriver is an in-memory Driver for tests. It records keystrokes
// per pane and lets tests script pane contents and failures.
type FakeDriver struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession

	// Err, when set, is returned from every call. For scripting
	// transient outages.
	Err error
}

type fakeSession struct {
	created time.Time
	cwd     string
	// paneText is what CapturePane returns per window.
	paneText map[int]string
	// sent records every SendKeys payload per window, in order.
	sent map[int][]string
	// controls records SendControl keystrokes per window, in order.
	controls map[int][]string
}

var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver creates an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{sessions: make(map[string]*fakeSession)}
}

// AddSession registers a live session created at the given time.
func (d *FakeDriver) AddSession(name string, created time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[name] = &fakeSession{
		created:  created,
		paneText: make(map[int]string),
		sent:     make(map[int][]string),
		controls: make(map[int][]string),
	}
}

// SetPaneText scripts the text CapturePane returns for a pane.
func (d *FakeDriver) SetPaneText(name string, window int, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		s.paneText[window] = text
	}
}

// Sent returns the payloads delivered to a pane, in order.
func (d *FakeDriver) Sent(name string, window int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		out := make([]string, len(s.sent[window]))
		copy(out, s.sent[window])
		return out
	}
	return nil
}

// Controls returns the control keystrokes sent to a pane, in order.
func (d *FakeDriver) Controls(name string, window int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		out := make([]string, len(s.controls[window]))
		copy(out, s.controls[window])
		return out
	}
	return nil
}

func (d *FakeDriver) ListSessions(_ context.Context) ([]Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	var out []Session
	for name, s := range d.sessions {
		out = append(out, Session{Name: name, Created: s.created})
	}
	return out, nil
}

func (d *FakeDriver) HasSession(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return false, d.Err
	}
	_, ok := d.sessions[name]
	return ok, nil
}

func (d *FakeDriver) CreateSession(_ context.Context, name, cwd, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sessions[name] = &fakeSession{
		created:  time.Now(),
		cwd:      cwd,
		paneText: make(map[int]string),
		sent:     make(map[int][]string),
		controls: make(map[int][]string),
	}
	return nil
}

func (d *FakeDriver) KillSession(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	if _, ok := d.sessions[name]; !ok {
		return fmt.Errorf("session %q: %w", name, orchestrator.ErrNotFound)
	}
	delete(d.sessions, name)
	return nil
}

func (d *FakeDriver) SendKeys(_ context.Context, name string, window int, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	s, ok := d.sessions[name]
	if !ok {
		return fmt.Errorf("session %q: %w", name, orchestrator.ErrNotFound)
	}
	s.sent[window] = append(s.sent[window], text)
	return nil
}

func (d *FakeDriver) SendControl(_ context.Context, name string, window int, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	s, ok := d.sessions[name]
	if !ok {
		return fmt.Errorf("session %q: %w", name, orchestrator.ErrNotFound)
	}
	s.controls[window] = append(s.controls[window], key)
	return nil
}

func (d *FakeDriver) CapturePane(_ context.Context, name string, window int, _ int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return "", d.Err
	}
	s, ok := d.sessions[name]
	if !ok {
		return "", fmt.Errorf("session %q: %w", name, orchestrator.ErrNotFound)
	}
	return s.paneText[window], nil
}
