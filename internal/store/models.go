package store

import (
	"encoding/json"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// projectModel represents the database row for the projects table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type projectModel struct {
	ID          int64
	Name        string
	SpecPath    string
	ProjectPath string
	Status      string

	SessionName  *string // nullable
	Dependencies *string // nullable, JSON encoded

	EstDurationSec int64

	ClaimToken *string // nullable
	ClaimedAt  *int64  // Unix timestamp, nullable

	EnqueuedAt  int64  // Unix timestamp
	StartedAt   *int64 // Unix timestamp, nullable
	CompletedAt *int64 // Unix timestamp, nullable

	HeartbeatAt         *int64 // Unix timestamp, nullable
	HeartbeatExtensions int
	TimeoutDeadline     *int64 // Unix timestamp, nullable

	RetryCount   int
	ErrorMessage string
}

// taskModel represents the database row for the tasks table.
type taskModel struct {
	ID              int64
	SessionName     string
	WindowIndex     int
	Payload         string
	ScheduledAt     int64 // Unix timestamp
	RetryCount      int
	MaxRetries      int
	IntervalMinutes int
	Disabled        bool
	LastError       string
	CreatedAt       int64 // Unix timestamp
}

func (m *projectModel) toDomain() *orchestrator.Project {
	p := &orchestrator.Project{
		ID:                  m.ID,
		Name:                m.Name,
		SpecPath:            m.SpecPath,
		ProjectPath:         m.ProjectPath,
		Status:              orchestrator.ProjectStatus(m.Status),
		EstDuration:         time.Duration(m.EstDurationSec) * time.Second,
		EnqueuedAt:          fromUnix(m.EnqueuedAt),
		StartedAt:           fromUnixPtr(m.StartedAt),
		CompletedAt:         fromUnixPtr(m.CompletedAt),
		HeartbeatAt:         fromUnixPtr(m.HeartbeatAt),
		HeartbeatExtensions: m.HeartbeatExtensions,
		TimeoutDeadline:     fromUnixPtr(m.TimeoutDeadline),
		ClaimedAt:           fromUnixPtr(m.ClaimedAt),
		RetryCount:          m.RetryCount,
		ErrorMessage:        m.ErrorMessage,
	}
	if m.SessionName != nil {
		p.SessionName = *m.SessionName
	}
	if m.ClaimToken != nil {
		p.ClaimToken = *m.ClaimToken
	}
	if m.Dependencies != nil && *m.Dependencies != "" {
		// Dependencies were validated at enqueue; a decode failure here
		// means external tampering, treated as no dependencies.
		_ = json.Unmarshal([]byte(*m.Dependencies), &p.Dependencies)
	}
	return p
}

func (m *taskModel) toDomain() orchestrator.Task {
	return orchestrator.Task{
		ID:              m.ID,
		SessionName:     m.SessionName,
		WindowIndex:     m.WindowIndex,
		Payload:         m.Payload,
		ScheduledAt:     fromUnix(m.ScheduledAt),
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		IntervalMinutes: m.IntervalMinutes,
		Disabled:        m.Disabled,
		LastError:       m.LastError,
		CreatedAt:       fromUnix(m.CreatedAt),
	}
}

// encodeDependencies renders a dependency list for storage. Empty lists
// store as NULL.
func encodeDependencies(deps []string) (*string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

// Canonical timestamp encoding at the store boundary: int64 seconds
// since epoch, UTC on the way out.

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func fromUnixPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := fromUnix(*sec)
	return &t
}

func toUnixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	sec := t.Unix()
	return &sec
}
