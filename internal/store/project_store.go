package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

// projectColumns is the list of columns to select for project queries.
const projectColumns = `id, name, spec_path, project_path, status, session_name, dependencies,
	est_duration_sec, claim_token, claimed_at, enqueued_at, started_at, completed_at,
	heartbeat_at, heartbeat_extensions, timeout_deadline, retry_count, error_message`

// Store provides durable project and task queues over SQLite.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanProject scans a row into a projectModel.
func scanProject(scanner interface{ Scan(...any) error }) (*projectModel, error) {
	var m projectModel
	err := scanner.Scan(
		&m.ID, &m.Name, &m.SpecPath, &m.ProjectPath, &m.Status,
		&m.SessionName, &m.Dependencies, &m.EstDurationSec,
		&m.ClaimToken, &m.ClaimedAt,
		&m.EnqueuedAt, &m.StartedAt, &m.CompletedAt,
		&m.HeartbeatAt, &m.HeartbeatExtensions, &m.TimeoutDeadline,
		&m.RetryCount, &m.ErrorMessage,
	)
	return &m, err
}

// Enqueue inserts a new queued project and returns its id.
func (s *Store) Enqueue(name, specPath, projectPath string, deps []string, now time.Time) (int64, error) {
	encoded, err := encodeDependencies(deps)
	if err != nil {
		return 0, fmt.Errorf("encoding dependencies: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT INTO projects (name, spec_path, project_path, status, dependencies, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, specPath, projectPath, orchestrator.StatusQueued.String(), encoded, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert project: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	log.Info(log.CatQueue, "project enqueued", "id", id, "spec", specPath)
	return id, nil
}

// Get retrieves a project by id. Returns ErrNotFound when missing.
func (s *Store) Get(id int64) (*orchestrator.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	m, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, orchestrator.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return m.toDomain(), nil
}

// List returns all projects ordered by id.
func (s *Store) List() ([]orchestrator.Project, error) {
	return s.queryProjects(`SELECT ` + projectColumns + ` FROM projects ORDER BY id`)
}

// ListByStatus returns projects in any of the given states, oldest first.
func (s *Store) ListByStatus(statuses ...orchestrator.ProjectStatus) ([]orchestrator.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st.String()
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE status IN (` + placeholders + `) ORDER BY enqueued_at, id`
	return s.queryProjects(query, args...)
}

func (s *Store) queryProjects(query string, args ...any) ([]orchestrator.Project, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []orchestrator.Project
	for rows.Next() {
		m, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *m.toDomain())
	}
	return projects, rows.Err()
}

// ProcessingCount returns the number of projects currently processing.
func (s *Store) ProcessingCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM projects WHERE status = ?`,
		orchestrator.StatusProcessing.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processing projects: %w", err)
	}
	return n, nil
}

// CountByStatus returns a count of projects per state.
func (s *Store) CountByStatus() (map[orchestrator.ProjectStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[orchestrator.ProjectStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[orchestrator.ProjectStatus(status)] = n
	}
	return counts, rows.Err()
}

// ActiveSessions returns the projects holding a session name in a
// non-settled state, keyed by session name.
func (s *Store) ActiveSessions() (map[string]orchestrator.Project, error) {
	projects, err := s.queryProjects(
		`SELECT `+projectColumns+` FROM projects
		 WHERE session_name IS NOT NULL AND status IN (?, ?)`,
		orchestrator.StatusProcessing.String(), orchestrator.StatusPaused.String(),
	)
	if err != nil {
		return nil, err
	}
	out := make(map[string]orchestrator.Project, len(projects))
	for _, p := range projects {
		out[p.SessionName] = p
	}
	return out, nil
}

// NullSessionProcessing returns processing rows missing a session name.
func (s *Store) NullSessionProcessing() ([]orchestrator.Project, error) {
	return s.queryProjects(
		`SELECT `+projectColumns+` FROM projects
		 WHERE status = ? AND session_name IS NULL ORDER BY id`,
		orchestrator.StatusProcessing.String(),
	)
}

// ClaimNext atomically selects the oldest queued project whose
// dependencies have all completed and tags it with a claiming intent.
// Returns nil when nothing is eligible. The returned claim token fences
// promotion: a claim swept back to queued cannot be promoted late.
func (s *Store) ClaimNext(now time.Time) (*orchestrator.Project, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Materialize candidates before the per-candidate dependency checks;
	// the single-connection pool cannot nest queries inside open rows.
	candidates, err := queryTxProjects(tx,
		`SELECT `+projectColumns+` FROM projects WHERE status = ? ORDER BY enqueued_at, id`,
		orchestrator.StatusQueued.String(),
	)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		p := &candidates[i]

		ok, err := dependenciesSatisfied(tx, p.Dependencies)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		token := uuid.New().String()
		result, err := tx.Exec(
			`UPDATE projects SET status = ?, claim_token = ?, claimed_at = ?
			 WHERE id = ? AND status = ?`,
			orchestrator.StatusClaiming.String(), token, now.Unix(),
			p.ID, orchestrator.StatusQueued.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim project %d: %w", p.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // raced away, try the next candidate
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}

		p.Status = orchestrator.StatusClaiming
		p.ClaimToken = token
		claimed := now
		p.ClaimedAt = &claimed
		log.Debug(log.CatQueue, "project claimed", "id", p.ID, "token", token)
		return p, nil
	}

	return nil, nil
}

func queryTxProjects(tx *sql.Tx, query string, args ...any) ([]orchestrator.Project, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []orchestrator.Project
	for rows.Next() {
		m, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *m.toDomain())
	}
	return projects, rows.Err()
}

// dependenciesSatisfied reports whether every named dependency has a
// completed project row. Unknown names count as unsatisfied.
func dependenciesSatisfied(tx *sql.Tx, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(deps)), ", ")
	args := make([]any, 0, len(deps)+1)
	for _, d := range deps {
		args = append(args, d)
	}
	args = append(args, orchestrator.StatusCompleted.String())

	var n int
	err := tx.QueryRow(
		`SELECT COUNT(DISTINCT name) FROM projects WHERE name IN (`+placeholders+`) AND status = ?`,
		args...,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return n == len(deps), nil
}

// PromoteClaim moves a claimed project to processing with its session
// name, start time, and watchdog deadline. The token must match the
// claim made by ClaimNext.
func (s *Store) PromoteClaim(id int64, token, sessionName string, estDuration time.Duration, deadline, now time.Time) error {
	result, err := s.db.Exec(
		`UPDATE projects SET status = ?, session_name = ?, est_duration_sec = ?,
			started_at = ?, heartbeat_at = ?, timeout_deadline = ?,
			claim_token = NULL, claimed_at = NULL, error_message = ''
		 WHERE id = ? AND status = ? AND claim_token = ?`,
		orchestrator.StatusProcessing.String(), sessionName, int64(estDuration.Seconds()),
		now.Unix(), now.Unix(), deadline.Unix(),
		id, orchestrator.StatusClaiming.String(), token,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %q already owned by a live project: %w",
				sessionName, orchestrator.ErrStateConflict)
		}
		return fmt.Errorf("failed to promote claim: %w", err)
	}
	return s.checkClaimedWrite(result, id)
}

// ReleaseClaim is the compensating abort: the project returns to queued
// with retry_count unchanged.
func (s *Store) ReleaseClaim(id int64, token string) error {
	result, err := s.db.Exec(
		`UPDATE projects SET status = ?, claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND status = ? AND claim_token = ?`,
		orchestrator.StatusQueued.String(),
		id, orchestrator.StatusClaiming.String(), token,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return s.checkClaimedWrite(result, id)
}

// FailClaim records a setup failure on a claimed project: the retry
// count is bumped and the project returns to queued, or moves to failed
// when the cap is reached. Reports whether the failure was final.
func (s *Store) FailClaim(id int64, token string, maxRetries int, errMsg string, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryCount int
	err = tx.QueryRow(
		`SELECT retry_count FROM projects WHERE id = ? AND status = ? AND claim_token = ?`,
		id, orchestrator.StatusClaiming.String(), token,
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("project %d claim %s: %w", id, token, orchestrator.ErrStateConflict)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read retry count: %w", err)
	}

	retryCount++
	status := orchestrator.StatusQueued
	final := retryCount >= maxRetries
	if final {
		status = orchestrator.StatusFailed
	}

	_, err = tx.Exec(
		`UPDATE projects SET status = ?, retry_count = ?, error_message = ?,
			claim_token = NULL, claimed_at = NULL,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END
		 WHERE id = ?`,
		status.String(), retryCount, errMsg, final, now.Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record setup failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return final, nil
}

// SweepStaleClaims returns claims older than olderThan to the queue.
// Covers dispatchers that died between claim and promotion.
func (s *Store) SweepStaleClaims(olderThan time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE projects SET status = ?, claim_token = NULL, claimed_at = NULL
		 WHERE status = ? AND claimed_at < ?`,
		orchestrator.StatusQueued.String(),
		orchestrator.StatusClaiming.String(), olderThan.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale claims: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		log.Warn(log.CatQueue, "stale claims swept", "count", n)
	}
	return n, nil
}

// checkClaimedWrite classifies a zero-row claim-guarded update.
func (s *Store) checkClaimedWrite(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(id); err != nil {
		return err // ErrNotFound
	}
	return fmt.Errorf("project %d: claim token mismatch or wrong state: %w",
		id, orchestrator.ErrStateConflict)
}

// Patch carries the optional column updates applied alongside a state
// transition. Nil pointer fields are left untouched.
type Patch struct {
	SessionName     *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	HeartbeatAt     *time.Time
	TimeoutDeadline *time.Time
	ErrorMessage    *string

	ClearSession   bool
	ClearHeartbeat bool
	ClearDeadline  bool
}

// Transition performs a compare-and-set state change: it fails with
// ErrStateConflict if the row is not in the from state, and with
// ErrNotFound if the row does not exist. The write is a single UPDATE;
// no read-modify-write straddles a suspension point.
func (s *Store) Transition(id int64, from, to orchestrator.ProjectStatus, patch Patch) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, orchestrator.ErrStateConflict)
	}

	set := []string{"status = ?"}
	args := []any{to.String()}

	if patch.SessionName != nil {
		set = append(set, "session_name = ?")
		args = append(args, *patch.SessionName)
	} else if patch.ClearSession {
		set = append(set, "session_name = NULL")
	}
	if patch.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, patch.StartedAt.Unix())
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, patch.CompletedAt.Unix())
	}
	if patch.HeartbeatAt != nil {
		set = append(set, "heartbeat_at = ?")
		args = append(args, patch.HeartbeatAt.Unix())
	} else if patch.ClearHeartbeat {
		set = append(set, "heartbeat_at = NULL")
	}
	if patch.TimeoutDeadline != nil {
		set = append(set, "timeout_deadline = ?")
		args = append(args, patch.TimeoutDeadline.Unix())
	} else if patch.ClearDeadline {
		set = append(set, "timeout_deadline = NULL")
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}

	args = append(args, id, from.String())
	query := `UPDATE projects SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status = ?`

	result, err := s.db.Exec(query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session already owned by a live project: %w", orchestrator.ErrStateConflict)
		}
		return fmt.Errorf("failed to transition project: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		current, err := s.Get(id)
		if err != nil {
			return err // ErrNotFound
		}
		return fmt.Errorf("project %d is %s, expected %s: %w",
			id, current.Status, from, orchestrator.ErrStateConflict)
	}

	log.Info(log.CatDB, "project transitioned", "id", id, "from", from, "to", to)
	return nil
}

// ResetFailed returns a failed project to the queue when its retry
// count is under the cap. Returns ErrExhausted at the cap.
func (s *Store) ResetFailed(id int64, maxRetries int) error {
	result, err := s.db.Exec(
		`UPDATE projects SET status = ?, error_message = '', session_name = NULL,
			heartbeat_at = NULL, heartbeat_extensions = 0, timeout_deadline = NULL,
			started_at = NULL, completed_at = NULL
		 WHERE id = ? AND status = ? AND retry_count < ?`,
		orchestrator.StatusQueued.String(),
		id, orchestrator.StatusFailed.String(), maxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to reset project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	current, err := s.Get(id)
	if err != nil {
		return err // ErrNotFound
	}
	if current.Status != orchestrator.StatusFailed {
		return fmt.Errorf("project %d is %s, expected %s: %w",
			id, current.Status, orchestrator.StatusFailed, orchestrator.ErrStateConflict)
	}
	return fmt.Errorf("project %d has %d retries: %w", id, current.RetryCount, orchestrator.ErrExhausted)
}

// RepairSessionName fills in a missing session name on a processing row
// without changing state. Used by null-session repair.
func (s *Store) RepairSessionName(id int64, sessionName string) error {
	result, err := s.db.Exec(
		`UPDATE projects SET session_name = ? WHERE id = ? AND status = ? AND session_name IS NULL`,
		sessionName, id, orchestrator.StatusProcessing.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %q already owned: %w", sessionName, orchestrator.ErrStateConflict)
		}
		return fmt.Errorf("failed to repair session name: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %d: no null session to repair: %w", id, orchestrator.ErrStateConflict)
	}
	return nil
}

// TouchHeartbeat resets heartbeat_at on a processing row without
// granting a deadline extension. Recovery uses it to restart the
// watchdog clock for sessions that survived a daemon restart.
func (s *Store) TouchHeartbeat(id int64, now time.Time) error {
	result, err := s.db.Exec(
		`UPDATE projects SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		now.Unix(), id, orchestrator.StatusProcessing.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %d is not processing: %w", id, orchestrator.ErrStateConflict)
	}
	return nil
}

// Heartbeat records a progress signal on a processing project and
// extends its hard deadline, up to maxExtensions times. Further calls
// are accepted silently but do not extend; the returned bool reports
// whether an extension was granted.
func (s *Store) Heartbeat(id int64, extension time.Duration, maxExtensions int, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var extensions int
	var deadline *int64
	err = tx.QueryRow(
		`SELECT heartbeat_extensions, timeout_deadline FROM projects WHERE id = ? AND status = ?`,
		id, orchestrator.StatusProcessing.String(),
	).Scan(&extensions, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.txGetStatus(tx, id); err != nil {
			return false, err
		}
		return false, fmt.Errorf("project %d is not processing: %w", id, orchestrator.ErrStateConflict)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read heartbeat state: %w", err)
	}

	extended := extensions < maxExtensions && deadline != nil
	if extended {
		newDeadline := *deadline + int64(extension.Seconds())
		_, err = tx.Exec(
			`UPDATE projects SET heartbeat_at = ?, heartbeat_extensions = ?, timeout_deadline = ? WHERE id = ?`,
			now.Unix(), extensions+1, newDeadline, id,
		)
	} else {
		_, err = tx.Exec(`UPDATE projects SET heartbeat_at = ? WHERE id = ?`, now.Unix(), id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit heartbeat: %w", err)
	}
	return extended, nil
}

func (s *Store) txGetStatus(tx *sql.Tx, id int64) (orchestrator.ProjectStatus, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM projects WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("project %d: %w", id, orchestrator.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return orchestrator.ProjectStatus(status), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
