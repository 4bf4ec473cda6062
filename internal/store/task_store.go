package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/orchestrator"
)

const taskColumns = `id, session_name, window_index, payload, scheduled_at,
	retry_count, max_retries, interval_minutes, disabled, last_error, created_at`

func scanTask(scanner interface{ Scan(...any) error }) (*taskModel, error) {
	var m taskModel
	err := scanner.Scan(
		&m.ID, &m.SessionName, &m.WindowIndex, &m.Payload, &m.ScheduledAt,
		&m.RetryCount, &m.MaxRetries, &m.IntervalMinutes, &m.Disabled,
		&m.LastError, &m.CreatedAt,
	)
	return &m, err
}

// ScheduleTask inserts a new task and returns its id.
func (s *Store) ScheduleTask(t orchestrator.Task, now time.Time) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO tasks (session_name, window_index, payload, scheduled_at,
			max_retries, interval_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionName, t.WindowIndex, t.Payload, t.ScheduledAt.Unix(),
		t.MaxRetries, t.IntervalMinutes, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// GetTask retrieves a task by id. Returns ErrNotFound when missing.
func (s *Store) GetTask(id int64) (*orchestrator.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	m, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, orchestrator.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task := m.toDomain()
	return &task, nil
}

// TasksDue returns enabled, under-cap tasks with scheduled_at <= now,
// oldest first.
func (s *Store) TasksDue(now time.Time) ([]orchestrator.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE disabled = 0 AND scheduled_at <= ? AND retry_count <= max_retries
		 ORDER BY scheduled_at, id`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []orchestrator.Task
	for rows.Next() {
		m, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, m.toDomain())
	}
	return tasks, rows.Err()
}

// RecordTaskResult settles one delivery attempt. Success deletes a
// one-shot task or reschedules an interval task; failure bumps the
// retry count and backs off exponentially, disabling the task once the
// cap is exceeded.
func (s *Store) RecordTaskResult(id int64, success bool, errMsg string, backoffBase time.Duration, multiplier int, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	m, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, orchestrator.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}
	task := m.toDomain()

	if success {
		if task.OneShot() {
			if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete one-shot task: %w", err)
			}
		} else {
			next := task.ScheduledAt.Add(time.Duration(task.IntervalMinutes) * time.Minute)
			// A long outage must not cause a burst of catch-up sends.
			for !next.After(now) {
				next = next.Add(time.Duration(task.IntervalMinutes) * time.Minute)
			}
			_, err := tx.Exec(
				`UPDATE tasks SET scheduled_at = ?, retry_count = 0, last_error = '' WHERE id = ?`,
				next.Unix(), id,
			)
			if err != nil {
				return fmt.Errorf("failed to reschedule task: %w", err)
			}
		}
		return tx.Commit()
	}

	retryCount := task.RetryCount + 1
	if retryCount > task.MaxRetries {
		_, err := tx.Exec(
			`UPDATE tasks SET disabled = 1, retry_count = ?, last_error = ? WHERE id = ?`,
			task.MaxRetries, errMsg, id,
		)
		if err != nil {
			return fmt.Errorf("failed to disable task: %w", err)
		}
		log.Warn(log.CatTask, "task retries exhausted", "id", id, "error", errMsg)
		return tx.Commit()
	}

	delay := orchestrator.BackoffDelay(backoffBase, multiplier, task.RetryCount)
	_, err = tx.Exec(
		`UPDATE tasks SET retry_count = ?, scheduled_at = ?, last_error = ? WHERE id = ?`,
		retryCount, now.Add(delay).Unix(), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	return tx.Commit()
}

// DisableTask quarantines a task with a reason, never to be delivered again.
func (s *Store) DisableTask(id int64, reason string) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET disabled = 1, last_error = ? WHERE id = ?`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to disable task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, orchestrator.ErrNotFound)
	}
	log.Info(log.CatTask, "task disabled", "id", id, "reason", reason)
	return nil
}

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks() ([]orchestrator.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []orchestrator.Task
	for rows.Next() {
		m, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, m.toDomain())
	}
	return tasks, rows.Err()
}

// VacuumTasksOlderThan deletes disabled tasks last scheduled before cutoff.
func (s *Store) VacuumTasksOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM tasks WHERE disabled = 1 AND scheduled_at < ?`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to vacuum tasks: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
