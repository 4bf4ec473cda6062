package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
)

// MigrateLegacyTimestamps rewrites task schedule times that older
// installations stored as ISO-8601 strings or float seconds into the
// canonical int64 seconds encoding. SQLite's dynamic typing lets such
// values survive in an INTEGER column, so this runs once at startup.
// Unparseable values disable the task rather than poison the due query.
func (s *Store) MigrateLegacyTimestamps() (int64, error) {
	rows, err := s.db.Query(
		`SELECT id, CAST(scheduled_at AS TEXT) FROM tasks WHERE typeof(scheduled_at) IN ('text', 'real')`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find legacy timestamps: %w", err)
	}

	type fix struct {
		id  int64
		sec int64
		bad bool
	}
	var fixes []fix
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan legacy timestamp: %w", err)
		}
		sec, err := parseLegacyTimestamp(raw)
		fixes = append(fixes, fix{id: id, sec: sec, bad: err != nil})
		if err != nil {
			log.Warn(log.CatDB, "unparseable legacy timestamp", "task", id, "value", raw)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	var migrated int64
	for _, f := range fixes {
		if f.bad {
			if err := s.DisableTask(f.id, "unparseable legacy timestamp"); err != nil {
				return migrated, err
			}
			continue
		}
		if _, err := s.db.Exec(`UPDATE tasks SET scheduled_at = ? WHERE id = ?`, f.sec, f.id); err != nil {
			return migrated, fmt.Errorf("failed to migrate task %d: %w", f.id, err)
		}
		migrated++
	}

	if migrated > 0 {
		log.Info(log.CatDB, "legacy timestamps migrated", "count", migrated)
	}
	return migrated, nil
}

// parseLegacyTimestamp accepts RFC 3339 strings, the space-separated
// SQLite datetime format, and float seconds.
func parseLegacyTimestamp(raw string) (int64, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix(), nil
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f), nil
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", raw)
}
