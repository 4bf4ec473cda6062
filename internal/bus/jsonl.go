package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// dayLayout names one log file per calendar day.
const dayLayout = "2006-01-02"

// appendLocked writes one JSONL record to today's file, rotating the
// handle when the day rolls over. Caller holds b.mu.
func (b *Bus) appendLocked(ev Event) error {
	day := ev.TS.Format(dayLayout)
	if b.logFile == nil || day != b.logDay {
		if b.logFile != nil {
			_ = b.logFile.Close()
		}
		f, err := os.OpenFile(
			filepath.Join(b.dir, day+".jsonl"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644,
		)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		b.logFile = f
		b.logDay = day
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := b.logFile.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ReadDay returns the events logged under dir for the given day, in
// append order. A missing file means no events, not an error.
func ReadDay(dir string, day time.Time) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, day.Format(dayLayout)+".jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parsing event log line: %w", err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
