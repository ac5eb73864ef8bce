package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/basestation/internal/session"
)

// DefaultEventLimit caps RecentEvents when no limit is given.
const DefaultEventLimit = 500

// RecordEvent appends one operator log entry. Recording the same event twice
// is a no-op.
func (db *DB) RecordEvent(ev session.Event) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO events (event_id, recorded_unix_ns, kind, robot_id, message)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Time.UnixNano(), string(ev.Kind), ev.RobotID, ev.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(limit int) ([]session.Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	rows, err := db.Query(
		`SELECT event_id, recorded_unix_ns, kind, robot_id, message
		 FROM events ORDER BY recorded_unix_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []session.Event{}
	for rows.Next() {
		var (
			id      string
			unixNs  int64
			kind    string
			robotID string
			message string
		)
		if err := rows.Scan(&id, &unixNs, &kind, &robotID, &message); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt event id %q: %w", id, err)
		}
		events = append(events, session.Event{
			ID:      parsed,
			Time:    time.Unix(0, unixNs).UTC(),
			Kind:    session.EventKind(kind),
			RobotID: robotID,
			Message: message,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
