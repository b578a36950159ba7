package storage

import (
	"context"
	"fmt"
	"time"

	"bastion/core"
)

// SaveEvent persists one normalized event.
func (s *Store) SaveEvent(ctx context.Context, e *core.Event) error {
	fields, err := marshalJSON(e.Fields)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, event_time, source_type, event_code, severity,
			category, subject_user, source_ip, target_ip, host, process_name, mitre_tactic,
			raw_data, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.EventTime, e.SourceType, e.EventCode, e.Severity,
		e.Category, e.SubjectUser, e.SourceIP, e.TargetIP, e.Host, e.ProcessName, e.MitreTactic,
		e.RawData, fields)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", e.EventID, err)
	}
	return nil
}

// ListEventsBetween returns stored events in the time range in event-time
// order, for replaying history through the rule set.
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]*core.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_id, event_time, source_type, event_code, severity,
			category, subject_user, source_ip, target_ip, host, process_name, mitre_tactic,
			raw_data, fields
		FROM events WHERE event_time >= ? AND event_time < ?
		ORDER BY event_time ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		var e core.Event
		var fields string
		if err := rows.Scan(&e.EventID, &e.EventTime, &e.SourceType, &e.EventCode, &e.Severity,
			&e.Category, &e.SubjectUser, &e.SourceIP, &e.TargetIP, &e.Host, &e.ProcessName,
			&e.MitreTactic, &e.RawData, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := unmarshalJSON(fields, &e.Fields); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
