package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bastion/core"
)

// AlertFilter narrows ListAlerts. Zero values place no restriction.
type AlertFilter struct {
	Status      core.AlertStatus
	RuleID      string
	IncidentID  string
	MinSeverity int
	Limit       int
}

const alertColumns = `id, ref, rule_id, rule_name, severity, title, description, category,
	event_ids, event_count, first_event_at, last_event_at,
	host, user, source_ip, process_name, mitre_tactic, mitre_technique, narrative,
	status, incident_id, created_at, updated_at`

// SaveAlert inserts or replaces an alert.
func (s *Store) SaveAlert(ctx context.Context, a *core.Alert) error {
	eventIDs, err := marshalJSON(a.EventIDs)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_ids = excluded.event_ids,
			event_count = excluded.event_count,
			first_event_at = excluded.first_event_at,
			last_event_at = excluded.last_event_at,
			narrative = excluded.narrative,
			status = excluded.status,
			incident_id = excluded.incident_id,
			updated_at = excluded.updated_at`,
		a.ID, a.Ref, a.RuleID, a.RuleName, a.Severity, a.Title, a.Description, a.Category,
		eventIDs, a.EventCount, zeroableTime(a.FirstEventAt), zeroableTime(a.LastEventAt),
		a.Host, a.User, a.SourceIP, a.ProcessName, a.MitreTactic, a.MitreTechnique, a.Narrative,
		string(a.Status), a.IncidentID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// GetAlert loads one alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]*core.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	if f.IncidentID != "" {
		query += ` AND incident_id = ?`
		args = append(args, f.IncidentID)
	}
	if f.MinSeverity > 0 {
		query += ` AND severity >= ?`
		args = append(args, f.MinSeverity)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var a core.Alert
	var eventIDs, status string
	var firstAt, lastAt sql.NullTime
	err := row.Scan(&a.ID, &a.Ref, &a.RuleID, &a.RuleName, &a.Severity, &a.Title, &a.Description, &a.Category,
		&eventIDs, &a.EventCount, &firstAt, &lastAt,
		&a.Host, &a.User, &a.SourceIP, &a.ProcessName, &a.MitreTactic, &a.MitreTechnique, &a.Narrative,
		&status, &a.IncidentID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(eventIDs, &a.EventIDs); err != nil {
		return nil, err
	}
	a.Status = core.AlertStatus(status)
	a.FirstEventAt = timeOrZero(firstAt)
	a.LastEventAt = timeOrZero(lastAt)
	return &a, nil
}
