package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bastion/core"
)

const incidentColumns = `id, title, severity, status, alert_count, event_count,
	hosts, users, mitre_tactics, narrative, first_event_at, last_event_at, created_at, updated_at`

// SaveIncident inserts or replaces an incident.
func (s *Store) SaveIncident(ctx context.Context, inc *core.Incident) error {
	hosts, err := marshalJSON(inc.Hosts)
	if err != nil {
		return err
	}
	users, err := marshalJSON(inc.Users)
	if err != nil {
		return err
	}
	tactics, err := marshalJSON(inc.MitreTactics)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			severity = excluded.severity,
			status = excluded.status,
			alert_count = excluded.alert_count,
			event_count = excluded.event_count,
			hosts = excluded.hosts,
			users = excluded.users,
			mitre_tactics = excluded.mitre_tactics,
			narrative = excluded.narrative,
			first_event_at = excluded.first_event_at,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		inc.ID, inc.Title, inc.Severity, string(inc.Status), inc.AlertCount, inc.EventCount,
		hosts, users, tactics, inc.Narrative,
		zeroableTime(inc.FirstEventAt), zeroableTime(inc.LastEventAt),
		inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident loads one incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

// ListOpenIncidents returns incidents that can still absorb alerts, i.e.
// those in a non-terminal investigative status.
func (s *Store) ListOpenIncidents(ctx context.Context) ([]*core.Incident, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE status IN ('open', 'investigating', 'contained')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// ListIncidents returns every incident, newest first.
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]*core.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*core.Incident, error) {
	var inc core.Incident
	var status, hosts, users, tactics string
	var firstAt, lastAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.Title, &inc.Severity, &status, &inc.AlertCount, &inc.EventCount,
		&hosts, &users, &tactics, &inc.Narrative, &firstAt, &lastAt, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(hosts, &inc.Hosts); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(users, &inc.Users); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tactics, &inc.MitreTactics); err != nil {
		return nil, err
	}
	inc.Status = core.IncidentStatus(status)
	inc.FirstEventAt = timeOrZero(firstAt)
	inc.LastEventAt = timeOrZero(lastAt)
	return &inc, nil
}
