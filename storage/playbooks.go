package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bastion/core"
)

// SavePlaybook inserts or replaces a playbook.
func (s *Store) SavePlaybook(ctx context.Context, p *core.Playbook) error {
	def, err := marshalJSON(p)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO playbooks (id, name, enabled, priority, definition,
			run_count, success_count, failure_count, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			priority = excluded.priority,
			definition = excluded.definition,
			run_count = excluded.run_count,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Enabled, p.Priority, def,
		p.RunCount, p.SuccessCount, p.FailureCount, nullTime(p.LastRunAt),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save playbook %s: %w", p.ID, err)
	}
	return nil
}

// GetPlaybook loads one playbook by ID.
func (s *Store) GetPlaybook(ctx context.Context, id string) (*core.Playbook, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT definition, run_count, success_count, failure_count, last_run_at
		FROM playbooks WHERE id = ?`, id)

	var def string
	var runs, successes, failures int64
	var lastRun sql.NullTime
	if err := row.Scan(&def, &runs, &successes, &failures, &lastRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get playbook %s: %w", id, err)
	}

	var p core.Playbook
	if err := unmarshalJSON(def, &p); err != nil {
		return nil, err
	}
	p.RunCount = runs
	p.SuccessCount = successes
	p.FailureCount = failures
	p.LastRunAt = timePtr(lastRun)
	return &p, nil
}

// ListPlaybooks returns every stored playbook in priority order.
func (s *Store) ListPlaybooks(ctx context.Context) ([]*core.Playbook, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT definition, run_count, success_count, failure_count, last_run_at
		FROM playbooks ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []*core.Playbook
	for rows.Next() {
		var def string
		var runs, successes, failures int64
		var lastRun sql.NullTime
		if err := rows.Scan(&def, &runs, &successes, &failures, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan playbook: %w", err)
		}
		var p core.Playbook
		if err := unmarshalJSON(def, &p); err != nil {
			return nil, err
		}
		p.RunCount = runs
		p.SuccessCount = successes
		p.FailureCount = failures
		p.LastRunAt = timePtr(lastRun)
		playbooks = append(playbooks, &p)
	}
	return playbooks, rows.Err()
}

// DeletePlaybook removes a playbook by ID.
func (s *Store) DeletePlaybook(ctx context.Context, id string) error {
	res, err := s.writeDB.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete playbook %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlaybookStats persists run counters after an execution completes.
func (s *Store) UpdatePlaybookStats(ctx context.Context, p *core.Playbook) error {
	_, err := s.writeDB.ExecContext(ctx, `
		UPDATE playbooks SET run_count = ?, success_count = ?, failure_count = ?, last_run_at = ?
		WHERE id = ?`,
		p.RunCount, p.SuccessCount, p.FailureCount, nullTime(p.LastRunAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update playbook stats for %s: %w", p.ID, err)
	}
	return nil
}
