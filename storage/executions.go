package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bastion/core"
)

const executionColumns = `id, playbook_id, playbook_name, alert_id, incident_id, status,
	results, current_step, error_message, rolled_back, triggered_by,
	approved_by, rejected_by, approval_comment, decided_at, created_at, started_at, completed_at`

// CreateExecution inserts a new execution record. A partial unique index over
// non-terminal statuses enforces at most one active execution per
// (playbook, alert); violating it returns ErrDuplicateExecution.
func (s *Store) CreateExecution(ctx context.Context, e *core.PlaybookExecution) error {
	results, err := marshalJSON(e.Results)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO playbook_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlaybookID, e.PlaybookName, e.AlertID, e.IncidentID, string(e.Status),
		results, e.CurrentStep, e.Error, e.RolledBack, e.TriggeredBy,
		e.ApprovedBy, e.RejectedBy, e.ApprovalComment, nullTime(e.DecidedAt),
		e.CreatedAt, nullTime(e.StartedAt), nullTime(e.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution persists the current execution state.
func (s *Store) UpdateExecution(ctx context.Context, e *core.PlaybookExecution) error {
	results, err := marshalJSON(e.Results)
	if err != nil {
		return err
	}
	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE playbook_executions SET
			status = ?, results = ?, current_step = ?, error_message = ?, rolled_back = ?,
			approved_by = ?, rejected_by = ?, approval_comment = ?, decided_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(e.Status), results, e.CurrentStep, e.Error, e.RolledBack,
		e.ApprovedBy, e.RejectedBy, e.ApprovalComment, nullTime(e.DecidedAt),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution loads one execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*core.PlaybookExecution, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM playbook_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return e, nil
}

// ExecutionFilter narrows ListExecutions. Zero values place no restriction.
type ExecutionFilter struct {
	PlaybookID string
	AlertID    string
	Status     core.ExecutionStatus
	Limit      int
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*core.PlaybookExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM playbook_executions WHERE 1=1`
	var args []interface{}
	if f.PlaybookID != "" {
		query += ` AND playbook_id = ?`
		args = append(args, f.PlaybookID)
	}
	if f.AlertID != "" {
		query += ` AND alert_id = ?`
		args = append(args, f.AlertID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*core.PlaybookExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountExecutionsByStatus aggregates execution counts for the stats endpoint.
func (s *Store) CountExecutionsByStatus(ctx context.Context) (map[core.ExecutionStatus]int, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM playbook_executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.ExecutionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan execution count: %w", err)
		}
		counts[core.ExecutionStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListPendingApprovals returns executions waiting on a human decision,
// oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*core.PlaybookExecution, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM playbook_executions
		WHERE status = 'awaiting_approval' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var execs []*core.PlaybookExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*core.PlaybookExecution, error) {
	var e core.PlaybookExecution
	var status, results string
	var decidedAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.PlaybookID, &e.PlaybookName, &e.AlertID, &e.IncidentID, &status,
		&results, &e.CurrentStep, &e.Error, &e.RolledBack, &e.TriggeredBy,
		&e.ApprovedBy, &e.RejectedBy, &e.ApprovalComment, &decidedAt,
		&e.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(results, &e.Results); err != nil {
		return nil, err
	}
	e.Status = core.ExecutionStatus(status)
	e.DecidedAt = timePtr(decidedAt)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return &e, nil
}
