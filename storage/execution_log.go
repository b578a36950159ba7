package storage

import (
	"context"
	"fmt"
	"time"
)

// LogEntry is one append-only record of what an execution did. The table has
// no UPDATE or DELETE path; seq orders entries within an execution.
type LogEntry struct {
	Seq         int64                  `json:"seq"`
	ExecutionID string                 `json:"execution_id"`
	At          time.Time              `json:"at"`
	Kind        string                 `json:"kind"`
	ActionName  string                 `json:"action_name,omitempty"`
	ActionType  string                 `json:"action_type,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
}

// Log entry kinds.
const (
	LogKindQueued         = "queued"
	LogKindStarted        = "started"
	LogKindActionAttempt  = "action_attempt"
	LogKindActionResult   = "action_result"
	LogKindAwaitingHuman  = "awaiting_approval"
	LogKindApproved       = "approved"
	LogKindRejected       = "rejected"
	LogKindRollbackAction = "rollback_action"
	LogKindCompleted      = "completed"
)

// AppendLog writes one execution log entry.
func (s *Store) AppendLog(ctx context.Context, entry *LogEntry) error {
	detail, err := marshalJSON(entry.Detail)
	if err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO execution_log (execution_id, at, kind, action_name, action_type, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.At, entry.Kind, entry.ActionName, entry.ActionType, entry.Attempt, detail)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// ExecutionLog returns every log entry for one execution in append order.
func (s *Store) ExecutionLog(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT seq, execution_id, at, kind, action_name, action_type, attempt, detail
		FROM execution_log WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution log: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		var detail string
		if err := rows.Scan(&e.Seq, &e.ExecutionID, &e.At, &e.Kind, &e.ActionName, &e.ActionType, &e.Attempt, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if err := unmarshalJSON(detail, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
