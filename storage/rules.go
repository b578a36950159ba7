package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bastion/core"
)

// SaveRule inserts or replaces a rule. The full definition is stored as JSON
// alongside the queryable columns.
func (s *Store) SaveRule(ctx context.Context, rule *core.DetectionRule) error {
	def, err := marshalJSON(rule)
	if err != nil {
		return err
	}
	_, err = s.writeDB.ExecContext(ctx, `
		INSERT INTO rules (id, name, enabled, severity, priority, type, definition,
			match_count, false_positives, last_match_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			severity = excluded.severity,
			priority = excluded.priority,
			type = excluded.type,
			definition = excluded.definition,
			match_count = excluded.match_count,
			false_positives = excluded.false_positives,
			last_match_at = excluded.last_match_at,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.Enabled, rule.Severity, rule.Priority, string(rule.Type), def,
		rule.MatchCount, rule.FalsePositives, nullTime(rule.LastMatchAt),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule loads one rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*core.DetectionRule, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT definition, match_count, false_positives, last_match_at FROM rules WHERE id = ?`, id)

	var def string
	var matchCount, falsePositives int64
	var lastMatch sql.NullTime
	if err := row.Scan(&def, &matchCount, &falsePositives, &lastMatch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}

	var rule core.DetectionRule
	if err := unmarshalJSON(def, &rule); err != nil {
		return nil, err
	}
	rule.MatchCount = matchCount
	rule.FalsePositives = falsePositives
	rule.LastMatchAt = timePtr(lastMatch)
	return &rule, nil
}

// ListRules returns every stored rule.
func (s *Store) ListRules(ctx context.Context) ([]*core.DetectionRule, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT definition, match_count, false_positives, last_match_at
		FROM rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.DetectionRule
	for rows.Next() {
		var def string
		var matchCount, falsePositives int64
		var lastMatch sql.NullTime
		if err := rows.Scan(&def, &matchCount, &falsePositives, &lastMatch); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule core.DetectionRule
		if err := unmarshalJSON(def, &rule); err != nil {
			return nil, err
		}
		rule.MatchCount = matchCount
		rule.FalsePositives = falsePositives
		rule.LastMatchAt = timePtr(lastMatch)
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule by ID.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.writeDB.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRuleCounters persists the evaluator-maintained match statistics.
func (s *Store) UpdateRuleCounters(ctx context.Context, rule *core.DetectionRule) error {
	_, err := s.writeDB.ExecContext(ctx, `
		UPDATE rules SET match_count = ?, false_positives = ?, last_match_at = ? WHERE id = ?`,
		rule.MatchCount, rule.FalsePositives, nullTime(rule.LastMatchAt), rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule counters for %s: %w", rule.ID, err)
	}
	return nil
}
