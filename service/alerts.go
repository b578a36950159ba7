package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/storage"
)

// AlertStore is the persistence surface the alert service needs.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *core.Alert) error
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	ListAlerts(ctx context.Context, f storage.AlertFilter) ([]*core.Alert, error)
	GetRule(ctx context.Context, id string) (*core.DetectionRule, error)
	UpdateRuleCounters(ctx context.Context, rule *core.DetectionRule) error
}

// AlertService owns alert lifecycle operations: persistence, operator status
// changes, and the rule feedback loop for false positives.
type AlertService struct {
	store  AlertStore
	logger *zap.SugaredLogger
}

// NewAlertService creates an alert service.
func NewAlertService(store AlertStore, logger *zap.SugaredLogger) *AlertService {
	return &AlertService{store: store, logger: logger}
}

// Create persists a freshly generated alert.
func (s *AlertService) Create(ctx context.Context, a *core.Alert) error {
	if err := s.store.SaveAlert(ctx, a); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	s.logger.Infow("Alert created",
		"alert_id", a.ID,
		"ref", a.Ref,
		"rule_id", a.RuleID,
		"severity", a.Severity)
	return nil
}

// Get loads one alert.
func (s *AlertService) Get(ctx context.Context, id string) (*core.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

// List returns alerts matching the filter.
func (s *AlertService) List(ctx context.Context, f storage.AlertFilter) ([]*core.Alert, error) {
	return s.store.ListAlerts(ctx, f)
}

// UpdateStatus applies an operator status change. Marking an alert as a
// false positive feeds the originating rule's counter.
func (s *AlertService) UpdateStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error) {
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := a.TransitionTo(status); err != nil {
		return nil, err
	}
	if err := s.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to persist alert status: %w", err)
	}

	if status == core.AlertStatusFalsePositive {
		if rule, err := s.store.GetRule(ctx, a.RuleID); err == nil {
			rule.FalsePositives++
			if err := s.store.UpdateRuleCounters(ctx, rule); err != nil {
				s.logger.Warnw("Failed to update false positive counter", "rule_id", rule.ID, "error", err)
			}
		}
	}

	s.logger.Infow("Alert status changed", "alert_id", a.ID, "status", string(status))
	return a, nil
}

// AppendEvents adds contributing events to an existing alert and persists it.
func (s *AlertService) AppendEvents(ctx context.Context, alertID string, eventIDs []string, first, last time.Time) error {
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if err := a.AppendEvents(eventIDs, first, last); err != nil {
		return err
	}
	return s.store.SaveAlert(ctx, a)
}
