package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// IncidentStore is the persistence surface the incident service needs.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc *core.Incident) error
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	ListOpenIncidents(ctx context.Context) ([]*core.Incident, error)
	ListIncidents(ctx context.Context, limit int) ([]*core.Incident, error)
	SaveAlert(ctx context.Context, a *core.Alert) error
}

// IncidentService groups related alerts into incidents. A new alert joins an
// open incident when it shares an affected entity (host, user, or MITRE
// tactic) and arrives within the correlation horizon of the incident's last
// activity; otherwise escalation opens a new incident.
type IncidentService struct {
	store   IncidentStore
	horizon time.Duration
	logger  *zap.SugaredLogger
}

// NewIncidentService creates an incident service with the given correlation
// horizon.
func NewIncidentService(store IncidentStore, horizon time.Duration, logger *zap.SugaredLogger) *IncidentService {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &IncidentService{store: store, horizon: horizon, logger: logger}
}

// Escalate links the alert to an incident, creating one when nothing open
// correlates. The alert is persisted with its incident linkage.
func (s *IncidentService) Escalate(ctx context.Context, a *core.Alert) (*core.Incident, error) {
	open, err := s.store.ListOpenIncidents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open incidents: %w", err)
	}

	var target *core.Incident
	for _, inc := range open {
		if s.correlates(inc, a) {
			target = inc
			break
		}
	}

	created := false
	if target == nil {
		now := time.Now().UTC()
		target = &core.Incident{
			ID:        uuid.New().String(),
			Title:     a.Title,
			Status:    core.IncidentStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
	}

	target.Absorb(a)
	if err := s.store.SaveIncident(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to save incident: %w", err)
	}

	a.IncidentID = target.ID
	if err := s.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to link alert to incident: %w", err)
	}

	if created {
		metrics.IncidentsCreated.Inc()
		s.logger.Infow("Incident created",
			"incident_id", target.ID,
			"alert_id", a.ID,
			"severity", target.Severity)
	} else {
		s.logger.Infow("Alert absorbed into incident",
			"incident_id", target.ID,
			"alert_id", a.ID,
			"alert_count", target.AlertCount)
	}
	return target, nil
}

// UpdateStatus applies an operator status change to an incident.
func (s *IncidentService) UpdateStatus(ctx context.Context, incidentID string, status core.IncidentStatus) (*core.Incident, error) {
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := inc.TransitionTo(status); err != nil {
		return nil, err
	}
	if err := s.store.SaveIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to persist incident status: %w", err)
	}
	s.logger.Infow("Incident status changed", "incident_id", inc.ID, "status", string(status))
	return inc, nil
}

// Get loads one incident.
func (s *IncidentService) Get(ctx context.Context, id string) (*core.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// List returns incidents, newest first.
func (s *IncidentService) List(ctx context.Context, limit int) ([]*core.Incident, error) {
	return s.store.ListIncidents(ctx, limit)
}

// correlates decides whether the alert belongs to an existing incident:
// shared entity plus recency.
func (s *IncidentService) correlates(inc *core.Incident, a *core.Alert) bool {
	if !inc.LastEventAt.IsZero() && !a.FirstEventAt.IsZero() {
		gap := a.FirstEventAt.Sub(inc.LastEventAt)
		if gap > s.horizon || gap < -s.horizon {
			return false
		}
	}
	if a.Host != "" && inc.HasHost(a.Host) {
		return true
	}
	if a.User != "" && inc.HasUser(a.User) {
		return true
	}
	if a.MitreTactic != "" && inc.HasTactic(a.MitreTactic) {
		return true
	}
	return false
}
