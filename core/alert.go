package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	// AlertStatusNew indicates an alert that hasn't been reviewed
	AlertStatusNew AlertStatus = "new"
	// AlertStatusAcknowledged indicates an alert that has been reviewed
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusInvestigating indicates an alert under active investigation
	AlertStatusInvestigating AlertStatus = "investigating"
	// AlertStatusResolved indicates a handled alert
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusFalsePositive indicates an alert dismissed as benign
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusInvestigating,
		AlertStatusResolved, AlertStatusFalsePositive:
		return true
	default:
		return false
	}
}

// validAlertTransitions defines allowed status transitions for alerts
var validAlertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusAcknowledged, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusAcknowledged:  {AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusInvestigating: {AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {},
	AlertStatusFalsePositive: {},
}

// IsTerminal reports whether no further transitions are allowed from s
func (s AlertStatus) IsTerminal() bool {
	allowed, ok := validAlertTransitions[s]
	return ok && len(allowed) == 0
}

// Alert is a single detection output from one rule match.
type Alert struct {
	ID string `json:"id"`
	// Ref is the stable external reference shown to operators
	Ref         string `json:"ref"`
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Severity    int    `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// Contributing events; append-only until a terminal status is reached
	EventIDs     []string  `json:"event_ids"`
	EventCount   int       `json:"event_count"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`

	// Context copied from the triggering event(s)
	Host        string `json:"host,omitempty"`
	User        string `json:"user,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`
	ProcessName string `json:"process_name,omitempty"`

	MitreTactic    string `json:"mitre_tactic,omitempty"`
	MitreTechnique string `json:"mitre_technique,omitempty"`

	// Narrative is an optional analyst-readable summary filled in by the
	// enrichment service after the alert is created
	Narrative string `json:"narrative,omitempty"`

	Status AlertStatus `json:"status"`
	// IncidentID is empty while the alert is not linked to an incident
	IncidentID string `json:"incident_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAlertRef builds the operator-facing reference from a fresh UUID
func NewAlertRef() string {
	id := uuid.New().String()
	return "ALT-" + id[:8]
}

// TransitionTo validates and executes an alert status transition
func (a *Alert) TransitionTo(newStatus AlertStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("%w: invalid alert status %q", ErrInvalidTransition, newStatus)
	}

	allowed, exists := validAlertTransitions[a.Status]
	if !exists {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, a.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			a.Status = newStatus
			a.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, newStatus)
}

// CanTransitionTo checks if a transition is allowed without executing it
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	allowed, exists := validAlertTransitions[a.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == newStatus {
			return true
		}
	}
	return false
}

// AppendEvents adds contributing events to the alert and widens the timeline
// bounds. Rejected once the alert reached a terminal status.
func (a *Alert) AppendEvents(eventIDs []string, first, last time.Time) error {
	if a.Status.IsTerminal() {
		return ErrAlertTerminal
	}
	a.EventIDs = append(a.EventIDs, eventIDs...)
	a.EventCount = len(a.EventIDs)
	if a.FirstEventAt.IsZero() || first.Before(a.FirstEventAt) {
		a.FirstEventAt = first
	}
	if last.After(a.LastEventAt) {
		a.LastEventAt = last
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}
