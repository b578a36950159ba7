package core

import (
	"fmt"
	"time"
)

// IncidentStatus represents the status of an incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusContained     IncidentStatus = "contained"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

// IsValid checks if the status is valid
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusInvestigating, IncidentStatusContained,
		IncidentStatusResolved, IncidentStatusClosed:
		return true
	default:
		return false
	}
}

var validIncidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:          {IncidentStatusInvestigating, IncidentStatusContained, IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusInvestigating: {IncidentStatusContained, IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusContained:     {IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusResolved:      {IncidentStatusClosed},
	IncidentStatusClosed:        {},
}

// IsTerminal reports whether no further transitions are allowed from s
func (s IncidentStatus) IsTerminal() bool {
	allowed, ok := validIncidentTransitions[s]
	return ok && len(allowed) == 0
}

// Incident groups related alerts representing one real-world security event.
// Severity and the aggregate counts are recomputed whenever a contributing
// alert is added.
type Incident struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Severity int            `json:"severity"`
	Status   IncidentStatus `json:"status"`

	AlertCount int `json:"alert_count"`
	EventCount int `json:"event_count"`

	Hosts        []string `json:"hosts,omitempty"`
	Users        []string `json:"users,omitempty"`
	MitreTactics []string `json:"mitre_tactics,omitempty"`

	// Narrative is an optional analyst-readable summary filled in by the
	// enrichment service after the incident is created
	Narrative string `json:"narrative,omitempty"`

	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionTo validates and executes an incident status transition
func (i *Incident) TransitionTo(newStatus IncidentStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("%w: invalid incident status %q", ErrInvalidTransition, newStatus)
	}
	allowed, exists := validIncidentTransitions[i.Status]
	if !exists {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, i.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			i.Status = newStatus
			i.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, newStatus)
}

// Absorb folds an alert into the incident: severity becomes the max over
// contributing alerts, affected-entity sets grow, timeline bounds widen.
func (i *Incident) Absorb(a *Alert) {
	i.AlertCount++
	i.EventCount += a.EventCount
	if a.Severity > i.Severity {
		i.Severity = a.Severity
	}
	if a.Host != "" {
		i.Hosts = appendUnique(i.Hosts, a.Host)
	}
	if a.User != "" {
		i.Users = appendUnique(i.Users, a.User)
	}
	if a.MitreTactic != "" {
		i.MitreTactics = appendUnique(i.MitreTactics, a.MitreTactic)
	}
	if i.FirstEventAt.IsZero() || (!a.FirstEventAt.IsZero() && a.FirstEventAt.Before(i.FirstEventAt)) {
		i.FirstEventAt = a.FirstEventAt
	}
	if a.LastEventAt.After(i.LastEventAt) {
		i.LastEventAt = a.LastEventAt
	}
	i.UpdatedAt = time.Now().UTC()
}

// HasHost reports whether the incident already tracks the given host
func (i *Incident) HasHost(host string) bool {
	return containsString(i.Hosts, host)
}

// HasUser reports whether the incident already tracks the given user
func (i *Incident) HasUser(user string) bool {
	return containsString(i.Users, user)
}

// HasTactic reports whether the incident already tracks the given MITRE tactic
func (i *Incident) HasTactic(tactic string) bool {
	return containsString(i.MitreTactics, tactic)
}

func appendUnique(set []string, v string) []string {
	if containsString(set, v) {
		return set
	}
	return append(set, v)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
