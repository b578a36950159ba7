package core

import (
	"fmt"
	"strings"
	"time"
)

// TriggerPredicate decides which alerts a playbook responds to. Each list is
// a disjunction over its own values; the lists and the optional Condition are
// conjoined. Empty lists place no restriction.
type TriggerPredicate struct {
	Severities   []int    `json:"severities,omitempty" yaml:"severities,omitempty"`
	MitreTactics []string `json:"mitre_tactics,omitempty" yaml:"mitre_tactics,omitempty"`
	RuleNames    []string `json:"rule_names,omitempty" yaml:"rule_names,omitempty"`
	// Condition is an optional predicate over alert fields
	Condition *Predicate `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Matches evaluates the list-based trigger criteria against an alert. The
// optional Condition is evaluated by the matcher, which owns field resolution.
func (t *TriggerPredicate) Matches(a *Alert) bool {
	if len(t.Severities) > 0 {
		found := false
		for _, s := range t.Severities {
			if s == a.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(t.MitreTactics) > 0 && !containsString(t.MitreTactics, a.MitreTactic) {
		return false
	}
	if len(t.RuleNames) > 0 && !containsString(t.RuleNames, a.RuleName) {
		return false
	}
	return true
}

// PlaybookAction is one ordered step of a playbook. Type names a registered
// action handler; Config is handler-specific.
type PlaybookAction struct {
	Name   string                 `json:"name" yaml:"name"`
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// TimeoutSeconds bounds a single attempt; 0 uses the engine default
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// RetryCount is the number of retries after the first attempt
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	// RetryDelaySeconds is the base delay between attempts
	RetryDelaySeconds int `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds,omitempty"`
	// ContinueOnFailure lets the run proceed past this step's failure
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	// Rollback, when set, compensates this step if a later step fails
	Rollback *PlaybookAction `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// Playbook is an ordered automated response bound to alerts by its trigger.
type Playbook struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	// Priority orders matching when several playbooks trigger, ascending
	Priority int `json:"priority"`

	Trigger TriggerPredicate `json:"trigger" yaml:"trigger"`
	Actions []PlaybookAction `json:"actions" yaml:"actions"`

	// RequiresApproval gates execution behind a human decision
	RequiresApproval bool `json:"requires_approval"`
	// AutoApproveSeverities bypasses the approval gate for these alert severities
	AutoApproveSeverities []int `json:"auto_approve_severities,omitempty"`

	// Run statistics, maintained by the execution engine
	RunCount     int64      `json:"run_count"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalBypassed reports whether the approval gate is skipped for an alert
// of the given severity.
func (p *Playbook) ApprovalBypassed(severity int) bool {
	if !p.RequiresApproval {
		return true
	}
	for _, s := range p.AutoApproveSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

// Validate checks structural integrity of the playbook definition.
func (p *Playbook) Validate() error {
	if p == nil {
		return fmt.Errorf("cannot validate nil playbook")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("playbook id cannot be empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("playbook %s: name cannot be empty", p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %s: must define at least one action", p.ID)
	}
	for _, s := range p.Trigger.Severities {
		if s < 0 || s > 4 {
			return fmt.Errorf("playbook %s: trigger severity must be 0-4, got %d", p.ID, s)
		}
	}
	if p.Trigger.Condition != nil {
		if err := p.Trigger.Condition.Validate(); err != nil {
			return fmt.Errorf("playbook %s trigger: %w", p.ID, err)
		}
	}
	for i := range p.Actions {
		if err := validateAction(&p.Actions[i], p.ID, i); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(a *PlaybookAction, playbookID string, idx int) error {
	if strings.TrimSpace(a.Type) == "" {
		return fmt.Errorf("playbook %s action %d: type cannot be empty", playbookID, idx)
	}
	if a.TimeoutSeconds < 0 {
		return fmt.Errorf("playbook %s action %d: timeout cannot be negative", playbookID, idx)
	}
	if a.RetryCount < 0 {
		return fmt.Errorf("playbook %s action %d: retry count cannot be negative", playbookID, idx)
	}
	if a.Rollback != nil {
		if a.Rollback.Rollback != nil {
			return fmt.Errorf("playbook %s action %d: rollback actions cannot nest rollbacks", playbookID, idx)
		}
		if strings.TrimSpace(a.Rollback.Type) == "" {
			return fmt.Errorf("playbook %s action %d: rollback type cannot be empty", playbookID, idx)
		}
	}
	return nil
}
