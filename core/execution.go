package core

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the status of a playbook execution
type ExecutionStatus string

const (
	ExecutionStatusPending          ExecutionStatus = "pending"
	ExecutionStatusRunning          ExecutionStatus = "running"
	ExecutionStatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionStatusSuccess          ExecutionStatus = "success"
	ExecutionStatusFailed           ExecutionStatus = "failed"
	ExecutionStatusCancelled        ExecutionStatus = "cancelled"
	ExecutionStatusRejected         ExecutionStatus = "rejected"
	ExecutionStatusRolledBack       ExecutionStatus = "rolled_back"
)

// IsValid checks if the status is valid
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusAwaitingApproval,
		ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled,
		ExecutionStatusRejected, ExecutionStatusRolledBack:
		return true
	default:
		return false
	}
}

// validExecutionTransitions defines the legal edges of the execution state
// machine. Terminal statuses map to an empty slice.
var validExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:          {ExecutionStatusRunning, ExecutionStatusAwaitingApproval, ExecutionStatusCancelled},
	ExecutionStatusRunning:          {ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusAwaitingApproval, ExecutionStatusRolledBack},
	ExecutionStatusAwaitingApproval: {ExecutionStatusRunning, ExecutionStatusRejected, ExecutionStatusCancelled},
	ExecutionStatusSuccess:          {},
	ExecutionStatusFailed:           {},
	ExecutionStatusCancelled:        {},
	ExecutionStatusRejected:         {},
	ExecutionStatusRolledBack:       {},
}

// IsTerminal reports whether no further transitions are allowed from s
func (s ExecutionStatus) IsTerminal() bool {
	allowed, ok := validExecutionTransitions[s]
	return ok && len(allowed) == 0
}

// ActionResultStatus is the per-step outcome within one execution attempt.
type ActionResultStatus string

const (
	ActionResultPending ActionResultStatus = "pending"
	ActionResultRunning ActionResultStatus = "running"
	ActionResultSuccess ActionResultStatus = "success"
	ActionResultFailed  ActionResultStatus = "failed"
	ActionResultSkipped ActionResultStatus = "skipped"
	ActionResultTimeout ActionResultStatus = "timeout"
)

// ActionResult records the outcome of a single playbook step.
type ActionResult struct {
	// Seq is the zero-based step index within the playbook
	Seq        int                `json:"seq"`
	ActionName string             `json:"action_name"`
	ActionType string             `json:"action_type"`
	Status     ActionResultStatus `json:"status"`
	// Attempt is the number of attempts consumed, including retries
	Attempt    int                    `json:"attempt"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	// RolledBack is set when this step's compensating action ran
	RolledBack bool `json:"rolled_back,omitempty"`
}

// PlaybookExecution is one run of a playbook against a triggering alert.
type PlaybookExecution struct {
	ID           string `json:"id"`
	PlaybookID   string `json:"playbook_id"`
	PlaybookName string `json:"playbook_name"`
	AlertID      string `json:"alert_id"`
	IncidentID   string `json:"incident_id,omitempty"`

	Status  ExecutionStatus `json:"status"`
	Results []ActionResult  `json:"results,omitempty"`
	// CurrentStep is the index of the step in flight, -1 before the first step
	CurrentStep int `json:"current_step"`

	// Error carries the failure cause for failed/rolled_back executions
	Error string `json:"error,omitempty"`
	// RolledBack is set when compensation ran during a failure path;
	// the execution still terminates as failed in that case
	RolledBack bool `json:"rolled_back"`

	// TriggeredBy records what started the run: "auto" or an operator name
	TriggeredBy string `json:"triggered_by"`
	// ApprovedBy / RejectedBy record the approval decision maker
	ApprovedBy      string     `json:"approved_by,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	ApprovalComment string     `json:"approval_comment,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionTo validates and executes an execution status transition
func (e *PlaybookExecution) TransitionTo(newStatus ExecutionStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("%w: invalid execution status %q", ErrInvalidTransition, newStatus)
	}
	allowed, exists := validExecutionTransitions[e.Status]
	if !exists {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, e.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			e.Status = newStatus
			if newStatus.IsTerminal() {
				now := time.Now().UTC()
				e.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, newStatus)
}

// CanTransitionTo checks if a transition is allowed without executing it
func (e *PlaybookExecution) CanTransitionTo(newStatus ExecutionStatus) bool {
	allowed, exists := validExecutionTransitions[e.Status]
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
