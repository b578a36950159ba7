package soar

import (
	"context"

	"bastion/core"
)

// Action type names. Each maps to a registered handler backed by an external
// integration.
const (
	ActionBlockIP          = "block_ip"
	ActionIsolateHost      = "isolate_host"
	ActionKillProcess      = "kill_process"
	ActionSendEmail        = "send_email"
	ActionCreateTicket     = "create_ticket"
	ActionSlackNotify      = "slack_notification"
	ActionQuarantineFile   = "quarantine_file"
	ActionDisableUser      = "disable_user_account"
	ActionCheckThreatIntel = "check_threat_intelligence"
)

// ActionRequest carries everything a handler needs for one attempt. Outputs
// accumulates the output variables of earlier steps in the same execution and
// is readable by later handlers.
type ActionRequest struct {
	ExecutionID string
	Alert       *core.Alert
	Config      map[string]interface{}
	Outputs     map[string]interface{}
}

// ConfigString reads a string value from the action config, falling back to
// def when absent or mistyped.
func (r *ActionRequest) ConfigString(key, def string) string {
	if v, ok := r.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Action is the handler contract for one action type. Execute must respect
// ctx cancellation; the engine enforces the timeout and records every
// attempt, while idempotency under retry is the handler's concern.
type Action interface {
	Type() string
	Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, error)
}
