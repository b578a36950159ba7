package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlaybook() *Playbook {
	return &Playbook{
		ID:      "pb-1",
		Name:    "Contain host",
		Enabled: true,
		Trigger: TriggerPredicate{Severities: []int{3, 4}},
		Actions: []PlaybookAction{
			{Name: "isolate", Type: "isolate_host"},
		},
	}
}

func TestPlaybookValidate(t *testing.T) {
	require.NoError(t, validPlaybook().Validate())

	p := validPlaybook()
	p.Actions = nil
	assert.Error(t, p.Validate())

	p = validPlaybook()
	p.Actions[0].Type = ""
	assert.Error(t, p.Validate())

	p = validPlaybook()
	p.Trigger.Severities = []int{7}
	assert.Error(t, p.Validate())

	p = validPlaybook()
	p.Actions[0].Rollback = &PlaybookAction{
		Type:     "unisolate_host",
		Rollback: &PlaybookAction{Type: "noop"},
	}
	assert.Error(t, p.Validate(), "rollbacks cannot nest")
}

func TestTriggerMatches(t *testing.T) {
	trigger := TriggerPredicate{
		Severities:   []int{3, 4},
		MitreTactics: []string{"lateral-movement"},
	}

	match := &Alert{Severity: 4, MitreTactic: "lateral-movement"}
	assert.True(t, trigger.Matches(match))

	wrongSeverity := &Alert{Severity: 1, MitreTactic: "lateral-movement"}
	assert.False(t, trigger.Matches(wrongSeverity))

	wrongTactic := &Alert{Severity: 4, MitreTactic: "execution"}
	assert.False(t, trigger.Matches(wrongTactic))

	// empty trigger matches everything
	assert.True(t, (&TriggerPredicate{}).Matches(&Alert{Severity: 0}))
}

func TestApprovalBypassed(t *testing.T) {
	p := &Playbook{RequiresApproval: true, AutoApproveSeverities: []int{4}}
	assert.True(t, p.ApprovalBypassed(4))
	assert.False(t, p.ApprovalBypassed(3))

	open := &Playbook{RequiresApproval: false}
	assert.True(t, open.ApprovalBypassed(0))
}
