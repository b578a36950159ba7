package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ExecutionStatus
		to      ExecutionStatus
		wantErr bool
	}{
		{"pending to running", ExecutionStatusPending, ExecutionStatusRunning, false},
		{"pending to awaiting approval", ExecutionStatusPending, ExecutionStatusAwaitingApproval, false},
		{"pending to cancelled", ExecutionStatusPending, ExecutionStatusCancelled, false},
		{"pending straight to success", ExecutionStatusPending, ExecutionStatusSuccess, true},
		{"running to success", ExecutionStatusRunning, ExecutionStatusSuccess, false},
		{"running to failed", ExecutionStatusRunning, ExecutionStatusFailed, false},
		{"running to rolled back", ExecutionStatusRunning, ExecutionStatusRolledBack, false},
		{"running to awaiting approval", ExecutionStatusRunning, ExecutionStatusAwaitingApproval, false},
		{"awaiting approval to running", ExecutionStatusAwaitingApproval, ExecutionStatusRunning, false},
		{"awaiting approval to rejected", ExecutionStatusAwaitingApproval, ExecutionStatusRejected, false},
		{"awaiting approval to cancelled", ExecutionStatusAwaitingApproval, ExecutionStatusCancelled, false},
		{"awaiting approval to success", ExecutionStatusAwaitingApproval, ExecutionStatusSuccess, true},
		{"success is terminal", ExecutionStatusSuccess, ExecutionStatusRunning, true},
		{"failed is terminal", ExecutionStatusFailed, ExecutionStatusRunning, true},
		{"rejected is terminal", ExecutionStatusRejected, ExecutionStatusRunning, true},
		{"cancelled is terminal", ExecutionStatusCancelled, ExecutionStatusRunning, true},
		{"rolled back is terminal", ExecutionStatusRolledBack, ExecutionStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &PlaybookExecution{Status: tt.from}
			err := e.TransitionTo(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, e.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, e.Status)
			}
		})
	}
}

func TestExecutionTerminalStampsCompletedAt(t *testing.T) {
	e := &PlaybookExecution{Status: ExecutionStatusRunning}
	require.NoError(t, e.TransitionTo(ExecutionStatusSuccess))
	require.NotNil(t, e.CompletedAt)
	assert.True(t, e.Status.IsTerminal())
}

func TestExecutionCanTransitionTo(t *testing.T) {
	e := &PlaybookExecution{Status: ExecutionStatusAwaitingApproval}
	assert.True(t, e.CanTransitionTo(ExecutionStatusRunning))
	assert.True(t, e.CanTransitionTo(ExecutionStatusRejected))
	assert.False(t, e.CanTransitionTo(ExecutionStatusFailed))
}
