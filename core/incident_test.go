package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidentAbsorbRecomputesAggregates(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	inc := &Incident{Status: IncidentStatusOpen, Severity: 1}

	inc.Absorb(&Alert{
		Severity:     2,
		EventCount:   3,
		Host:         "ws-01",
		User:         "alice",
		MitreTactic:  "credential-access",
		FirstEventAt: t0,
		LastEventAt:  t0.Add(time.Minute),
	})
	inc.Absorb(&Alert{
		Severity:     4,
		EventCount:   1,
		Host:         "ws-01",
		User:         "bob",
		MitreTactic:  "lateral-movement",
		FirstEventAt: t0.Add(-time.Minute),
		LastEventAt:  t0.Add(10 * time.Minute),
	})

	assert.Equal(t, 4, inc.Severity)
	assert.Equal(t, 2, inc.AlertCount)
	assert.Equal(t, 4, inc.EventCount)
	assert.Equal(t, []string{"ws-01"}, inc.Hosts)
	assert.ElementsMatch(t, []string{"alice", "bob"}, inc.Users)
	assert.ElementsMatch(t, []string{"credential-access", "lateral-movement"}, inc.MitreTactics)
	assert.Equal(t, t0.Add(-time.Minute), inc.FirstEventAt)
	assert.Equal(t, t0.Add(10*time.Minute), inc.LastEventAt)
}

func TestIncidentTransitions(t *testing.T) {
	inc := &Incident{Status: IncidentStatusOpen}
	require.NoError(t, inc.TransitionTo(IncidentStatusInvestigating))
	require.NoError(t, inc.TransitionTo(IncidentStatusContained))
	require.NoError(t, inc.TransitionTo(IncidentStatusResolved))
	require.NoError(t, inc.TransitionTo(IncidentStatusClosed))
	assert.True(t, inc.Status.IsTerminal())

	err := inc.TransitionTo(IncidentStatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIncidentHasHelpers(t *testing.T) {
	inc := &Incident{Hosts: []string{"ws-01"}, Users: []string{"alice"}, MitreTactics: []string{"execution"}}
	assert.True(t, inc.HasHost("ws-01"))
	assert.False(t, inc.HasHost("ws-02"))
	assert.True(t, inc.HasUser("alice"))
	assert.True(t, inc.HasTactic("execution"))
}
