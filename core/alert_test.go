package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    AlertStatus
		to      AlertStatus
		wantErr bool
	}{
		{"new to acknowledged", AlertStatusNew, AlertStatusAcknowledged, false},
		{"new to investigating", AlertStatusNew, AlertStatusInvestigating, false},
		{"new to resolved", AlertStatusNew, AlertStatusResolved, false},
		{"new to false positive", AlertStatusNew, AlertStatusFalsePositive, false},
		{"acknowledged to investigating", AlertStatusAcknowledged, AlertStatusInvestigating, false},
		{"investigating to resolved", AlertStatusInvestigating, AlertStatusResolved, false},
		{"resolved is terminal", AlertStatusResolved, AlertStatusNew, true},
		{"false positive is terminal", AlertStatusFalsePositive, AlertStatusInvestigating, true},
		{"no skipping back", AlertStatusInvestigating, AlertStatusNew, true},
		{"investigating to acknowledged not allowed", AlertStatusInvestigating, AlertStatusAcknowledged, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Alert{Status: tt.from}
			err := a.TransitionTo(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, a.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, a.Status)
			}
		})
	}
}

func TestAlertTransitionRejectsUnknownStatus(t *testing.T) {
	a := &Alert{Status: AlertStatusNew}
	err := a.TransitionTo(AlertStatus("bogus"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAlertAppendEvents(t *testing.T) {
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := first.Add(5 * time.Minute)

	a := &Alert{Status: AlertStatusNew}
	require.NoError(t, a.AppendEvents([]string{"e1", "e2"}, first, last))
	assert.Equal(t, 2, a.EventCount)
	assert.Equal(t, first, a.FirstEventAt)
	assert.Equal(t, last, a.LastEventAt)

	// earlier and later events widen the bounds
	earlier := first.Add(-time.Minute)
	later := last.Add(time.Minute)
	require.NoError(t, a.AppendEvents([]string{"e3"}, earlier, later))
	assert.Equal(t, 3, a.EventCount)
	assert.Equal(t, earlier, a.FirstEventAt)
	assert.Equal(t, later, a.LastEventAt)
}

func TestAlertAppendEventsRejectedWhenTerminal(t *testing.T) {
	a := &Alert{Status: AlertStatusResolved, EventIDs: []string{"e1"}, EventCount: 1}
	err := a.AppendEvents([]string{"e2"}, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrAlertTerminal)
	assert.Equal(t, 1, a.EventCount)
}

func TestNewAlertRef(t *testing.T) {
	ref := NewAlertRef()
	assert.Len(t, ref, 12)
	assert.Equal(t, "ALT-", ref[:4])
	assert.NotEqual(t, ref, NewAlertRef())
}
