package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bastion/core"
)

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator(100, time.Minute)

	e := core.NewEvent()
	e.EventTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SourceType = "windows"
	e.EventCode = "4624"
	e.Host = "ws-01"

	assert.False(t, d.IsDuplicate(e))

	// redelivery with a fresh delivery ID is still a duplicate
	redelivery := *e
	redelivery.EventID = "different-delivery-id"
	assert.True(t, d.IsDuplicate(&redelivery))

	// a different host is a different event
	other := *e
	other.Host = "ws-02"
	assert.False(t, d.IsDuplicate(&other))
}
