package soar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApprovalApproveAndReject(t *testing.T) {
	s := NewApprovalService(0, zap.NewNop().Sugar())

	ch1 := s.Wait("exec-1")
	ch2 := s.Wait("exec-2")
	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, s.Pending())

	require.NoError(t, s.Approve("exec-1", "alice", "looks safe"))
	d := <-ch1
	assert.True(t, d.Approved)
	assert.Equal(t, "alice", d.DecidedBy)
	assert.Equal(t, "looks safe", d.Comment)

	require.NoError(t, s.Reject("exec-2", "bob", ""))
	d = <-ch2
	assert.False(t, d.Approved)
	assert.Equal(t, "bob", d.DecidedBy)

	assert.Empty(t, s.Pending())
}

func TestApprovalUnknownExecution(t *testing.T) {
	s := NewApprovalService(0, zap.NewNop().Sugar())
	assert.ErrorIs(t, s.Approve("nope", "alice", ""), ErrNoPendingApproval)
	assert.ErrorIs(t, s.Reject("nope", "alice", ""), ErrNoPendingApproval)
}

func TestApprovalSecondDecisionRejected(t *testing.T) {
	s := NewApprovalService(0, zap.NewNop().Sugar())
	_ = s.Wait("exec-1")
	require.NoError(t, s.Approve("exec-1", "alice", ""))
	// decided gates are removed, so a second decision reports no pending gate
	assert.ErrorIs(t, s.Reject("exec-1", "bob", ""), ErrNoPendingApproval)
}

func TestApprovalExpiry(t *testing.T) {
	s := NewApprovalService(50*time.Millisecond, zap.NewNop().Sugar())
	s.Start(context.Background())
	defer s.Stop()

	ch := s.Wait("exec-1")

	select {
	case d := <-ch:
		assert.False(t, d.Approved)
		assert.True(t, d.Expired)
	case <-time.After(5 * time.Second):
		t.Fatal("approval did not expire")
	}
}

func TestApprovalAbandon(t *testing.T) {
	s := NewApprovalService(0, zap.NewNop().Sugar())
	_ = s.Wait("exec-1")
	s.Abandon("exec-1")
	assert.Empty(t, s.Pending())
	assert.ErrorIs(t, s.Approve("exec-1", "alice", ""), ErrNoPendingApproval)
}
