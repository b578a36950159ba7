package soar

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/metrics"
	"bastion/util/goroutine"
)

var (
	// ErrNoPendingApproval is returned when deciding an execution that is not
	// waiting for approval
	ErrNoPendingApproval = errors.New("no pending approval for execution")
	// ErrAlreadyDecided is returned on a second decision for the same execution
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Decision is the outcome of an approval gate.
type Decision struct {
	Approved  bool
	DecidedBy string
	Comment   string
	Expired   bool
	At        time.Time
}

type pendingApproval struct {
	ch       chan Decision
	deadline time.Time // zero means wait indefinitely
	decided  bool
}

// ApprovalService parks executions at the approval gate and resumes them when
// a decision arrives on the control path. Waiting consumes no worker: the
// execution goroutine blocks on its decision channel, and Approve/Reject are
// called from the API.
//
// By default an execution waits indefinitely. When an expiry is configured,
// undecided gates are rejected when it elapses.
type ApprovalService struct {
	mu      sync.Mutex
	waiting map[string]*pendingApproval

	expiry time.Duration
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApprovalService creates the approval gate. expiry <= 0 disables
// expiration.
func NewApprovalService(expiry time.Duration, logger *zap.SugaredLogger) *ApprovalService {
	return &ApprovalService{
		waiting: make(map[string]*pendingApproval),
		expiry:  expiry,
		logger:  logger,
	}
}

// Start launches the expiration sweep when an expiry is configured.
func (s *ApprovalService) Start(parentCtx context.Context) {
	if s.expiry <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("approval-expiry", s.logger)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireOverdue()
			}
		}
	}()
}

// Stop terminates the expiration sweep.
func (s *ApprovalService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Wait registers the execution at the gate and returns the channel its
// decision will arrive on. The channel is buffered so deciders never block.
func (s *ApprovalService) Wait(executionID string) <-chan Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &pendingApproval{ch: make(chan Decision, 1)}
	if s.expiry > 0 {
		p.deadline = time.Now().Add(s.expiry)
	}
	s.waiting[executionID] = p
	metrics.ApprovalsPending.Set(float64(len(s.waiting)))
	return p.ch
}

// Approve resumes a waiting execution.
func (s *ApprovalService) Approve(executionID, decidedBy, comment string) error {
	return s.decide(executionID, Decision{Approved: true, DecidedBy: decidedBy, Comment: comment, At: time.Now().UTC()})
}

// Reject terminates a waiting execution as rejected.
func (s *ApprovalService) Reject(executionID, decidedBy, comment string) error {
	return s.decide(executionID, Decision{Approved: false, DecidedBy: decidedBy, Comment: comment, At: time.Now().UTC()})
}

// Abandon removes a gate without a decision, used when the execution is
// cancelled while waiting.
func (s *ApprovalService) Abandon(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, executionID)
	metrics.ApprovalsPending.Set(float64(len(s.waiting)))
}

// Pending returns the IDs of executions currently waiting.
func (s *ApprovalService) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.waiting))
	for id := range s.waiting {
		ids = append(ids, id)
	}
	return ids
}

func (s *ApprovalService) decide(executionID string, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.waiting[executionID]
	if !ok {
		return ErrNoPendingApproval
	}
	if p.decided {
		return ErrAlreadyDecided
	}
	p.decided = true
	p.ch <- d
	delete(s.waiting, executionID)
	metrics.ApprovalsPending.Set(float64(len(s.waiting)))
	return nil
}

func (s *ApprovalService) expireOverdue() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.waiting {
		if p.deadline.IsZero() || now.Before(p.deadline) || p.decided {
			continue
		}
		p.decided = true
		p.ch <- Decision{Approved: false, Expired: true, At: now.UTC()}
		delete(s.waiting, id)
		s.logger.Warnw("Approval expired", "execution_id", id)
	}
	metrics.ApprovalsPending.Set(float64(len(s.waiting)))
}
