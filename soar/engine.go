package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
	"bastion/util/goroutine"
)

// Store is the persistence surface the engine needs.
type Store interface {
	CreateExecution(ctx context.Context, e *core.PlaybookExecution) error
	UpdateExecution(ctx context.Context, e *core.PlaybookExecution) error
	ListExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*core.PlaybookExecution, error)
	AppendLog(ctx context.Context, entry *storage.LogEntry) error
	UpdatePlaybookStats(ctx context.Context, p *core.Playbook) error
}

var (
	// ErrExecutionNotActive is returned when cancelling or rolling back an
	// execution the engine is not currently driving
	ErrExecutionNotActive = errors.New("execution is not active")
	// ErrEngineStopped is returned when triggering on a stopped engine
	ErrEngineStopped = errors.New("execution engine is stopped")
)

// control carries the asynchronous signals one in-flight execution listens to.
type control struct {
	cancelCh   chan struct{}
	rollbackCh chan struct{}
	cancelOnce sync.Once
	rbOnce     sync.Once
}

// Engine drives playbook executions through their state machine: the approval
// gate, the sequential step loop with timeout and retry, rollback on failure,
// and terminal bookkeeping. Concurrency is bounded by a semaphore; the step
// loop itself is strictly sequential per execution.
type Engine struct {
	store     Store
	registry  *Registry
	approvals *ApprovalService
	logger    *zap.SugaredLogger

	semaphore      chan struct{}
	defaultTimeout time.Duration
	// delayFn computes the backoff between attempts; swappable in tests
	delayFn func(errType ErrorType, retryIdx int, configured time.Duration) time.Duration
	// onStateChange, when set, is invoked after every persisted state change
	onStateChange func(*core.PlaybookExecution)

	mu      sync.Mutex
	active  map[string]*control
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an execution engine with at most maxConcurrent
// simultaneously running executions.
func NewEngine(store Store, registry *Registry, approvals *ApprovalService, maxConcurrent int, defaultTimeout time.Duration, logger *zap.SugaredLogger) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          store,
		registry:       registry,
		approvals:      approvals,
		logger:         logger,
		semaphore:      make(chan struct{}, maxConcurrent),
		defaultTimeout: defaultTimeout,
		delayFn:        retryDelay,
		active:         make(map[string]*control),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// OnStateChange registers a callback invoked after each persisted execution
// state change, used to stream execution progress to notification channels.
// Must be set before the first Trigger.
func (en *Engine) OnStateChange(fn func(*core.PlaybookExecution)) {
	en.onStateChange = fn
}

// Reconcile terminates executions a previous process left non-terminal.
// Approval gates and cancellation channels live in memory, so an interrupted
// execution cannot be resumed; left alone it would hold the active slot for
// its (playbook, alert) pair and block every future trigger of that pair.
// Call once at startup, before serving new triggers.
func (en *Engine) Reconcile(ctx context.Context) error {
	orphaned := 0
	for _, status := range []core.ExecutionStatus{
		core.ExecutionStatusPending,
		core.ExecutionStatusRunning,
		core.ExecutionStatusAwaitingApproval,
	} {
		execs, err := en.store.ListExecutions(ctx, storage.ExecutionFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to list %s executions: %w", status, err)
		}
		for _, exec := range execs {
			if !en.transition(exec, core.ExecutionStatusCancelled) {
				continue
			}
			exec.Error = "interrupted by service restart"
			en.persist(exec)
			en.appendLog(&storage.LogEntry{
				ExecutionID: exec.ID,
				Kind:        storage.LogKindCompleted,
				Detail: map[string]interface{}{
					"status": string(core.ExecutionStatusCancelled),
					"reason": "service restart",
				},
			})
			metrics.PlaybookExecutionsTotal.WithLabelValues(exec.PlaybookID, string(core.ExecutionStatusCancelled)).Inc()
			orphaned++
		}
	}
	if orphaned > 0 {
		en.logger.Warnw("Cancelled executions orphaned by restart", "count", orphaned)
	}
	return nil
}

// Stop prevents new executions and waits for in-flight ones to finish their
// current step.
func (en *Engine) Stop() {
	en.mu.Lock()
	en.stopped = true
	en.mu.Unlock()
	en.cancel()
	en.wg.Wait()
}

// Trigger creates and starts one execution of the playbook against the
// alert. The at-most-one-active invariant per (playbook, alert) is enforced
// by the store; a duplicate returns storage.ErrDuplicateExecution with no
// side effects.
func (en *Engine) Trigger(ctx context.Context, p *core.Playbook, alert *core.Alert, triggeredBy string) (*core.PlaybookExecution, error) {
	en.mu.Lock()
	if en.stopped {
		en.mu.Unlock()
		return nil, ErrEngineStopped
	}
	en.mu.Unlock()

	exec := &core.PlaybookExecution{
		ID:           uuid.New().String(),
		PlaybookID:   p.ID,
		PlaybookName: p.Name,
		AlertID:      alert.ID,
		IncidentID:   alert.IncidentID,
		Status:       core.ExecutionStatusPending,
		CurrentStep:  -1,
		TriggeredBy:  triggeredBy,
		CreatedAt:    time.Now().UTC(),
	}

	if err := en.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	en.appendLog(&storage.LogEntry{
		ExecutionID: exec.ID,
		Kind:        storage.LogKindQueued,
		Detail: map[string]interface{}{
			"playbook_id":  p.ID,
			"alert_id":     alert.ID,
			"triggered_by": triggeredBy,
		},
	})
	metrics.PlaybookQueueDepth.Inc()
	if en.onStateChange != nil {
		en.onStateChange(exec)
	}

	ctl := &control{
		cancelCh:   make(chan struct{}),
		rollbackCh: make(chan struct{}),
	}
	en.mu.Lock()
	en.active[exec.ID] = ctl
	en.mu.Unlock()

	// snapshot before the run goroutine starts mutating the record
	snapshot := *exec

	en.wg.Add(1)
	go func() {
		defer en.wg.Done()
		defer goroutine.Recover("playbook-execution", en.logger)
		defer func() {
			en.mu.Lock()
			delete(en.active, exec.ID)
			en.mu.Unlock()
		}()
		en.run(exec, p, alert, ctl)
	}()

	return &snapshot, nil
}

// Cancel requests cooperative cancellation: no new steps are dispatched, the
// step already in flight is allowed to finish.
func (en *Engine) Cancel(executionID string) error {
	en.mu.Lock()
	ctl, ok := en.active[executionID]
	en.mu.Unlock()
	if !ok {
		return ErrExecutionNotActive
	}
	ctl.cancelOnce.Do(func() { close(ctl.cancelCh) })
	en.approvals.Abandon(executionID)
	return nil
}

// RequestRollback asks a running execution to stop and compensate its
// already-succeeded steps, terminating as rolled_back.
func (en *Engine) RequestRollback(executionID string) error {
	en.mu.Lock()
	ctl, ok := en.active[executionID]
	en.mu.Unlock()
	if !ok {
		return ErrExecutionNotActive
	}
	ctl.rbOnce.Do(func() { close(ctl.rollbackCh) })
	return nil
}

func (en *Engine) run(exec *core.PlaybookExecution, p *core.Playbook, alert *core.Alert, ctl *control) {
	// bound concurrency before doing any work
	select {
	case en.semaphore <- struct{}{}:
		defer func() { <-en.semaphore }()
	case <-ctl.cancelCh:
		metrics.PlaybookQueueDepth.Dec()
		en.finishCancelled(exec, p)
		return
	case <-en.ctx.Done():
		metrics.PlaybookQueueDepth.Dec()
		return
	}
	metrics.PlaybookQueueDepth.Dec()

	started := time.Now()
	defer func() {
		metrics.PlaybookExecutionDuration.WithLabelValues(p.ID).Observe(time.Since(started).Seconds())
	}()

	if !p.ApprovalBypassed(alert.Severity) {
		if !en.waitApproval(exec, p) {
			return
		}
	} else if !en.transition(exec, core.ExecutionStatusRunning) {
		return
	}

	now := time.Now().UTC()
	exec.StartedAt = &now
	en.persist(exec)
	en.appendLog(&storage.LogEntry{ExecutionID: exec.ID, Kind: storage.LogKindStarted})

	outputs := make(map[string]interface{})

	for i := range p.Actions {
		select {
		case <-ctl.cancelCh:
			en.finishCancelled(exec, p)
			return
		case <-ctl.rollbackCh:
			en.rollback(exec, p, alert, i)
			en.finish(exec, p, core.ExecutionStatusRolledBack, "rollback requested")
			return
		case <-en.ctx.Done():
			en.finishCancelled(exec, p)
			return
		default:
		}

		action := &p.Actions[i]
		exec.CurrentStep = i
		en.persist(exec)

		ok := en.runStep(exec, action, alert, i, outputs)
		if ok {
			continue
		}
		if action.ContinueOnFailure {
			en.appendLog(&storage.LogEntry{
				ExecutionID: exec.ID,
				Kind:        storage.LogKindActionResult,
				ActionName:  action.Name,
				ActionType:  action.Type,
				Detail:      map[string]interface{}{"continue_on_failure": true},
			})
			continue
		}

		// failure path: compensate succeeded earlier steps in reverse order,
		// then terminate as failed (RolledBack marks that compensation ran)
		en.rollback(exec, p, alert, i)
		en.finish(exec, p, core.ExecutionStatusFailed, fmt.Sprintf("action %q failed", action.Name))
		return
	}

	en.finish(exec, p, core.ExecutionStatusSuccess, "")
}

// runStep executes one action with its timeout and retry budget. Every
// attempt appends its own ActionResult; the step succeeds when any attempt
// does.
func (en *Engine) runStep(exec *core.PlaybookExecution, action *core.PlaybookAction, alert *core.Alert, seq int, outputs map[string]interface{}) bool {
	handler, err := en.registry.Get(action.Type)
	if err != nil {
		// playbook validation should have caught this; record and fail the step
		en.recordAttempt(exec, action, seq, 1, core.ActionResultFailed, nil, err, time.Now().UTC(), time.Now().UTC())
		return false
	}

	timeout := en.defaultTimeout
	if action.TimeoutSeconds > 0 {
		timeout = time.Duration(action.TimeoutSeconds) * time.Second
	}

	maxAttempts := action.RetryCount + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		en.appendLog(&storage.LogEntry{
			ExecutionID: exec.ID,
			Kind:        storage.LogKindActionAttempt,
			ActionName:  action.Name,
			ActionType:  action.Type,
			Attempt:     attempt,
			Detail:      map[string]interface{}{"timeout_seconds": int(timeout.Seconds())},
		})

		attemptStart := time.Now().UTC()
		ctx, cancel := context.WithTimeout(en.ctx, timeout)
		out, err := handler.Execute(ctx, &ActionRequest{
			ExecutionID: exec.ID,
			Alert:       alert,
			Config:      action.Config,
			Outputs:     outputs,
		})
		cancel()
		attemptEnd := time.Now().UTC()

		if err == nil {
			if action.Name != "" && out != nil {
				outputs[action.Name] = out
			}
			en.recordAttempt(exec, action, seq, attempt, core.ActionResultSuccess, out, nil, attemptStart, attemptEnd)
			metrics.ActionsExecuted.WithLabelValues(action.Type, "success").Inc()
			return true
		}

		errType := ClassifyError(err)
		status := core.ActionResultFailed
		if errType == ErrorTypeTimeout {
			status = core.ActionResultTimeout
		}
		en.recordAttempt(exec, action, seq, attempt, status, nil, err, attemptStart, attemptEnd)
		metrics.ActionsExecuted.WithLabelValues(action.Type, string(status)).Inc()

		en.logger.Warnw("Action attempt failed",
			"execution_id", exec.ID,
			"action", action.Name,
			"action_type", action.Type,
			"attempt", attempt,
			"error_type", string(errType),
			"error", err)

		if !errType.IsRetryable() || attempt == maxAttempts {
			return false
		}

		metrics.ActionRetries.WithLabelValues(action.Type).Inc()
		delay := en.delayFn(errType, attempt-1, time.Duration(action.RetryDelaySeconds)*time.Second)
		select {
		case <-time.After(delay):
		case <-en.ctx.Done():
			return false
		}
	}
	return false
}

// rollback compensates steps before failedSeq that succeeded and configure a
// rollback action, in reverse sequence order. Rollback actions get one
// attempt each; their failures are logged but do not stop the sweep.
func (en *Engine) rollback(exec *core.PlaybookExecution, p *core.Playbook, alert *core.Alert, failedSeq int) {
	invoked := false
	for i := failedSeq - 1; i >= 0; i-- {
		action := &p.Actions[i]
		if action.Rollback == nil || !stepSucceeded(exec, i) {
			continue
		}

		handler, err := en.registry.Get(action.Rollback.Type)
		if err != nil {
			en.logger.Errorw("Rollback handler missing", "execution_id", exec.ID, "type", action.Rollback.Type)
			continue
		}

		invoked = true
		ctx, cancel := context.WithTimeout(en.ctx, en.defaultTimeout)
		_, rbErr := handler.Execute(ctx, &ActionRequest{
			ExecutionID: exec.ID,
			Alert:       alert,
			Config:      action.Rollback.Config,
		})
		cancel()

		detail := map[string]interface{}{"compensates_seq": i}
		if rbErr != nil {
			detail["error"] = rbErr.Error()
			en.logger.Errorw("Rollback action failed",
				"execution_id", exec.ID, "action", action.Name, "error", rbErr)
		} else {
			markRolledBack(exec, i)
		}
		en.appendLog(&storage.LogEntry{
			ExecutionID: exec.ID,
			Kind:        storage.LogKindRollbackAction,
			ActionName:  action.Rollback.Name,
			ActionType:  action.Rollback.Type,
			Detail:      detail,
		})
	}

	if invoked {
		exec.RolledBack = true
		metrics.RollbacksInvoked.WithLabelValues(p.ID).Inc()
	}
}

// waitApproval parks the execution at the gate. Returns true when approved
// and transitioned to running.
func (en *Engine) waitApproval(exec *core.PlaybookExecution, p *core.Playbook) bool {
	// arm the gate before the status becomes visible so a decision can never
	// land between the two
	decisionCh := en.approvals.Wait(exec.ID)
	if !en.transition(exec, core.ExecutionStatusAwaitingApproval) {
		en.approvals.Abandon(exec.ID)
		return false
	}
	en.persist(exec)
	en.appendLog(&storage.LogEntry{ExecutionID: exec.ID, Kind: storage.LogKindAwaitingHuman})

	ctl := en.controlFor(exec.ID)

	var d Decision
	select {
	case d = <-decisionCh:
	case <-ctl.cancelCh:
		en.finishCancelled(exec, p)
		return false
	case <-en.ctx.Done():
		// engine shutdown: leave the execution awaiting_approval for recovery
		return false
	}

	now := d.At
	exec.DecidedAt = &now
	exec.ApprovalComment = d.Comment
	if !d.Approved {
		exec.RejectedBy = d.DecidedBy
		kind := storage.LogKindRejected
		detail := map[string]interface{}{"rejected_by": d.DecidedBy}
		if d.Comment != "" {
			detail["comment"] = d.Comment
		}
		if d.Expired {
			detail["expired"] = true
		}
		en.appendLog(&storage.LogEntry{ExecutionID: exec.ID, Kind: kind, Detail: detail})
		metrics.ExecutionsRejected.Inc()
		en.finish(exec, p, core.ExecutionStatusRejected, "approval rejected")
		return false
	}

	exec.ApprovedBy = d.DecidedBy
	detail := map[string]interface{}{"approved_by": d.DecidedBy}
	if d.Comment != "" {
		detail["comment"] = d.Comment
	}
	en.appendLog(&storage.LogEntry{
		ExecutionID: exec.ID,
		Kind:        storage.LogKindApproved,
		Detail:      detail,
	})
	return en.transition(exec, core.ExecutionStatusRunning)
}

func (en *Engine) controlFor(executionID string) *control {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.active[executionID]
}

func (en *Engine) recordAttempt(exec *core.PlaybookExecution, action *core.PlaybookAction, seq, attempt int, status core.ActionResultStatus, out map[string]interface{}, err error, start, end time.Time) {
	result := core.ActionResult{
		Seq:        seq,
		ActionName: action.Name,
		ActionType: action.Type,
		Status:     status,
		Attempt:    attempt,
		Output:     out,
		StartedAt:  start,
		FinishedAt: &end,
		DurationMs: end.Sub(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	exec.Results = append(exec.Results, result)
	en.persist(exec)

	detail := map[string]interface{}{"status": string(status), "duration_ms": result.DurationMs}
	if err != nil {
		detail["error"] = err.Error()
	}
	en.appendLog(&storage.LogEntry{
		ExecutionID: exec.ID,
		Kind:        storage.LogKindActionResult,
		ActionName:  action.Name,
		ActionType:  action.Type,
		Attempt:     attempt,
		Detail:      detail,
	})
}

// finish drives the execution to a terminal status and updates playbook
// statistics.
func (en *Engine) finish(exec *core.PlaybookExecution, p *core.Playbook, status core.ExecutionStatus, errMsg string) {
	if errMsg != "" {
		exec.Error = errMsg
	}
	if !en.transition(exec, status) {
		return
	}
	en.persist(exec)
	en.appendLog(&storage.LogEntry{
		ExecutionID: exec.ID,
		Kind:        storage.LogKindCompleted,
		Detail:      map[string]interface{}{"status": string(status), "rolled_back": exec.RolledBack},
	})
	metrics.PlaybookExecutionsTotal.WithLabelValues(p.ID, string(status)).Inc()

	now := time.Now().UTC()
	p.RunCount++
	p.LastRunAt = &now
	switch status {
	case core.ExecutionStatusSuccess:
		p.SuccessCount++
	case core.ExecutionStatusFailed, core.ExecutionStatusRolledBack:
		p.FailureCount++
	}
	if err := en.store.UpdatePlaybookStats(context.Background(), p); err != nil {
		en.logger.Errorw("Failed to update playbook stats", "playbook_id", p.ID, "error", err)
	}
}

func (en *Engine) finishCancelled(exec *core.PlaybookExecution, p *core.Playbook) {
	en.finish(exec, p, core.ExecutionStatusCancelled, "")
}

func (en *Engine) transition(exec *core.PlaybookExecution, status core.ExecutionStatus) bool {
	if err := exec.TransitionTo(status); err != nil {
		en.logger.Errorw("Illegal execution transition",
			"execution_id", exec.ID, "from", exec.Status, "to", status, "error", err)
		return false
	}
	return true
}

func (en *Engine) persist(exec *core.PlaybookExecution) {
	if err := en.store.UpdateExecution(context.Background(), exec); err != nil {
		en.logger.Errorw("Failed to persist execution", "execution_id", exec.ID, "error", err)
	}
	if en.onStateChange != nil {
		en.onStateChange(exec)
	}
}

func (en *Engine) appendLog(entry *storage.LogEntry) {
	if err := en.store.AppendLog(context.Background(), entry); err != nil {
		en.logger.Errorw("Failed to append execution log", "execution_id", entry.ExecutionID, "error", err)
	}
}

func stepSucceeded(exec *core.PlaybookExecution, seq int) bool {
	for i := range exec.Results {
		r := &exec.Results[i]
		if r.Seq == seq && r.Status == core.ActionResultSuccess {
			return true
		}
	}
	return false
}

func markRolledBack(exec *core.PlaybookExecution, seq int) {
	for i := range exec.Results {
		r := &exec.Results[i]
		if r.Seq == seq && r.Status == core.ActionResultSuccess {
			r.RolledBack = true
		}
	}
}
