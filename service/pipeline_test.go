package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/detect"
	"bastion/soar"
	"bastion/storage"
)

// recordingAction counts invocations so tests can assert on playbook dispatch.
type recordingAction struct {
	mu    sync.Mutex
	calls int
}

func (a *recordingAction) Type() string { return soar.ActionBlockIP }

func (a *recordingAction) Execute(ctx context.Context, req *soar.ActionRequest) (map[string]interface{}, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return map[string]interface{}{"ok": true}, nil
}

func (a *recordingAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type pipelineFixture struct {
	store  *storage.Store
	pipe   *Pipeline
	action *recordingAction
	engine *soar.Engine
}

func newPipelineFixture(t *testing.T, rules []*core.DetectionRule, playbooks []*core.Playbook, rps float64) *pipelineFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	st, err := storage.Open(filepath.Join(t.TempDir(), "bastion.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, r := range rules {
		require.NoError(t, st.SaveRule(context.Background(), r))
	}

	thresholds := detect.NewThresholdState(1000, time.Hour, logger)
	sequences := detect.NewSequenceState(1000, time.Hour, logger)
	evaluator := detect.NewEvaluator(thresholds, sequences, logger)
	evaluator.ReplaceRules(rules)

	action := &recordingAction{}
	registry := soar.NewRegistry()
	registry.Register(action)

	approvals := soar.NewApprovalService(0, logger)
	engine := soar.NewEngine(st, registry, approvals, 4, 5*time.Second, logger)
	t.Cleanup(engine.Stop)

	matcher := soar.NewMatcher(registry, logger)
	matcher.ReplacePlaybooks(playbooks)

	pool := core.NewWorkerPool(context.Background(), 2, 64, "events", logger)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	pipe := NewPipeline(PipelineConfig{
		Evaluator:     evaluator,
		Dedup:         detect.NewDeduplicator(1000, time.Minute),
		Events:        st,
		Alerts:        NewAlertService(st, logger),
		Incidents:     NewIncidentService(st, time.Hour, logger),
		Matcher:       matcher,
		Engine:        engine,
		Pool:          pool,
		RatePerSecond: rps,
		Logger:        logger,
	})
	return &pipelineFixture{store: st, pipe: pipe, action: action, engine: engine}
}

func bruteForceRule() *core.DetectionRule {
	now := time.Now().UTC()
	return &core.DetectionRule{
		ID:       "r-brute",
		Name:     "Brute force",
		Enabled:  true,
		Severity: 3,
		Type:     core.RuleTypeSimple,
		Match: &core.Predicate{
			Field: "event_code",
			Op:    core.OpEquals,
			Value: "4625",
		},
		AutoEscalate:        true,
		EscalateMinSeverity: 3,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func failedLogon(id, host string) *core.Event {
	return &core.Event{
		EventID:     id,
		EventTime:   time.Now().UTC(),
		SourceType:  "windows",
		EventCode:   "4625",
		Host:        host,
		SubjectUser: "jdoe",
		SourceIP:    "10.0.0.9",
	}
}

func TestIngestGeneratesAlertAndIncident(t *testing.T) {
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, nil, 0)

	require.NoError(t, f.pipe.Ingest(context.Background(), failedLogon("e-1", "ws-01")))

	var alerts []*core.Alert
	require.Eventually(t, func() bool {
		var err error
		alerts, err = f.store.ListAlerts(context.Background(), storage.AlertFilter{})
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	a := alerts[0]
	assert.Equal(t, "r-brute", a.RuleID)
	assert.Equal(t, 3, a.Severity)
	assert.Equal(t, core.AlertStatusNew, a.Status)
	assert.Equal(t, "ws-01", a.Host)
	assert.NotEmpty(t, a.IncidentID)

	inc, err := f.store.GetIncident(context.Background(), a.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentStatusOpen, inc.Status)
	assert.Equal(t, 1, inc.AlertCount)
	assert.True(t, inc.HasHost("ws-01"))

	events, err := f.store.ListEventsBetween(context.Background(),
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e-1", events[0].EventID)
}

func TestRelatedAlertsShareIncident(t *testing.T) {
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, nil, 0)

	e1 := failedLogon("e-1", "ws-01")
	e2 := failedLogon("e-2", "ws-01")
	e2.SubjectUser = "asmith" // same host keeps them correlated
	f.pipe.Process(context.Background(), e1, false)
	f.pipe.Process(context.Background(), e2, false)

	alerts, err := f.store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, alerts[0].IncidentID, alerts[1].IncidentID)

	inc, err := f.store.GetIncident(context.Background(), alerts[0].IncidentID)
	require.NoError(t, err)
	assert.Equal(t, 2, inc.AlertCount)
	assert.True(t, inc.HasUser("jdoe"))
	assert.True(t, inc.HasUser("asmith"))
}

func TestUnrelatedAlertOpensNewIncident(t *testing.T) {
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, nil, 0)

	e1 := failedLogon("e-1", "ws-01")
	e2 := failedLogon("e-2", "db-02")
	e2.SubjectUser = "svc-backup"
	e2.SourceIP = "10.9.9.9"
	f.pipe.Process(context.Background(), e1, false)
	f.pipe.Process(context.Background(), e2, false)

	incidents, err := f.store.ListIncidents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, incidents, 2)
}

func TestPipelineDispatchesPlaybook(t *testing.T) {
	pb := &core.Playbook{
		ID:      "pb-block",
		Name:    "Block source",
		Enabled: true,
		Trigger: core.TriggerPredicate{Severities: []int{3}},
		Actions: []core.PlaybookAction{
			{Name: "block", Type: soar.ActionBlockIP},
		},
	}
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, []*core.Playbook{pb}, 0)
	require.NoError(t, f.store.SavePlaybook(context.Background(), pb))

	f.pipe.Process(context.Background(), failedLogon("e-1", "ws-01"), true)

	require.Eventually(t, func() bool {
		execs, err := f.store.ListExecutions(context.Background(), storage.ExecutionFilter{PlaybookID: "pb-block"})
		return err == nil && len(execs) == 1 && execs[0].Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.action.Calls())
}

func TestReplayDoesNotDispatchPlaybooks(t *testing.T) {
	pb := &core.Playbook{
		ID:      "pb-block",
		Name:    "Block source",
		Enabled: true,
		Actions: []core.PlaybookAction{
			{Name: "block", Type: soar.ActionBlockIP},
		},
	}
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, []*core.Playbook{pb}, 0)
	require.NoError(t, f.store.SavePlaybook(context.Background(), pb))

	e := failedLogon("e-1", "ws-01")
	require.NoError(t, f.store.SaveEvent(context.Background(), e))

	n, err := f.pipe.Replay(context.Background(),
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts, err := f.store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	execs, err := f.store.ListExecutions(context.Background(), storage.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Equal(t, 0, f.action.Calls())
}

func TestIngestRejectsWhenRateLimited(t *testing.T) {
	f := newPipelineFixture(t, nil, nil, 1)

	require.NoError(t, f.pipe.Ingest(context.Background(), failedLogon("e-1", "ws-01")))

	var limited bool
	for i := 0; i < 5; i++ {
		if err := f.pipe.Ingest(context.Background(), failedLogon("e-2", "ws-01")); err == ErrRateLimited {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

func TestIngestDropsDuplicateEvents(t *testing.T) {
	f := newPipelineFixture(t, []*core.DetectionRule{bruteForceRule()}, nil, 0)

	e := failedLogon("e-1", "ws-01")
	require.NoError(t, f.pipe.Ingest(context.Background(), e))

	// identical payload under a different event id is the same occurrence
	dup := *e
	dup.EventID = "e-2"
	require.NoError(t, f.pipe.Ingest(context.Background(), &dup))

	require.Eventually(t, func() bool {
		alerts, err := f.store.ListAlerts(context.Background(), storage.AlertFilter{})
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	events, err := f.store.ListEventsBetween(context.Background(),
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngestRequiresEventID(t *testing.T) {
	f := newPipelineFixture(t, nil, nil, 0)
	e := failedLogon("", "ws-01")
	assert.Error(t, f.pipe.Ingest(context.Background(), e))
}

func TestEscalationFallsBackToSeverity(t *testing.T) {
	// rule not persisted: severity >= 3 escalates, below does not
	rule := bruteForceRule()
	rule.ID = "r-transient"

	logger := zap.NewNop().Sugar()
	st, err := storage.Open(filepath.Join(t.TempDir(), "bastion.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	thresholds := detect.NewThresholdState(100, time.Hour, logger)
	sequences := detect.NewSequenceState(100, time.Hour, logger)
	evaluator := detect.NewEvaluator(thresholds, sequences, logger)
	evaluator.ReplaceRules([]*core.DetectionRule{rule})

	pipe := NewPipeline(PipelineConfig{
		Evaluator: evaluator,
		Events:    st,
		Alerts:    NewAlertService(st, logger),
		Incidents: NewIncidentService(st, time.Hour, logger),
		Logger:    logger,
	})

	pipe.Process(context.Background(), failedLogon("e-1", "ws-01"), false)

	alerts, err := st.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotEmpty(t, alerts[0].IncidentID)
}

func TestFalsePositiveFeedsRuleCounter(t *testing.T) {
	rule := bruteForceRule()
	f := newPipelineFixture(t, []*core.DetectionRule{rule}, nil, 0)

	f.pipe.Process(context.Background(), failedLogon("e-1", "ws-01"), false)

	alerts, err := f.store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	svc := NewAlertService(f.store, zap.NewNop().Sugar())
	updated, err := svc.UpdateStatus(context.Background(), alerts[0].ID, core.AlertStatusFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFalsePositive, updated.Status)

	stored, err := f.store.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FalsePositives)
}

func TestIncidentStatusLifecycle(t *testing.T) {
	logger := zap.NewNop().Sugar()
	st, err := storage.Open(filepath.Join(t.TempDir(), "bastion.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := NewIncidentService(st, time.Hour, logger)
	a := &core.Alert{
		ID: "a-1", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 3,
		Title: "Brute force", Host: "ws-01", Status: core.AlertStatusNew,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveAlert(context.Background(), a))

	inc, err := svc.Escalate(context.Background(), a)
	require.NoError(t, err)

	inc, err = svc.UpdateStatus(context.Background(), inc.ID, core.IncidentStatusInvestigating)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentStatusInvestigating, inc.Status)

	inc, err = svc.UpdateStatus(context.Background(), inc.ID, core.IncidentStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentStatusClosed, inc.Status)

	_, err = svc.UpdateStatus(context.Background(), inc.ID, core.IncidentStatusOpen)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestStaleIncidentNotReused(t *testing.T) {
	logger := zap.NewNop().Sugar()
	st, err := storage.Open(filepath.Join(t.TempDir(), "bastion.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := NewIncidentService(st, 30*time.Minute, logger)
	now := time.Now().UTC()

	old := &core.Alert{
		ID: "a-old", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 3,
		Title: "Brute force", Host: "ws-01", Status: core.AlertStatusNew,
		FirstEventAt: now.Add(-2 * time.Hour), LastEventAt: now.Add(-2 * time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.SaveAlert(context.Background(), old))
	first, err := svc.Escalate(context.Background(), old)
	require.NoError(t, err)

	fresh := &core.Alert{
		ID: "a-new", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 3,
		Title: "Brute force", Host: "ws-01", Status: core.AlertStatusNew,
		FirstEventAt: now, LastEventAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.SaveAlert(context.Background(), fresh))
	second, err := svc.Escalate(context.Background(), fresh)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}
