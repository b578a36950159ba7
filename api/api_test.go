package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/detect"
	"bastion/service"
	"bastion/soar"
	"bastion/storage"
)

type apiFixture struct {
	store     *storage.Store
	server    *httptest.Server
	engine    *soar.Engine
	approvals *soar.ApprovalService
	pipeline  *service.Pipeline
}

type sleepAction struct{ d time.Duration }

func (a *sleepAction) Type() string { return soar.ActionBlockIP }

func (a *sleepAction) Execute(ctx context.Context, req *soar.ActionRequest) (map[string]interface{}, error) {
	if a.d > 0 {
		select {
		case <-time.After(a.d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{"ok": true}, nil
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	st, err := storage.Open(filepath.Join(t.TempDir(), "bastion.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	thresholds := detect.NewThresholdState(100, time.Hour, logger)
	sequences := detect.NewSequenceState(100, time.Hour, logger)
	evaluator := detect.NewEvaluator(thresholds, sequences, logger)

	registry := soar.NewRegistry()
	registry.Register(&sleepAction{})
	approvals := soar.NewApprovalService(0, logger)
	engine := soar.NewEngine(st, registry, approvals, 4, 5*time.Second, logger)
	t.Cleanup(engine.Stop)

	matcher := soar.NewMatcher(registry, logger)

	pool := core.NewWorkerPool(context.Background(), 2, 64, "events", logger)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	alerts := service.NewAlertService(st, logger)
	incidents := service.NewIncidentService(st, time.Hour, logger)
	pipe := service.NewPipeline(service.PipelineConfig{
		Evaluator: evaluator,
		Dedup:     detect.NewDeduplicator(100, time.Minute),
		Events:    st,
		Alerts:    alerts,
		Incidents: incidents,
		Matcher:   matcher,
		Engine:    engine,
		Pool:      pool,
		Logger:    logger,
	})

	reload := func() {
		rules, err := st.ListRules(context.Background())
		if err == nil {
			evaluator.ReplaceRules(rules)
		}
	}

	a := NewAPI(Config{
		Store:          st,
		Pipeline:       pipe,
		Alerts:         alerts,
		Incidents:      incidents,
		Engine:         engine,
		Approvals:      approvals,
		OnRulesChanged: reload,
		Logger:         logger,
	})

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{store: st, server: srv, engine: engine, approvals: approvals, pipeline: pipe}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRuleCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rule := map[string]interface{}{
		"id":       "r-api",
		"name":     "API rule",
		"enabled":  true,
		"severity": 2,
		"type":     "simple",
		"match":    map[string]interface{}{"field": "event_code", "op": "equals", "value": "4625"},
	}

	resp := f.do(t, http.MethodPost, "/api/rules", rule)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var got core.DetectionRule
	decodeBody(t, f.do(t, http.MethodGet, "/api/rules/r-api", nil), &got)
	assert.Equal(t, "API rule", got.Name)

	rule["name"] = "API rule v2"
	resp = f.do(t, http.MethodPut, "/api/rules/r-api", rule)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var rules []*core.DetectionRule
	decodeBody(t, f.do(t, http.MethodGet, "/api/rules", nil), &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, "API rule v2", rules[0].Name)

	resp = f.do(t, http.MethodDelete, "/api/rules/r-api", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/rules/r-api", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRuleValidationRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/rules", map[string]interface{}{
		"id":       "r-bad",
		"name":     "Broken",
		"severity": 9,
		"type":     "simple",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestThroughAPI(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/rules", map[string]interface{}{
		"id":       "r-logon",
		"name":     "Failed logon",
		"enabled":  true,
		"severity": 3,
		"type":     "simple",
		"match":    map[string]interface{}{"field": "event_code", "op": "equals", "value": "4625"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":    "e-1",
		"source_type": "windows",
		"event_code":  "4625",
		"host":        "ws-01",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	var alerts []*core.Alert
	require.Eventually(t, func() bool {
		r := f.do(t, http.MethodGet, "/api/alerts", nil)
		decodeBody(t, r, &alerts)
		return len(alerts) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "r-logon", alerts[0].RuleID)
}

func TestAlertStatusTransitionConflict(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()
	a := &core.Alert{
		ID: "a-1", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 2,
		Title: "Test", Status: core.AlertStatusResolved, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SaveAlert(context.Background(), a))

	resp := f.do(t, http.MethodPost, "/api/alerts/a-1/status",
		map[string]string{"status": "acknowledged"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestManualPlaybookTrigger(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()

	p := &core.Playbook{
		ID: "pb-1", Name: "Block", Enabled: true,
		Actions:   []core.PlaybookAction{{Name: "block", Type: soar.ActionBlockIP}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SavePlaybook(context.Background(), p))

	a := &core.Alert{
		ID: "a-1", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 3,
		Title: "Test", Status: core.AlertStatusNew, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SaveAlert(context.Background(), a))

	var exec core.PlaybookExecution
	resp := f.do(t, http.MethodPost, "/api/playbooks/pb-1/trigger",
		map[string]string{"alert_id": "a-1", "triggered_by": "analyst@soc"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &exec)

	require.Eventually(t, func() bool {
		got, err := f.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == core.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	var entries []*storage.LogEntry
	decodeBody(t, f.do(t, http.MethodGet, fmt.Sprintf("/api/executions/%s/log", exec.ID), nil), &entries)
	assert.NotEmpty(t, entries)

	var stats map[string]int
	decodeBody(t, f.do(t, http.MethodGet, "/api/executions/stats", nil), &stats)
	assert.Equal(t, 1, stats["success"])
}

func TestApprovalOverAPI(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()

	p := &core.Playbook{
		ID: "pb-gated", Name: "Gated", Enabled: true, RequiresApproval: true,
		Actions:   []core.PlaybookAction{{Name: "block", Type: soar.ActionBlockIP}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SavePlaybook(context.Background(), p))
	a := &core.Alert{
		ID: "a-1", Ref: core.NewAlertRef(), RuleID: "r-1", Severity: 2,
		Title: "Test", Status: core.AlertStatusNew, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SaveAlert(context.Background(), a))

	var exec core.PlaybookExecution
	resp := f.do(t, http.MethodPost, "/api/playbooks/pb-gated/trigger",
		map[string]string{"alert_id": "a-1", "triggered_by": "analyst@soc"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &exec)

	require.Eventually(t, func() bool {
		var pending []*core.PlaybookExecution
		decodeBody(t, f.do(t, http.MethodGet, "/api/approvals", nil), &pending)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/executions/%s/approve", exec.ID),
		map[string]string{"decided_by": "lead@soc", "comment": "blocking confirmed malicious IP"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		got, err := f.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == core.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead@soc", got.ApprovedBy)
	assert.Equal(t, "blocking confirmed malicious IP", got.ApprovalComment)
}

func TestCancelInactiveExecutionConflicts(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/executions/missing/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReplayEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	e := &core.Event{
		EventID: "e-1", EventTime: time.Now().UTC(),
		SourceType: "windows", EventCode: "4625", Host: "ws-01",
	}
	require.NoError(t, f.store.SaveEvent(context.Background(), e))

	var out map[string]int
	resp := f.do(t, http.MethodPost, "/api/replay", map[string]string{
		"from": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		"to":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.Equal(t, 1, out["events_replayed"])
}

func TestReplayRejectsInvertedWindow(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/api/replay", map[string]string{
		"from": time.Now().UTC().Format(time.RFC3339),
		"to":   time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
