package soar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&noopAction{t: ActionBlockIP})

	h, err := reg.Get(ActionBlockIP)
	require.NoError(t, err)
	assert.Equal(t, ActionBlockIP, h.Type())

	_, err = reg.Get("unknown")
	assert.ErrorIs(t, err, core.ErrUnknownActionType)

	assert.Equal(t, []string{ActionBlockIP}, reg.Types())
}

func TestGatewayActionPostsAndReturnsOutput(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rule_id": "fw-42"}`))
	}))
	defer srv.Close()

	act := NewGatewayAction(ActionBlockIP, srv.URL, srv.Client(), zap.NewNop().Sugar())
	out, err := act.Execute(context.Background(), &ActionRequest{
		ExecutionID: "exec-1",
		Alert:       &core.Alert{ID: "a-1", Ref: "ALT-1", Severity: 3, SourceIP: "10.0.0.9"},
		Config:      map[string]interface{}{"ip": "10.0.0.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fw-42", out["rule_id"])
	assert.Equal(t, ActionBlockIP, gotBody["action"])
	assert.Equal(t, "10.0.0.9", gotBody["config"].(map[string]interface{})["ip"])
}

func TestGatewayActionSurfacesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	act := NewGatewayAction(ActionIsolateHost, srv.URL, srv.Client(), zap.NewNop().Sugar())
	_, err := act.Execute(context.Background(), &ActionRequest{Config: map[string]interface{}{}})
	require.Error(t, err)
	assert.Equal(t, ErrorTypePermanent, ClassifyError(err))
}

func TestThreatIntelActionCachesVerdicts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verdict": "malicious", "score": 92}`))
	}))
	defer srv.Close()

	act := NewThreatIntelAction(srv.URL, srv.Client(), 100, time.Minute, zap.NewNop().Sugar())
	req := &ActionRequest{Config: map[string]interface{}{"indicator": "10.0.0.9"}}

	out, err := act.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "malicious", out["verdict"])

	// second lookup is served from cache
	_, err = act.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestThreatIntelActionRequiresIndicator(t *testing.T) {
	act := NewThreatIntelAction("http://unused", nil, 10, time.Minute, zap.NewNop().Sugar())
	_, err := act.Execute(context.Background(), &ActionRequest{Config: map[string]interface{}{}})
	assert.Equal(t, ErrorTypePermanent, ClassifyError(err))
}

func TestEmailActionSend(t *testing.T) {
	act := NewEmailAction("mail.local", 25, "soc@corp", "", "", zap.NewNop().Sugar())

	var gotAddr string
	var gotTo []string
	act.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		assert.Contains(t, string(msg), "Subject: Security alert")
		return nil
	}

	out, err := act.Execute(context.Background(), &ActionRequest{
		Alert:  &core.Alert{Ref: "ALT-1", Severity: 3, Title: "Brute force", Host: "ws-01"},
		Config: map[string]interface{}{"to": "soc@corp, lead@corp"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:25", gotAddr)
	assert.Equal(t, []string{"soc@corp", "lead@corp"}, gotTo)
	assert.Equal(t, []string{"soc@corp", "lead@corp"}, out["recipients"])
}

func TestEmailActionRequiresRecipient(t *testing.T) {
	act := NewEmailAction("mail.local", 25, "soc@corp", "", "", zap.NewNop().Sugar())
	_, err := act.Execute(context.Background(), &ActionRequest{Config: map[string]interface{}{}})
	assert.Equal(t, ErrorTypePermanent, ClassifyError(err))
}
