package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

type fakeSlack struct {
	calls    atomic.Int32
	lastChan string
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.calls.Add(1)
	f.lastChan = channelID
	return channelID, "123.456", nil
}

func testAlert(severity int) *core.Alert {
	now := time.Now().UTC()
	return &core.Alert{
		ID: "a-1", Ref: "ALT-1", RuleID: "r-1", RuleName: "Brute force",
		Severity: severity, Title: "Brute force", Host: "ws-01", User: "jdoe",
		Status: core.AlertStatusNew, CreatedAt: now, UpdatedAt: now,
	}
}

func TestNotifierSendsWebhook(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{
		{Enabled: true, Type: ChannelWebhook, WebhookURL: srv.URL},
	}, nil, zap.NewNop().Sugar())

	n.NotifyAlert(context.Background(), testAlert(3))
	require.NotNil(t, got)
	assert.Equal(t, "alert", got["kind"])
	assert.Equal(t, "ALT-1", got["ref"])
	assert.Equal(t, float64(3), got["severity"])
}

func TestNotifierSeverityFilter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{
		{Enabled: true, Type: ChannelWebhook, WebhookURL: srv.URL, MinSeverity: 3},
	}, nil, zap.NewNop().Sugar())

	n.NotifyAlert(context.Background(), testAlert(1))
	assert.Equal(t, int32(0), hits.Load())

	n.NotifyAlert(context.Background(), testAlert(4))
	assert.Equal(t, int32(1), hits.Load())
}

func TestNotifierCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{
		{Enabled: true, Type: ChannelWebhook, WebhookURL: srv.URL},
	}, nil, zap.NewNop().Sugar())

	a := testAlert(3)
	for i := 0; i < 5; i++ {
		n.NotifyAlert(context.Background(), a)
	}

	// breaker opens after 3 consecutive failures; later sends are suppressed
	assert.Equal(t, int32(3), hits.Load())
}

func TestNotifierSlackChannel(t *testing.T) {
	n := NewNotifier([]ChannelConfig{
		{Enabled: true, Type: ChannelSlack, SlackToken: "tok", SlackChannel: "#soc"},
	}, nil, zap.NewNop().Sugar())

	fake := &fakeSlack{}
	n.slackClients["tok"] = fake

	n.NotifyAlert(context.Background(), testAlert(3))
	assert.Equal(t, int32(1), fake.calls.Load())
	assert.Equal(t, "#soc", fake.lastChan)
}

func TestNotifyIncidentWebhook(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{
		{Enabled: true, Type: ChannelWebhook, WebhookURL: srv.URL},
	}, nil, zap.NewNop().Sugar())

	n.NotifyIncident(context.Background(), &core.Incident{
		ID: "inc-1", Title: "Brute force campaign", Severity: 4,
		Status: core.IncidentStatusOpen, AlertCount: 2, Hosts: []string{"ws-01"},
	})
	require.NotNil(t, got)
	assert.Equal(t, "incident", got["kind"])
	assert.Equal(t, float64(2), got["alert_count"])
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	go hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast("alert", map[string]string{"id": "a-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
}
