package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
)

// ChannelConfig is one configured notification destination.
type ChannelConfig struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Type    ChannelType `json:"type" yaml:"type"`

	// MinSeverity suppresses alerts below this severity (0-4)
	MinSeverity int `json:"min_severity" yaml:"min_severity"`

	// Slack configuration
	SlackToken   string `json:"slack_token" yaml:"slack_token"`
	SlackChannel string `json:"slack_channel" yaml:"slack_channel"`

	// Webhook configuration
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers" yaml:"webhook_headers"`
}

// slackPoster is the slice of the Slack API the notifier uses; swappable in
// tests.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier fans alert and incident notifications out to configured channels
// and to live dashboard clients via the WebSocket hub. Each external channel
// is guarded by its own circuit breaker so a dead endpoint cannot slow the
// pipeline down.
type Notifier struct {
	configs []ChannelConfig
	hub     *Hub
	client  *http.Client
	logger  *zap.SugaredLogger

	slackClients map[string]slackPoster
	breakers     map[string]*core.CircuitBreaker
	mu           sync.Mutex
}

// NewNotifier creates a notifier. hub may be nil when the live stream is
// disabled.
func NewNotifier(configs []ChannelConfig, hub *Hub, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		configs:      configs,
		hub:          hub,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		slackClients: make(map[string]slackPoster),
		breakers:     make(map[string]*core.CircuitBreaker),
	}
}

// NotifyAlert pushes one alert to every matching channel.
func (n *Notifier) NotifyAlert(ctx context.Context, a *core.Alert) {
	if n.hub != nil {
		_ = n.hub.Broadcast("alert", a)
	}

	for _, cfg := range n.configs {
		if !cfg.Enabled || a.Severity < cfg.MinSeverity {
			continue
		}
		n.deliver(ctx, cfg, alertText(a), map[string]interface{}{
			"kind":     "alert",
			"id":       a.ID,
			"ref":      a.Ref,
			"rule_id":  a.RuleID,
			"severity": a.Severity,
			"title":    a.Title,
			"host":     a.Host,
			"user":     a.User,
			"status":   a.Status,
		})
	}
}

// NotifyIncident pushes one incident to every matching channel.
func (n *Notifier) NotifyIncident(ctx context.Context, inc *core.Incident) {
	if n.hub != nil {
		_ = n.hub.Broadcast("incident", inc)
	}

	for _, cfg := range n.configs {
		if !cfg.Enabled || inc.Severity < cfg.MinSeverity {
			continue
		}
		n.deliver(ctx, cfg, incidentText(inc), map[string]interface{}{
			"kind":        "incident",
			"id":          inc.ID,
			"severity":    inc.Severity,
			"title":       inc.Title,
			"status":      inc.Status,
			"alert_count": inc.AlertCount,
			"hosts":       inc.Hosts,
		})
	}
}

// NotifyExecution streams a playbook execution state change to the dashboard.
func (n *Notifier) NotifyExecution(exec *core.PlaybookExecution) {
	if n.hub != nil {
		_ = n.hub.Broadcast("execution", exec)
	}
}

func (n *Notifier) deliver(ctx context.Context, cfg ChannelConfig, text string, payload map[string]interface{}) {
	key := channelKey(cfg)
	cb := n.breaker(key)
	if err := cb.Allow(); err != nil {
		n.logger.Warnw("Circuit breaker open for notification channel", "channel", key, "error", err)
		metrics.NotificationsSent.WithLabelValues(string(cfg.Type), "suppressed").Inc()
		return
	}

	var err error
	switch cfg.Type {
	case ChannelSlack:
		err = n.sendSlack(ctx, cfg, text)
	case ChannelWebhook:
		err = n.sendWebhook(ctx, cfg, payload)
	default:
		n.logger.Warnw("Unknown notification channel type", "type", string(cfg.Type))
		return
	}

	if err != nil {
		cb.RecordFailure()
		metrics.NotificationsSent.WithLabelValues(string(cfg.Type), "error").Inc()
		n.logger.Errorw("Failed to send notification", "channel", key, "error", err)
		return
	}
	cb.RecordSuccess()
	metrics.NotificationsSent.WithLabelValues(string(cfg.Type), "success").Inc()
}

func (n *Notifier) sendSlack(ctx context.Context, cfg ChannelConfig, text string) error {
	if cfg.SlackChannel == "" {
		return fmt.Errorf("slack channel not configured")
	}
	_, _, err := n.slackClient(cfg.SlackToken).PostMessageContext(ctx, cfg.SlackChannel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post failed: %w", err)
	}
	return nil
}

func (n *Notifier) sendWebhook(ctx context.Context, cfg ChannelConfig, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// slackClient caches one API client per token.
func (n *Notifier) slackClient(token string) slackPoster {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.slackClients[token]; ok {
		return c
	}
	c := slack.New(token)
	n.slackClients[token] = c
	return c
}

// breaker returns the channel's circuit breaker, creating it on first use.
func (n *Notifier) breaker(key string) *core.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.breakers[key]; ok {
		return cb
	}
	cb := core.MustNewCircuitBreaker(core.CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	})
	n.breakers[key] = cb
	return cb
}

func channelKey(cfg ChannelConfig) string {
	switch cfg.Type {
	case ChannelSlack:
		return fmt.Sprintf("slack:%s", cfg.SlackChannel)
	case ChannelWebhook:
		return fmt.Sprintf("webhook:%s", cfg.WebhookURL)
	default:
		return string(cfg.Type)
	}
}

func alertText(a *core.Alert) string {
	return fmt.Sprintf("[%s] severity %d: %s (rule=%s host=%s user=%s)",
		a.Ref, a.Severity, a.Title, a.RuleName, a.Host, a.User)
}

func incidentText(inc *core.Incident) string {
	return fmt.Sprintf("Incident %s severity %d: %s (%d alerts, hosts=%v)",
		inc.ID, inc.Severity, inc.Title, inc.AlertCount, inc.Hosts)
}
