package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"bastion/metrics"
)

// GatewayAction is the shared base for handlers backed by the response
// gateway (the EDR/firewall integration layer). Each attempt POSTs the
// action config plus alert context to one gateway route and returns the
// gateway's JSON body as output variables.
type GatewayAction struct {
	actionType string
	endpoint   string
	client     *http.Client
	logger     *zap.SugaredLogger
}

// NewGatewayAction creates a handler for one gateway-backed action type.
func NewGatewayAction(actionType, endpoint string, client *http.Client, logger *zap.SugaredLogger) *GatewayAction {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GatewayAction{
		actionType: actionType,
		endpoint:   endpoint,
		client:     client,
		logger:     logger,
	}
}

func (g *GatewayAction) Type() string { return g.actionType }

func (g *GatewayAction) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"action":       g.actionType,
		"execution_id": req.ExecutionID,
		"config":       req.Config,
	}
	if req.Alert != nil {
		payload["alert"] = map[string]interface{}{
			"id":        req.Alert.ID,
			"ref":       req.Alert.Ref,
			"severity":  req.Alert.Severity,
			"host":      req.Alert.Host,
			"user":      req.Alert.User,
			"source_ip": req.Alert.SourceIP,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	output := map[string]interface{}{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			// non-JSON gateway replies still count as success
			output["response"] = strings.TrimSpace(string(respBody))
		}
	}
	return output, nil
}

// SlackAction posts an alert notification to a Slack channel.
type SlackAction struct {
	client *slack.Client
	logger *zap.SugaredLogger
}

// NewSlackAction creates the slack_notification handler.
func NewSlackAction(token string, logger *zap.SugaredLogger) *SlackAction {
	return &SlackAction{
		client: slack.New(token),
		logger: logger,
	}
}

func (s *SlackAction) Type() string { return ActionSlackNotify }

func (s *SlackAction) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, error) {
	channel := req.ConfigString("channel", "")
	if channel == "" {
		return nil, &PermanentError{Err: fmt.Errorf("slack_notification requires a channel")}
	}

	text := req.ConfigString("message", "")
	if text == "" && req.Alert != nil {
		text = fmt.Sprintf("[%s] severity %d: %s (host=%s user=%s)",
			req.Alert.Ref, req.Alert.Severity, req.Alert.Title, req.Alert.Host, req.Alert.User)
	}

	_, ts, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return nil, fmt.Errorf("slack post failed: %w", err)
	}
	return map[string]interface{}{"channel": channel, "message_ts": ts}, nil
}

// EmailAction sends an alert notification over SMTP.
type EmailAction struct {
	host   string
	port   int
	from   string
	auth   smtp.Auth
	logger *zap.SugaredLogger

	// send is swappable for tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAction creates the send_email handler.
func NewEmailAction(host string, port int, from, username, password string, logger *zap.SugaredLogger) *EmailAction {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailAction{
		host:   host,
		port:   port,
		from:   from,
		auth:   auth,
		logger: logger,
		send:   smtp.SendMail,
	}
}

func (e *EmailAction) Type() string { return ActionSendEmail }

func (e *EmailAction) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, error) {
	to := req.ConfigString("to", "")
	if to == "" {
		return nil, &PermanentError{Err: fmt.Errorf("send_email requires a recipient")}
	}
	subject := req.ConfigString("subject", "Security alert")
	body := req.ConfigString("body", "")
	if body == "" && req.Alert != nil {
		body = fmt.Sprintf("Alert %s (severity %d): %s\nHost: %s\nUser: %s\n",
			req.Alert.Ref, req.Alert.Severity, req.Alert.Title, req.Alert.Host, req.Alert.User)
	}

	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", e.from, to, subject, body)

	// smtp.SendMail has no context hook; run it in a goroutine and honor
	// cancellation on our side
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.send(fmt.Sprintf("%s:%d", e.host, e.port), e.auth, e.from, recipients, []byte(msg))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("smtp send failed: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]interface{}{"recipients": recipients}, nil
}

// ThreatIntelAction queries the threat-intelligence service for an indicator
// and caches verdicts. Repeat lookups of the same indicator inside the cache
// TTL do not hit the upstream.
type ThreatIntelAction struct {
	endpoint string
	client   *http.Client
	cache    *expirable.LRU[string, map[string]interface{}]
	logger   *zap.SugaredLogger
}

// NewThreatIntelAction creates the check_threat_intelligence handler.
func NewThreatIntelAction(endpoint string, client *http.Client, cacheSize int, cacheTTL time.Duration, logger *zap.SugaredLogger) *ThreatIntelAction {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ThreatIntelAction{
		endpoint: endpoint,
		client:   client,
		cache:    expirable.NewLRU[string, map[string]interface{}](cacheSize, nil, cacheTTL),
		logger:   logger,
	}
}

func (t *ThreatIntelAction) Type() string { return ActionCheckThreatIntel }

func (t *ThreatIntelAction) Execute(ctx context.Context, req *ActionRequest) (map[string]interface{}, error) {
	indicator := req.ConfigString("indicator", "")
	if indicator == "" && req.Alert != nil {
		indicator = req.Alert.SourceIP
	}
	if indicator == "" {
		return nil, &PermanentError{Err: fmt.Errorf("check_threat_intelligence requires an indicator")}
	}

	if verdict, ok := t.cache.Get(indicator); ok {
		metrics.ThreatIntelCacheHits.WithLabelValues("hit").Inc()
		return verdict, nil
	}
	metrics.ThreatIntelCacheHits.WithLabelValues("miss").Inc()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?indicator="+indicator, nil)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	verdict := map[string]interface{}{"indicator": indicator}
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("bad threat intel response: %w", err)
	}

	t.cache.Add(indicator, verdict)
	return verdict, nil
}

// RegisterBuiltins wires the standard handler set into the registry. The
// gateway-backed types share one HTTP integration; Slack, email, and threat
// intel have dedicated handlers.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig, logger *zap.SugaredLogger) {
	client := &http.Client{Timeout: 30 * time.Second}

	for actionType, route := range map[string]string{
		ActionBlockIP:        "/block-ip",
		ActionIsolateHost:    "/isolate-host",
		ActionKillProcess:    "/kill-process",
		ActionCreateTicket:   "/create-ticket",
		ActionQuarantineFile: "/quarantine-file",
		ActionDisableUser:    "/disable-user",
	} {
		reg.Register(NewGatewayAction(actionType, cfg.GatewayURL+route, client, logger))
	}

	reg.Register(NewSlackAction(cfg.SlackToken, logger))
	reg.Register(NewEmailAction(cfg.SMTPHost, cfg.SMTPPort, cfg.EmailFrom, cfg.SMTPUsername, cfg.SMTPPassword, logger))
	reg.Register(NewThreatIntelAction(cfg.ThreatIntelURL, client, cfg.ThreatIntelCacheSize, cfg.ThreatIntelCacheTTL, logger))
}

// BuiltinConfig carries the integration endpoints for the built-in handlers.
type BuiltinConfig struct {
	GatewayURL           string
	SlackToken           string
	SMTPHost             string
	SMTPPort             int
	SMTPUsername         string
	SMTPPassword         string
	EmailFrom            string
	ThreatIntelURL       string
	ThreatIntelCacheSize int
	ThreatIntelCacheTTL  time.Duration
}
