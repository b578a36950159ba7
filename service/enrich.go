package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/util/goroutine"
)

// EnrichStore persists narratives the enricher writes back.
type EnrichStore interface {
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	SaveAlert(ctx context.Context, a *core.Alert) error
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	SaveIncident(ctx context.Context, inc *core.Incident) error
}

// Enricher calls an external narrative service to attach a human-readable
// analysis to alerts and incidents. Calls run asynchronously and any failure
// (service down, breaker open, bad response) only costs the narrative; the
// detection and response paths never wait on it.
type Enricher struct {
	url     string
	client  *http.Client
	store   EnrichStore
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewEnricher creates an enricher. An empty url returns nil, which the
// pipeline treats as enrichment disabled.
func NewEnricher(url string, timeout time.Duration, store EnrichStore, logger *zap.SugaredLogger) *Enricher {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Enricher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		store:  store,
		breaker: core.MustNewCircuitBreaker(core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             60 * time.Second,
			MaxHalfOpenRequests: 1,
		}),
		logger: logger,
	}
}

type enrichRequest struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

type enrichResponse struct {
	Narrative string `json:"narrative"`
}

// EnrichAlert requests a narrative for the alert in the background.
func (e *Enricher) EnrichAlert(a *core.Alert) {
	id := a.ID
	go func() {
		defer goroutine.Recover("enrich-alert", e.logger)
		narrative, err := e.request("alert", a)
		if err != nil {
			e.logger.Warnw("Alert enrichment skipped", "alert_id", id, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// re-fetch so the write-back carries any status change made since
		current, err := e.store.GetAlert(ctx, id)
		if err != nil {
			e.logger.Warnw("Alert enrichment write-back failed", "alert_id", id, "error", err)
			return
		}
		current.Narrative = narrative
		if err := e.store.SaveAlert(ctx, current); err != nil {
			e.logger.Warnw("Alert enrichment write-back failed", "alert_id", id, "error", err)
		}
	}()
}

// EnrichIncident requests a narrative for the incident in the background.
func (e *Enricher) EnrichIncident(inc *core.Incident) {
	id := inc.ID
	go func() {
		defer goroutine.Recover("enrich-incident", e.logger)
		narrative, err := e.request("incident", inc)
		if err != nil {
			e.logger.Warnw("Incident enrichment skipped", "incident_id", id, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		current, err := e.store.GetIncident(ctx, id)
		if err != nil {
			e.logger.Warnw("Incident enrichment write-back failed", "incident_id", id, "error", err)
			return
		}
		current.Narrative = narrative
		if err := e.store.SaveIncident(ctx, current); err != nil {
			e.logger.Warnw("Incident enrichment write-back failed", "incident_id", id, "error", err)
		}
	}()
}

func (e *Enricher) request(kind string, data interface{}) (string, error) {
	if err := e.breaker.Allow(); err != nil {
		metrics.EnrichmentRequests.WithLabelValues(kind, "suppressed").Inc()
		return "", err
	}

	narrative, err := e.call(kind, data)
	if err != nil {
		e.breaker.RecordFailure()
		metrics.EnrichmentRequests.WithLabelValues(kind, "failure").Inc()
		return "", err
	}
	e.breaker.RecordSuccess()
	metrics.EnrichmentRequests.WithLabelValues(kind, "success").Inc()
	return narrative, nil
}

func (e *Enricher) call(kind string, data interface{}) (string, error) {
	body, err := json.Marshal(enrichRequest{Kind: kind, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to marshal enrichment request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enrichment call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("enrichment service returned status %d", resp.StatusCode)
	}

	var out enrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	if out.Narrative == "" {
		return "", fmt.Errorf("enrichment service returned empty narrative")
	}
	return out.Narrative, nil
}
