package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bastion/core"
	"bastion/detect"
	"bastion/metrics"
	"bastion/soar"
	"bastion/storage"
)

// Notifier pushes alert and incident notifications to external channels.
type Notifier interface {
	NotifyAlert(ctx context.Context, a *core.Alert)
	NotifyIncident(ctx context.Context, inc *core.Incident)
}

// EventStore is the persistence surface the pipeline needs for raw events.
type EventStore interface {
	SaveEvent(ctx context.Context, e *core.Event) error
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]*core.Event, error)
}

// ErrRateLimited is returned when ingestion exceeds the configured rate.
var ErrRateLimited = errors.New("event ingestion rate limited")

// Pipeline is the event path: rate limit, dedup, persist, evaluate, then
// alert handling (escalation, notification, playbook dispatch). Evaluation
// runs on the worker pool so a slow consumer never stalls ingestion.
type Pipeline struct {
	evaluator *detect.Evaluator
	dedup     *detect.Deduplicator
	events    EventStore
	alerts    *AlertService
	incidents *IncidentService
	matcher   *soar.Matcher
	engine    *soar.Engine
	notifier  Notifier
	enricher  *Enricher
	pool      *core.WorkerPool
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Evaluator *detect.Evaluator
	Dedup     *detect.Deduplicator
	Events    EventStore
	Alerts    *AlertService
	Incidents *IncidentService
	Matcher   *soar.Matcher
	Engine    *soar.Engine
	Notifier  Notifier
	// Enricher is optional; nil disables narrative enrichment
	Enricher *Enricher
	Pool     *core.WorkerPool
	// RatePerSecond caps ingestion; 0 disables the limiter
	RatePerSecond float64
	Logger        *zap.SugaredLogger
}

// NewPipeline creates the event pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		evaluator: cfg.Evaluator,
		dedup:     cfg.Dedup,
		events:    cfg.Events,
		alerts:    cfg.Alerts,
		incidents: cfg.Incidents,
		matcher:   cfg.Matcher,
		engine:    cfg.Engine,
		notifier:  cfg.Notifier,
		enricher:  cfg.Enricher,
		pool:      cfg.Pool,
		limiter:   cfg.Limiter(),
		logger:    cfg.Logger,
	}
}

// Limiter builds the rate limiter from config.
func (cfg PipelineConfig) Limiter() *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return nil
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
}

// Ingest accepts one event from a collector. Duplicates are dropped
// silently; evaluation is queued onto the worker pool.
func (p *Pipeline) Ingest(ctx context.Context, e *core.Event) error {
	if p.limiter != nil && !p.limiter.Allow() {
		return ErrRateLimited
	}
	if e.EventID == "" {
		return fmt.Errorf("event has no id")
	}
	if e.EventTime.IsZero() {
		e.EventTime = time.Now().UTC()
	}

	metrics.EventsIngested.WithLabelValues(e.SourceType).Inc()

	if p.dedup != nil && p.dedup.IsDuplicate(e) {
		return nil
	}

	if err := p.events.SaveEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	return p.pool.Submit(func() {
		p.Process(context.Background(), e, true)
	})
}

// Process runs one event through the rule set and handles resulting alerts.
// dispatchPlaybooks is false during replay so historical events regenerate
// alerts without re-firing response actions.
func (p *Pipeline) Process(ctx context.Context, e *core.Event, dispatchPlaybooks bool) {
	for _, alert := range p.evaluator.Evaluate(e) {
		p.handleAlert(ctx, alert, dispatchPlaybooks)
	}
}

func (p *Pipeline) handleAlert(ctx context.Context, a *core.Alert, dispatchPlaybooks bool) {
	if err := p.alerts.Create(ctx, a); err != nil {
		p.logger.Errorw("Failed to persist alert", "alert_id", a.ID, "error", err)
		return
	}

	if p.shouldEscalate(ctx, a) {
		inc, err := p.incidents.Escalate(ctx, a)
		if err != nil {
			p.logger.Errorw("Failed to escalate alert", "alert_id", a.ID, "error", err)
		} else {
			if p.notifier != nil {
				p.notifier.NotifyIncident(ctx, inc)
			}
			if p.enricher != nil {
				p.enricher.EnrichIncident(inc)
			}
		}
	}

	if p.notifier != nil {
		p.notifier.NotifyAlert(ctx, a)
	}
	if p.enricher != nil {
		p.enricher.EnrichAlert(a)
	}

	if !dispatchPlaybooks || p.matcher == nil || p.engine == nil {
		return
	}
	for _, pb := range p.matcher.Match(a) {
		_, err := p.engine.Trigger(ctx, pb, a, "auto")
		if errors.Is(err, storage.ErrDuplicateExecution) {
			p.logger.Debugw("Skipping duplicate playbook execution",
				"playbook_id", pb.ID, "alert_id", a.ID)
			continue
		}
		if err != nil {
			p.logger.Errorw("Failed to trigger playbook",
				"playbook_id", pb.ID, "alert_id", a.ID, "error", err)
		}
	}
}

// shouldEscalate consults the originating rule's escalation policy.
func (p *Pipeline) shouldEscalate(ctx context.Context, a *core.Alert) bool {
	rule, err := p.alerts.store.GetRule(ctx, a.RuleID)
	if err != nil {
		// rules loaded from files may not be persisted; fall back to severity
		return a.Severity >= 3
	}
	return rule.AutoEscalate && a.Severity >= rule.EscalateMinSeverity
}

// Replay feeds stored events from the time range back through the rule set,
// in event-time order, without dispatching playbooks. Returns the number of
// events replayed.
func (p *Pipeline) Replay(ctx context.Context, from, to time.Time) (int, error) {
	events, err := p.events.ListEventsBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		p.Process(ctx, e, false)
	}
	p.logger.Infow("Replay finished", "events", len(events), "from", from, "to", to)
	return len(events), nil
}
