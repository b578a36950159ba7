package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bastion/api"
	"bastion/config"
	"bastion/core"
	"bastion/detect"
	"bastion/notify"
	"bastion/service"
	"bastion/soar"
	"bastion/storage"
)

// App holds every component of the Bastion service and owns their lifecycle.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store *storage.Store

	Thresholds *detect.ThresholdState
	Sequences  *detect.SequenceState
	Evaluator  *detect.Evaluator

	Registry  *soar.Registry
	Approvals *soar.ApprovalService
	Engine    *soar.Engine
	Matcher   *soar.Matcher

	Alerts    *service.AlertService
	Incidents *service.IncidentService
	Enricher  *service.Enricher
	Pipeline  *service.Pipeline
	Pool      *core.WorkerPool

	Hub       *notify.Hub
	Notifier  *notify.Notifier
	APIServer *api.API

	shutdownCh chan struct{}
	apiErrCh   chan error
}

// NewApp creates the application and wires all components together.
func NewApp(ctx context.Context) (*App, error) {
	cfg, err := InitConfig()
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	sugar.Info("Bastion starting...")

	if err := EnsureDataDirectories(cfg); err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sugar:      sugar,
		shutdownCh: make(chan struct{}),
		apiErrCh:   make(chan error, 1),
	}

	app.Store, err = storage.Open(cfg.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	app.Thresholds = detect.NewThresholdState(cfg.Detect.MaxGroups, cfg.Detect.GroupTTL, sugar)
	app.Sequences = detect.NewSequenceState(cfg.Detect.MaxGroups, cfg.Detect.GroupTTL, sugar)
	app.Evaluator = detect.NewEvaluator(app.Thresholds, app.Sequences, sugar)

	app.Registry = soar.NewRegistry()
	soar.RegisterBuiltins(app.Registry, soar.BuiltinConfig{
		GatewayURL:           cfg.SOAR.GatewayURL,
		SlackToken:           cfg.SOAR.SlackToken,
		SMTPHost:             cfg.SOAR.SMTPHost,
		SMTPPort:             cfg.SOAR.SMTPPort,
		SMTPUsername:         cfg.SOAR.SMTPUsername,
		SMTPPassword:         cfg.SOAR.SMTPPassword,
		EmailFrom:            cfg.SOAR.EmailFrom,
		ThreatIntelURL:       cfg.SOAR.ThreatIntelURL,
		ThreatIntelCacheSize: cfg.SOAR.ThreatIntelCacheSize,
		ThreatIntelCacheTTL:  cfg.SOAR.ThreatIntelCacheTTL,
	}, sugar)

	app.Approvals = soar.NewApprovalService(cfg.SOAR.ApprovalTimeout, sugar)
	app.Engine = soar.NewEngine(app.Store, app.Registry, app.Approvals,
		cfg.SOAR.MaxConcurrent, cfg.SOAR.DefaultTimeout, sugar)
	app.Matcher = soar.NewMatcher(app.Registry, sugar)

	app.Hub = notify.NewHub(ctx, sugar)
	app.Notifier = notify.NewNotifier(notifyChannels(cfg), app.Hub, sugar)
	app.Engine.OnStateChange(app.Notifier.NotifyExecution)

	app.Alerts = service.NewAlertService(app.Store, sugar)
	app.Incidents = service.NewIncidentService(app.Store, cfg.Incidents.CorrelationHorizon, sugar)
	app.Enricher = service.NewEnricher(cfg.Enrich.URL, cfg.Enrich.Timeout, app.Store, sugar)
	app.Pool = core.NewWorkerPool(ctx, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, "events", sugar)

	app.Pipeline = service.NewPipeline(service.PipelineConfig{
		Evaluator:     app.Evaluator,
		Dedup:         detect.NewDeduplicator(cfg.Pipeline.DedupSize, cfg.Pipeline.DedupTTL),
		Events:        app.Store,
		Alerts:        app.Alerts,
		Incidents:     app.Incidents,
		Matcher:       app.Matcher,
		Engine:        app.Engine,
		Notifier:      app.Notifier,
		Enricher:      app.Enricher,
		Pool:          app.Pool,
		RatePerSecond: cfg.Pipeline.RatePerSecond,
		Logger:        sugar,
	})

	if err := app.loadRules(ctx); err != nil {
		return nil, err
	}
	if err := app.loadPlaybooks(ctx); err != nil {
		return nil, err
	}

	app.APIServer = api.NewAPI(api.Config{
		Store:          app.Store,
		Pipeline:       app.Pipeline,
		Alerts:         app.Alerts,
		Incidents:      app.Incidents,
		Engine:         app.Engine,
		Approvals:      app.Approvals,
		Hub:            app.Hub,
		OnRulesChanged: func() { app.reloadRules(context.Background()) },
		Logger:         sugar,
	})

	return app, nil
}

// loadRules merges file-based rule definitions into the store, then feeds the
// full persisted set to the evaluator. File definitions win on conflict so
// edits on disk survive restarts.
func (a *App) loadRules(ctx context.Context) error {
	if a.Config.RulesDir != "" {
		fileRules, err := detect.LoadRulesDir(a.Config.RulesDir, a.Sugar)
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		for _, r := range fileRules {
			if err := a.Store.SaveRule(ctx, r); err != nil {
				a.Sugar.Warnw("Failed to persist rule from file", "rule_id", r.ID, "error", err)
			}
		}
	}
	a.reloadRules(ctx)
	return nil
}

func (a *App) reloadRules(ctx context.Context) {
	rules, err := a.Store.ListRules(ctx)
	if err != nil {
		a.Sugar.Errorw("Failed to reload rules", "error", err)
		return
	}
	a.Evaluator.ReplaceRules(rules)
}

func (a *App) loadPlaybooks(ctx context.Context) error {
	if a.Config.PlaybooksDir != "" {
		filePlaybooks, err := soar.LoadPlaybooksDir(a.Config.PlaybooksDir, a.Sugar)
		if err != nil {
			return fmt.Errorf("failed to load playbooks: %w", err)
		}
		for _, p := range filePlaybooks {
			if err := a.Store.SavePlaybook(ctx, p); err != nil {
				a.Sugar.Warnw("Failed to persist playbook from file", "playbook_id", p.ID, "error", err)
			}
		}
	}

	playbooks, err := a.Store.ListPlaybooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list playbooks: %w", err)
	}
	a.Matcher.ReplacePlaybooks(playbooks)
	return nil
}

// Start brings all background services up and begins serving the API.
func (a *App) Start(ctx context.Context) error {
	// release (playbook, alert) slots held by executions a previous process
	// left in flight, before any new trigger can collide with them
	if err := a.Engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile executions: %w", err)
	}

	a.Thresholds.Start(ctx)
	a.Sequences.Start(ctx)
	a.Approvals.Start(ctx)
	go a.Hub.Start()

	if err := a.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	go func() {
		if err := a.APIServer.Start(a.Config.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.apiErrCh <- err
		}
	}()

	a.Sugar.Infow("Bastion started",
		"api_addr", a.Config.API.Addr,
		"db", a.Config.SQLitePath)
	return nil
}

// WaitForShutdown blocks until a termination signal arrives or the API server
// fails.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
	case err := <-a.apiErrCh:
		a.Sugar.Errorw("API server failed", "error", err)
	case <-a.shutdownCh:
	}
}

// Shutdown stops all components in reverse dependency order.
func (a *App) Shutdown() {
	a.Sugar.Info("Bastion shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Warnw("API shutdown error", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.Approvals != nil {
		a.Approvals.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Thresholds != nil {
		a.Thresholds.Stop()
	}
	if a.Sequences != nil {
		a.Sequences.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Sugar.Warnw("Storage close error", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func notifyChannels(cfg *config.Config) []notify.ChannelConfig {
	channels := make([]notify.ChannelConfig, 0, len(cfg.Notify.Channels))
	for _, c := range cfg.Notify.Channels {
		channels = append(channels, notify.ChannelConfig{
			Enabled:        c.Enabled,
			Type:           notify.ChannelType(c.Type),
			MinSeverity:    c.MinSeverity,
			SlackToken:     c.SlackToken,
			SlackChannel:   c.SlackChannel,
			WebhookURL:     c.WebhookURL,
			WebhookHeaders: c.Headers,
		})
	}
	return channels
}
