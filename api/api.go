package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/notify"
	"bastion/service"
	"bastion/soar"
	"bastion/storage"
)

// Store is the persistence surface the API reads from directly. Writes that
// carry domain rules go through the services instead.
type Store interface {
	SaveRule(ctx context.Context, rule *core.DetectionRule) error
	GetRule(ctx context.Context, id string) (*core.DetectionRule, error)
	ListRules(ctx context.Context) ([]*core.DetectionRule, error)
	DeleteRule(ctx context.Context, id string) error

	GetPlaybook(ctx context.Context, id string) (*core.Playbook, error)
	ListPlaybooks(ctx context.Context) ([]*core.Playbook, error)

	GetExecution(ctx context.Context, id string) (*core.PlaybookExecution, error)
	ListExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*core.PlaybookExecution, error)
	CountExecutionsByStatus(ctx context.Context) (map[core.ExecutionStatus]int, error)
	ListPendingApprovals(ctx context.Context) ([]*core.PlaybookExecution, error)
	ExecutionLog(ctx context.Context, executionID string) ([]*storage.LogEntry, error)
}

// API is the HTTP surface: event ingestion, alert and incident triage, rule
// and playbook management, and SOAR execution control.
type API struct {
	router    *mux.Router
	server    *http.Server
	store     Store
	pipeline  *service.Pipeline
	alerts    *service.AlertService
	incidents *service.IncidentService
	engine    *soar.Engine
	approvals *soar.ApprovalService
	hub       *notify.Hub
	validate  *validator.Validate
	logger    *zap.SugaredLogger

	// onRulesChanged is invoked after rule writes so the evaluator can reload
	onRulesChanged func()
}

// Config wires the API's collaborators.
type Config struct {
	Store          Store
	Pipeline       *service.Pipeline
	Alerts         *service.AlertService
	Incidents      *service.IncidentService
	Engine         *soar.Engine
	Approvals      *soar.ApprovalService
	Hub            *notify.Hub
	OnRulesChanged func()
	Logger         *zap.SugaredLogger
}

// NewAPI creates the API server and registers its routes.
func NewAPI(cfg Config) *API {
	a := &API{
		router:         mux.NewRouter(),
		store:          cfg.Store,
		pipeline:       cfg.Pipeline,
		alerts:         cfg.Alerts,
		incidents:      cfg.Incidents,
		engine:         cfg.Engine,
		approvals:      cfg.Approvals,
		hub:            cfg.Hub,
		validate:       validator.New(),
		onRulesChanged: cfg.OnRulesChanged,
		logger:         cfg.Logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.loggingMiddleware)

	a.router.HandleFunc("/api/events", a.ingestEvent).Methods("POST")
	a.router.HandleFunc("/api/replay", a.replayEvents).Methods("POST")

	a.router.HandleFunc("/api/alerts", a.listAlerts).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}", a.getAlert).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}/status", a.updateAlertStatus).Methods("POST")

	a.router.HandleFunc("/api/incidents", a.listIncidents).Methods("GET")
	a.router.HandleFunc("/api/incidents/{id}", a.getIncident).Methods("GET")
	a.router.HandleFunc("/api/incidents/{id}/status", a.updateIncidentStatus).Methods("POST")

	a.router.HandleFunc("/api/rules", a.listRules).Methods("GET")
	a.router.HandleFunc("/api/rules", a.createRule).Methods("POST")
	a.router.HandleFunc("/api/rules/{id}", a.getRule).Methods("GET")
	a.router.HandleFunc("/api/rules/{id}", a.updateRule).Methods("PUT")
	a.router.HandleFunc("/api/rules/{id}", a.deleteRule).Methods("DELETE")

	a.router.HandleFunc("/api/playbooks", a.listPlaybooks).Methods("GET")
	a.router.HandleFunc("/api/playbooks/{id}", a.getPlaybook).Methods("GET")
	a.router.HandleFunc("/api/playbooks/{id}/trigger", a.triggerPlaybook).Methods("POST")

	a.router.HandleFunc("/api/executions", a.listExecutions).Methods("GET")
	a.router.HandleFunc("/api/executions/stats", a.executionStats).Methods("GET")
	a.router.HandleFunc("/api/executions/{id}", a.getExecution).Methods("GET")
	a.router.HandleFunc("/api/executions/{id}/log", a.getExecutionLog).Methods("GET")
	a.router.HandleFunc("/api/executions/{id}/approve", a.approveExecution).Methods("POST")
	a.router.HandleFunc("/api/executions/{id}/reject", a.rejectExecution).Methods("POST")
	a.router.HandleFunc("/api/executions/{id}/cancel", a.cancelExecution).Methods("POST")
	a.router.HandleFunc("/api/executions/{id}/rollback", a.rollbackExecution).Methods("POST")
	a.router.HandleFunc("/api/approvals", a.listPendingApprovals).Methods("GET")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
	if a.hub != nil {
		a.router.HandleFunc("/ws", a.hub.ServeWS)
	}
}

// Handler exposes the router, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start begins serving on addr and blocks until the server stops.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", addr)
	return a.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debugw("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
