package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"source_type"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_events_deduplicated_total",
			Help: "Total number of events dropped as duplicates",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_event_processing_duration_seconds",
			Help:    "Time taken to evaluate an event against all rules",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"rule_type", "severity"},
	)

	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_incidents_created_total",
			Help: "Total number of incidents created by auto-escalation",
		},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rule_evaluation_errors_total",
			Help: "Total number of per-rule evaluation errors (rule skipped, pipeline continues)",
		},
		[]string{"rule_id"},
	)

	RulesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rules_skipped_total",
			Help: "Total number of rule evaluations skipped by type (unsupported rule types)",
		},
		[]string{"rule_type"},
	)

	PlaybookExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_playbook_executions_total",
			Help: "Total number of playbook executions by terminal status",
		},
		[]string{"playbook_id", "status"},
	)

	PlaybookExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_playbook_execution_duration_seconds",
			Help:    "Duration of playbook executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"playbook_id"},
	)

	PlaybookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_playbook_queue_depth",
			Help: "Remaining capacity of the playbook execution semaphore",
		},
	)

	ExecutionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_executions_rejected_total",
			Help: "Executions rejected by the one-non-terminal-per-(playbook,alert) invariant",
		},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_actions_executed_total",
			Help: "Total number of action attempts by type and result status",
		},
		[]string{"action_type", "status"},
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_action_retries_total",
			Help: "Total number of action retry attempts",
		},
		[]string{"action_type"},
	)

	RollbacksInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rollbacks_invoked_total",
			Help: "Total number of rollback actions invoked",
		},
		[]string{"playbook_id"},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_approvals_pending",
			Help: "Number of executions currently awaiting approval",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_notifications_sent_total",
			Help: "Total number of notifications dispatched by channel and result",
		},
		[]string{"channel", "result"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_worker_pool_queue_size",
			Help: "Current task queue size per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool_type"},
	)

	EnrichmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_enrichment_requests_total",
			Help: "Narrative enrichment calls by entity and result",
		},
		[]string{"entity", "result"},
	)

	ThreatIntelCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_threat_intel_cache_total",
			Help: "Threat intelligence lookup cache hits and misses",
		},
		[]string{"result"},
	)
)
