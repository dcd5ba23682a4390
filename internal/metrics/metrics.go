package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion, RPC, job, and lifecycle metrics, partitioned by contest + chain
// (and pipeline where live/replay traffic must stay distinguishable).

var (
	// Ingestion
	IngestBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "batch_duration_seconds",
		Help:      "Event batch pull+write duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"contest", "chain", "pipeline"})

	IngestBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "batch_size_events",
		Help:      "Events per ingested batch",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"contest", "chain", "pipeline"})

	IngestEventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "events_written_total",
		Help:      "Total events recorded in the ledger (first insertions only)",
	}, []string{"contest", "chain", "type"})

	IngestDuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "duplicates_skipped_total",
		Help:      "Events skipped because their identity was already recorded",
	}, []string{"contest", "chain"})

	IngestStreamLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "stream_lag_blocks",
		Help:      "Blocks between chain head and the stream cursor",
	}, []string{"contest", "chain"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "ingest",
		Name:      "errors_total",
		Help:      "Total per-stream ingestion pass failures",
	}, []string{"contest", "chain", "pipeline"})

	// RPC endpoint manager
	RPCFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "rpc",
		Name:      "failures_total",
		Help:      "Total failures recorded against RPC endpoints",
	}, []string{"chain", "endpoint"})

	RPCSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "rpc",
		Name:      "switches_total",
		Help:      "Total active-endpoint switches per chain",
	}, []string{"chain", "endpoint"})

	RPCCooldownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "rpc",
		Name:      "cooldowns_total",
		Help:      "Total cooldowns entered by RPC endpoints",
	}, []string{"chain", "endpoint"})

	RPCChainDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "contestledger",
		Subsystem: "rpc",
		Name:      "chain_degraded",
		Help:      "1 when no eligible endpoint exists for the chain",
	}, []string{"chain"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	}, []string{"chain"})

	// Jobs
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total jobs published to the queue",
	}, []string{"kind"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs finished, by outcome",
	}, []string{"kind", "outcome"})

	JobsQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "contestledger",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Jobs currently queued or waiting on a busy serialization key",
	})

	JobAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contestledger",
		Subsystem: "jobs",
		Name:      "attempts",
		Help:      "Attempts used before a job reached a terminal outcome",
		Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
	}, []string{"kind"})

	MilestonesEscalatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "jobs",
		Name:      "milestones_escalated_total",
		Help:      "Milestone executions escalated to needs_attention",
	}, []string{"contest", "chain", "milestone"})

	// Reconciliation
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Total reconciliation reports generated",
	}, []string{"contest", "chain"})

	ReconcileDiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "reconcile",
		Name:      "discrepancies_total",
		Help:      "Total discrepancies found, by type",
	}, []string{"contest", "chain", "type"})

	// Lifecycle
	LifecycleActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "lifecycle",
		Name:      "actions_total",
		Help:      "Lifecycle contract calls issued, by action and outcome",
	}, []string{"contest", "chain", "action", "outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contestledger",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})
)
