package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewayBatchesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "gateway",
		Name:      "batches_accepted_total",
		Help:      "Total URL batches accepted for ingestion.",
	})

	GatewayJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "gateway",
		Name:      "jobs_created_total",
		Help:      "Total jobs created from submitted URLs.",
	})

	GatewayURLsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "gateway",
		Name:      "urls_rejected_total",
		Help:      "Total submitted URLs rejected as malformed at ingestion.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "jobs_processed_total",
		Help:      "Jobs reaching a terminal state, labelled by outcome.",
	}, []string{"outcome"})

	DispatcherJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being dispatched.",
	})

	DispatcherAdmissionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "admissions_denied_total",
		Help:      "Admission denials, labelled by quota subject kind (user or domain).",
	}, []string{"subject"})

	DispatcherSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "submissions_total",
		Help:      "External submission calls, labelled by result (accepted, rejected, transient).",
	}, []string{"result"})

	DispatcherSubmissionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "submission_duration_seconds",
		Help:      "External submission call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	DispatcherRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "retries_scheduled_total",
		Help:      "Transient failures requeued with backoff.",
	})

	DispatcherUnverifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "unverified_total",
		Help:      "Jobs failed because the domain was not verified for the owner.",
	})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Malformed intake messages sent to the dead-letter topic.",
	})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorArchivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "janitor",
		Name:      "archived_total",
		Help:      "Terminal jobs moved to the archive table.",
	})

	JanitorRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "janitor",
		Name:      "requeued_total",
		Help:      "Stale queued jobs republished to the incoming topic.",
	})

	JanitorIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "urlindexer",
		Subsystem: "janitor",
		Name:      "is_leader",
		Help:      "1 when this instance holds the janitor leader lock.",
	})

	// ─── Verification cache ──────────────────────────────────────────────────────

	VerifyRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "verify",
		Name:      "refreshes_total",
		Help:      "Verification provider refresh calls, labelled by result (ok, error).",
	}, []string{"result"})

	VerifyFailClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urlindexer",
		Subsystem: "verify",
		Name:      "fail_closed_total",
		Help:      "Lookups answered unverified because no fresh-enough cache entry existed.",
	})
)
