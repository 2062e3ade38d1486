package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoansIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loans_issued_total",
		Help: "Total number of loans issued",
	})

	LoansReturnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loans_returned_total",
		Help: "Total number of loans returned",
	})

	OperationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_failed_total",
		Help: "Total number of rejected or failed core operations",
	}, []string{"operation", "reason"})

	LoanOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loan_operation_latency_seconds",
		Help:    "Latency of issue/return transactions",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PenaltiesAssessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalties_assessed_total",
		Help: "Total number of returns that closed with a non-zero penalty",
	})

	CopyReleasesCappedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copy_releases_capped_total",
		Help: "Total number of copy releases that would have exceeded total copies",
	})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_sweep_runs_total",
		Help: "Total number of penalty sweep runs",
	}, []string{"result"})

	SweepRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_sweep_rows_total",
		Help: "Rows visited by the penalty sweep",
	}, []string{"kind", "outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "penalty_sweep_duration_seconds",
		Help:    "Duration of penalty sweep runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	SubscriptionsStackedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscriptions_stacked_total",
		Help: "Total number of subscriptions created",
	}, []string{"mode"})

	PaymentsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Total number of payments confirmed",
	}, []string{"method", "type"})

	DuplicateConfirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_duplicate_confirmations_total",
		Help: "Total number of gateway confirmations for already completed payments",
	})

	InvalidSignaturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_invalid_signatures_total",
		Help: "Total number of gateway confirmations rejected for a bad signature",
	})

	ContentionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contention_errors_total",
		Help: "Total number of operations aborted on lock contention",
	}, []string{"operation"})

	AuditEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Total number of audit entries dropped because the buffer was full or the write failed",
	})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of notifications that could not be published",
	}, []string{"topic"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
