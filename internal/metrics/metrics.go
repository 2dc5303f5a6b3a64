// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for:
// - Event ingestion (visits, leads, attribution rejections)
// - Storage operation latency (both backends)
// - Status probe outcomes
// - WebSocket broadcast fan-out
// - API endpoint latency and throughput

var (
	// Ingestion Metrics
	VisitsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "visits_ingested_total",
			Help: "Total number of attributed visits stored",
		},
	)

	LeadsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leads_ingested_total",
			Help: "Total number of attributed leads stored",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_rejected_total",
			Help: "Total number of tracking events rejected before storage",
		},
		[]string{"kind", "reason"}, // reason: "not_attributed", "validation"
	)

	MicrositesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microsites_created_total",
			Help: "Total number of microsites created via find-or-create",
		},
	)

	// Storage Metrics
	StorageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StorageOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_errors_total",
			Help: "Total number of storage operation errors",
		},
		[]string{"backend", "operation"},
	)

	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_evicted_total",
			Help: "Total number of events evicted by TTL expiry (ephemeral mode)",
		},
	)

	MicrositesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microsites_evicted_total",
			Help: "Total number of orphaned microsites pruned (ephemeral mode)",
		},
	)

	// Probe Metrics
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probe_duration_seconds",
			Help:    "Duration of status probes in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"kind"}, // "website", "form"
	)

	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_results_total",
			Help: "Total number of probe outcomes",
		},
		[]string{"kind", "result"}, // result: "live", "error", "timeout", "rejected"
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages broadcast",
		},
		[]string{"type"}, // "visit", "lead", "status-update", "alerts"
	)

	WSClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_clients_dropped_total",
			Help: "Total number of clients disconnected for slow consumption",
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Scheduler Metrics
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Total number of scheduler task executions",
		},
		[]string{"task", "result"}, // result: "success", "error", "skipped"
	)

	SchedulerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_task_duration_seconds",
			Help:    "Duration of scheduler task executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"task"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)
)

// RecordStorageOp records a storage operation metric.
func RecordStorageOp(backend, operation string, duration time.Duration, err error) {
	StorageOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		StorageOpErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordProbe records a probe outcome.
func RecordProbe(kind, result string, duration time.Duration) {
	ProbeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	ProbeResults.WithLabelValues(kind, result).Inc()
}

// RecordSchedulerRun records one scheduler task execution.
func RecordSchedulerRun(task, result string, duration time.Duration) {
	SchedulerRuns.WithLabelValues(task, result).Inc()
	if result != "skipped" {
		SchedulerTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
	}
}
