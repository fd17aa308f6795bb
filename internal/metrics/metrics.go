// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package metrics provides Prometheus instrumentation for the event pipeline,
// the anomaly engine, the risk machine, and the stores. Metrics are exposed
// at /metrics in Prometheus text format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline Metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_ingested_total",
			Help: "Total number of behavioral events accepted into the queue",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_dropped_total",
			Help: "Total number of events dropped",
		},
		[]string{"reason"}, // "queue_full", "malformed", "shutdown"
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_processed_total",
			Help: "Total number of events fully processed by a worker",
		},
		[]string{"modality"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of events waiting in the ingress queue",
		},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processing_duration_seconds",
			Help:    "End-to-end per-event processing time in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"modality"},
	)

	// Anomaly Engine Metrics
	AnomalyScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_anomaly_score",
			Help:    "Distribution of blended anomaly scores",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95},
		},
		[]string{"modality"},
	)

	WarmupGated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_warmup_gated_total",
			Help: "Total number of scores clamped by the warmup baseline",
		},
	)

	ActiveModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_models",
			Help: "Current number of resident per-user model states",
		},
	)

	// Risk Machine Metrics
	RiskDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_decisions_total",
			Help: "Total number of risk decisions by severity and action",
		},
		[]string{"severity", "action"},
	)

	ChallengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_challenges_issued_total",
			Help: "Total number of security challenges issued",
		},
	)

	ChallengeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_challenge_outcomes_total",
			Help: "Total number of resolved challenges by outcome",
		},
		[]string{"outcome"}, // "passed", "failed", "timeout", "degraded_pass", "degraded_fail"
	)

	ForcedLogouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_forced_logouts_total",
			Help: "Total number of sessions terminated for high risk",
		},
	)

	// Store Metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of Badger store operations",
		},
		[]string{"store", "operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Badger store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "store_circuit_breaker_state",
			Help: "Circuit breaker state per store (0=closed, 1=half-open, 2=open)",
		},
		[]string{"store"},
	)

	// Gateway Metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Current number of connected WebSocket sessions",
		},
	)

	AlertsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_delivered_total",
			Help: "Total number of behavioral alerts delivered to clients",
		},
		[]string{"action"},
	)

	AlertDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_alert_delivery_failures_total",
			Help: "Total number of alerts that could not be delivered",
		},
	)

	// Sink Metrics
	SinkPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_records_published_total",
			Help: "Total number of risk records published to the sink",
		},
	)

	SinkPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_publish_errors_total",
			Help: "Total number of failed risk record publishes",
		},
	)

	// API Metrics
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
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordEventIngested increments the ingestion counter for an event type.
func RecordEventIngested(eventType string) {
	EventsIngested.WithLabelValues(eventType).Inc()
}

// RecordEventDropped increments the drop counter with a reason label.
func RecordEventDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordEventProcessed records a completed event with its processing latency.
func RecordEventProcessed(modality string, duration time.Duration) {
	EventsProcessed.WithLabelValues(modality).Inc()
	ProcessingDuration.WithLabelValues(modality).Observe(duration.Seconds())
}

// RecordAnomalyScore records a blended score for a modality.
func RecordAnomalyScore(modality string, score float64) {
	AnomalyScores.WithLabelValues(modality).Observe(score)
}

// RecordRiskDecision records a decision by severity and action.
func RecordRiskDecision(severity, action string) {
	RiskDecisions.WithLabelValues(severity, action).Inc()
}

// RecordChallengeOutcome records a resolved challenge outcome.
func RecordChallengeOutcome(outcome string) {
	ChallengeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStoreOperation records a Badger operation with status and latency.
func RecordStoreOperation(store, operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(store, operation, status).Inc()
	StoreOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordAPIRequest records an API request with its status and latency.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetCircuitBreakerState updates the breaker gauge for a store.
// States: 0 closed, 1 half-open, 2 open.
func SetCircuitBreakerState(store string, state int) {
	CircuitBreakerState.WithLabelValues(store).Set(float64(state))
}
