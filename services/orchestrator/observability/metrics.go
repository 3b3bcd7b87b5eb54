// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the conversation
// turn pipeline. Metrics include:
//   - Turn counters and duration histograms (by terminal status)
//   - Model call counters and latency (by purpose: chat, title, facts)
//   - Directive counters (by directive type) and re-run counters
//   - Pruning and episodic retrieval counters
//   - Active stream gauges and client disconnect counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Helper methods tolerate a nil receiver so callers can run without a
// registered metrics instance (tests, embedded use).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "recall"

// Subsystem for turn pipeline metrics
const orchestratorSubsystem = "orchestrator"

// Subsystem for memory maintenance metrics
const memorySubsystem = "memory"

// Metrics holds all Prometheus metrics for the conversation orchestrator.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring turn processing,
// model calls, directive handling, and memory maintenance. Initialize once
// at startup via InitMetrics().
//
// # Fields
//
//   - TurnsTotal: Counter of processed turns by terminal status
//   - TurnDurationSeconds: Histogram of end-to-end turn duration
//   - ModelCallsTotal: Counter of model calls by purpose and status
//   - ModelCallDurationSeconds: Histogram of model call latency by purpose
//   - RerunsTotal: Counter of directive-triggered reassembly rounds
//   - DirectivesTotal: Counter of parsed directives by type
//   - PruneRunsTotal: Counter of pruning passes by outcome
//   - MessagesPrunedTotal: Counter of messages archived out of the contextual list
//   - EpisodicSearchesTotal: Counter of episodic retrievals by outcome
//   - WebSearchesTotal: Counter of web searches by outcome
//   - ActiveStreams: Gauge of currently active event streams
//   - ClientDisconnectsTotal: Counter of consumer disconnects mid-turn
//   - TurnRejectionsTotal: Counter of turns rejected at admission (concurrency cap)
//   - ActiveEngines: Gauge of resident per-session orchestrators
//   - EngineEvictionsTotal: Counter of orchestrators evicted from the cache
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// TurnsTotal counts processed turns by terminal status.
	// Labels: status (success, error, timeout, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn duration.
	// Labels: status (success, error, timeout, cancelled)
	TurnDurationSeconds *prometheus.HistogramVec

	// ModelCallsTotal counts model calls by purpose and status.
	// Labels: purpose (chat, title, facts), status (success, error)
	ModelCallsTotal *prometheus.CounterVec

	// ModelCallDurationSeconds measures model call latency.
	// Labels: purpose (chat, title, facts)
	ModelCallDurationSeconds *prometheus.HistogramVec

	// RerunsTotal counts reassembly rounds triggered by directives.
	RerunsTotal prometheus.Counter

	// DirectivesTotal counts parsed directives by type.
	// Labels: type (request_tier, search_episodic, search_deeper_episodic,
	// web_search, fetch_episode)
	DirectivesTotal *prometheus.CounterVec

	// PruneRunsTotal counts pruning passes by outcome.
	// Labels: outcome (noop, pruned, error)
	PruneRunsTotal *prometheus.CounterVec

	// MessagesPrunedTotal counts messages archived out of the contextual list.
	MessagesPrunedTotal prometheus.Counter

	// EpisodicSearchesTotal counts episodic retrievals by outcome.
	// Labels: outcome (hit, miss, error)
	EpisodicSearchesTotal *prometheus.CounterVec

	// WebSearchesTotal counts web searches by outcome.
	// Labels: outcome (success, error)
	WebSearchesTotal *prometheus.CounterVec

	// ActiveStreams tracks currently active event streams.
	// Labels: endpoint (chat, chat_ws)
	ActiveStreams *prometheus.GaugeVec

	// ClientDisconnectsTotal counts consumers that went away mid-turn.
	// Labels: endpoint (chat, chat_ws)
	ClientDisconnectsTotal *prometheus.CounterVec

	// TurnRejectionsTotal counts turns rejected at admission.
	// Labels: reason (concurrency_cap)
	TurnRejectionsTotal *prometheus.CounterVec

	// ActiveEngines tracks resident per-session orchestrators.
	ActiveEngines prometheus.Gauge

	// EngineEvictionsTotal counts orchestrators evicted from the cache.
	// Labels: reason (idle, capacity, deleted)
	EngineEvictionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of Metrics.
// Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "turns_total",
				Help:      "Total processed turns by terminal status",
			},
			[]string{"status"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"status"},
		),

		ModelCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "model_calls_total",
				Help:      "Total model calls by purpose and status",
			},
			[]string{"purpose", "status"},
		),

		ModelCallDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "model_call_duration_seconds",
				Help:      "Model call latency in seconds by purpose",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"purpose"},
		),

		RerunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "reruns_total",
				Help:      "Total reassembly rounds triggered by directives",
			},
		),

		DirectivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "directives_total",
				Help:      "Total parsed directives by type",
			},
			[]string{"type"},
		),

		PruneRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "prune_runs_total",
				Help:      "Total pruning passes by outcome",
			},
			[]string{"outcome"},
		),

		MessagesPrunedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "messages_pruned_total",
				Help:      "Total messages archived out of the contextual list",
			},
		),

		EpisodicSearchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: memorySubsystem,
				Name:      "episodic_searches_total",
				Help:      "Total episodic retrievals by outcome",
			},
			[]string{"outcome"},
		),

		WebSearchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "web_searches_total",
				Help:      "Total web searches by outcome",
			},
			[]string{"outcome"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active event streams",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total consumer disconnects during an active turn",
			},
			[]string{"endpoint"},
		),

		TurnRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "turn_rejections_total",
				Help:      "Total turns rejected at admission",
			},
			[]string{"reason"},
		),

		ActiveEngines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "active_engines",
				Help:      "Number of resident per-session orchestrators",
			},
		),

		EngineEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "engine_evictions_total",
				Help:      "Total orchestrators evicted from the session cache",
			},
			[]string{"reason"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// TurnStatus labels a turn's terminal outcome for metrics.
type TurnStatus string

const (
	// TurnStatusSuccess indicates the turn emitted a final reply.
	TurnStatusSuccess TurnStatus = "success"

	// TurnStatusError indicates the turn ended with an error event.
	TurnStatusError TurnStatus = "error"

	// TurnStatusTimeout indicates the turn exceeded its time budget.
	TurnStatusTimeout TurnStatus = "timeout"

	// TurnStatusCancelled indicates the consumer went away mid-turn.
	TurnStatusCancelled TurnStatus = "cancelled"
)

// ModelCallPurpose labels what a model call was for.
type ModelCallPurpose string

const (
	// PurposeChat is the main conversational completion.
	PurposeChat ModelCallPurpose = "chat"

	// PurposeTitle is first-turn session title generation.
	PurposeTitle ModelCallPurpose = "title"

	// PurposeFacts is post-turn fact extraction.
	PurposeFacts ModelCallPurpose = "facts"
)

// Endpoint labels the transport a stream was served on.
type Endpoint string

const (
	// EndpointChat is the HTTP chat endpoint (buffered or NDJSON).
	EndpointChat Endpoint = "chat"

	// EndpointChatWS is the WebSocket chat endpoint.
	EndpointChatWS Endpoint = "chat_ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn and its duration.
//
// # Inputs
//
//   - status: The turn's terminal outcome.
//   - seconds: End-to-end duration in seconds.
func (m *Metrics) RecordTurn(status TurnStatus, seconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(status)).Inc()
	m.TurnDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

// RecordModelCall records a model call's outcome and latency.
//
// # Inputs
//
//   - purpose: What the call was for.
//   - seconds: Call latency in seconds.
//   - success: Whether the call returned a reply.
func (m *Metrics) RecordModelCall(purpose ModelCallPurpose, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ModelCallsTotal.WithLabelValues(string(purpose), status).Inc()
	m.ModelCallDurationSeconds.WithLabelValues(string(purpose)).Observe(seconds)
}

// RecordRerun increments the reassembly round counter.
func (m *Metrics) RecordRerun() {
	if m == nil {
		return
	}
	m.RerunsTotal.Inc()
}

// RecordDirective counts one parsed directive.
//
// # Inputs
//
//   - directiveType: The directive's type label.
func (m *Metrics) RecordDirective(directiveType string) {
	if m == nil {
		return
	}
	m.DirectivesTotal.WithLabelValues(directiveType).Inc()
}

// RecordPrune records a pruning pass.
//
// # Inputs
//
//   - archived: Number of messages archived by the pass.
//   - err: The pass error, if any.
func (m *Metrics) RecordPrune(archived int, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.PruneRunsTotal.WithLabelValues("error").Inc()
	case archived == 0:
		m.PruneRunsTotal.WithLabelValues("noop").Inc()
	default:
		m.PruneRunsTotal.WithLabelValues("pruned").Inc()
		m.MessagesPrunedTotal.Add(float64(archived))
	}
}

// RecordEpisodicSearch records an episodic retrieval outcome.
//
// # Inputs
//
//   - hits: Number of chunks returned.
//   - err: The retrieval error, if any.
func (m *Metrics) RecordEpisodicSearch(hits int, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.EpisodicSearchesTotal.WithLabelValues("error").Inc()
	case hits == 0:
		m.EpisodicSearchesTotal.WithLabelValues("miss").Inc()
	default:
		m.EpisodicSearchesTotal.WithLabelValues("hit").Inc()
	}
}

// RecordWebSearch records a web search outcome.
//
// # Inputs
//
//   - success: Whether the upstream search succeeded.
func (m *Metrics) RecordWebSearch(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.WebSearchesTotal.WithLabelValues(outcome).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordTurnRejection counts a turn rejected before processing.
//
// # Inputs
//
//   - reason: Why admission failed (for example "concurrency_cap").
func (m *Metrics) RecordTurnRejection(reason string) {
	if m == nil {
		return
	}
	m.TurnRejectionsTotal.WithLabelValues(reason).Inc()
}

// EngineAdded increments the resident orchestrator gauge.
func (m *Metrics) EngineAdded() {
	if m == nil {
		return
	}
	m.ActiveEngines.Inc()
}

// EngineEvicted decrements the resident orchestrator gauge and counts
// the eviction.
//
// # Inputs
//
//   - reason: Why the orchestrator was removed (idle, capacity, deleted).
func (m *Metrics) EngineEvicted(reason string) {
	if m == nil {
		return
	}
	m.ActiveEngines.Dec()
	m.EngineEvictionsTotal.WithLabelValues(reason).Inc()
}
