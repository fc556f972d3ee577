// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics exposes the Turn Engine's Prometheus counters and
// histograms (§11's domain stack: "turns completed, retries by class, cap
// exhaustion, assembly exclusions"). It is grounded on the teacher's
// package-scope promauto.New*Vec convention
// (services/trace/agent/mcts/crs/persistence.go's
// backupDurationHistogram/backupOperationsTotal/backupRetriesTotal), and on
// the named metric vocabulary services/trace/agent/phases/execute_retry.go
// accumulates per session (agent.MetricToolForcingRetries), generalized
// here from one ad hoc session counter into a fixed set of named
// process-wide Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentturn_turns_total",
		Help: "Turns completed by the Turn Engine, by terminal outcome.",
	}, []string{"outcome"}) // "completed" | "failed"

	turnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentturn_turn_duration_seconds",
		Help:    "Wall-clock duration of one turn, start_turn to complete_turn/fail_turn.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentturn_llm_retries_total",
		Help: "Retry Controller attempts beyond the first, by error class.",
	}, []string{"class"}) // engineerr.Class string form

	toolCallCapExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentturn_tool_call_cap_exceeded_total",
		Help: "Turns that failed because the per-turn tool-call cap (§4.10) was exceeded.",
	})

	assemblyExclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentturn_context_assembly_exclusions_total",
		Help: "Context Manager assembly decisions with status EXCLUDED, by candidate kind.",
	}, []string{"kind"}) // "recent_turn" | "snippet" | "tool_result" | "proactive"

	circuitBreakerOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentturn_circuit_breaker_open_total",
		Help: "Times the Retry Controller's circuit breaker rejected an LLM call while open.",
	})

	toolCallsPerTurn = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentturn_tool_calls_per_turn",
		Help:    "Number of tool calls issued within a single turn.",
		Buckets: []float64{0, 1, 2, 5, 10, 15, 20, 25},
	})
)

// RecordTurnCompleted records one terminal turn outcome and its duration.
// outcome should be "completed" or "failed".
func RecordTurnCompleted(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry records one Retry Controller attempt beyond the first, keyed
// by the engineerr.Class string that triggered it.
func RecordRetry(class string) {
	retriesTotal.WithLabelValues(class).Inc()
}

// RecordToolCallCapExceeded records one turn failed by Tool.LoopCapExceeded.
func RecordToolCallCapExceeded() {
	toolCallCapExceededTotal.Inc()
}

// RecordAssemblyExclusion records one EXCLUDED assembly decision for a
// candidate of the given kind ("recent_turn", "snippet", "tool_result",
// "proactive").
func RecordAssemblyExclusion(kind string) {
	assemblyExclusionsTotal.WithLabelValues(kind).Inc()
}

// RecordCircuitBreakerOpen records one LLM call rejected by an open circuit
// breaker.
func RecordCircuitBreakerOpen() {
	circuitBreakerOpenTotal.Inc()
}

// RecordToolCallsIssued records how many tool calls one turn issued in
// total, for distribution analysis against the tool-call cap.
func RecordToolCallsIssued(count int) {
	toolCallsPerTurn.Observe(float64(count))
}
