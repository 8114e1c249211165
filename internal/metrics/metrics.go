// Copyright 2025 Presso Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the core's internal Prometheus collectors.
// Nothing in this process serves an HTTP endpoint for them; a future
// embedder that wants to expose /metrics can mount promhttp.Handler()
// against the registry returned by New.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector the core's components report into.
type Registry struct {
	reg *prometheus.Registry

	DispatchLatencyMs   *prometheus.HistogramVec
	DispatchTotal       *prometheus.CounterVec
	RetryAttemptsTotal  *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	StepExecutionsTotal *prometheus.CounterVec
	ApprovalsTotal      *prometheus.CounterVec
	GuardrailDecisions  *prometheus.CounterVec
}

// New constructs a fresh registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		DispatchLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "presso_core_dispatch_duration_milliseconds",
				Help:    "Time from request dispatch to worker response, in milliseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
			[]string{"worker"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presso_core_dispatch_total",
				Help: "Total number of requests dispatched per worker and outcome.",
			},
			[]string{"worker", "outcome"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presso_core_retry_attempts_total",
				Help: "Total number of step retry attempts.",
			},
			[]string{"step_type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "presso_core_worker_queue_depth",
				Help: "Number of outstanding in-flight requests per worker.",
			},
			[]string{"worker"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "presso_core_circuit_breaker_state",
				Help: "Per-worker circuit breaker state: 0=closed, 1=half-open, 2=open.",
			},
			[]string{"worker"},
		),
		StepExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presso_core_step_executions_total",
				Help: "Total number of step executions by terminal status.",
			},
			[]string{"status"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presso_core_approvals_total",
				Help: "Total number of approval resolutions by decision.",
			},
			[]string{"decision"},
		),
		GuardrailDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presso_core_guardrail_decisions_total",
				Help: "Total number of guardrail decisions by record kind and decision.",
			},
			[]string{"kind", "decision"},
		),
	}

	reg.MustRegister(
		m.DispatchLatencyMs,
		m.DispatchTotal,
		m.RetryAttemptsTotal,
		m.QueueDepth,
		m.CircuitBreakerState,
		m.StepExecutionsTotal,
		m.ApprovalsTotal,
		m.GuardrailDecisions,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Gatherer, e.g. for a test
// assertion or a future HTTP handler.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

const (
	breakerClosed = 0
	breakerHalf   = 1
	breakerOpen   = 2
)

// BreakerStateValue maps a circuit breaker state name to the gauge value
// CircuitBreakerState expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return breakerHalf
	case "open":
		return breakerOpen
	default:
		return breakerClosed
	}
}
