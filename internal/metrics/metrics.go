// Copyright 2025 Galad Dirie
//
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

// Package metrics exposes the Prometheus instrumentation for the edit
// sessions, the execution engine, and the webhook surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/galaddirie/flowline/pkg/engine"
)

var (
	// operationsApplied tracks accepted edit operations
	operationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_operations_applied_total",
			Help: "Total applied edit operations by operation type",
		},
		[]string{"op_type"},
	)

	// operationsRejected tracks refused edit operations
	operationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_operations_rejected_total",
			Help: "Total rejected edit operations by rejection reason",
		},
		[]string{"reason"},
	)

	// sessionsActive tracks live edit sessions
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowline_sessions_active",
			Help: "Number of currently live edit sessions",
		},
	)

	// executionsFinished tracks completed workflow runs
	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_executions_total",
			Help: "Total finished executions by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	// stepDuration tracks per-step wall time
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowline_step_duration_seconds",
			Help:    "Step execution duration by terminal status",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"status"},
	)

	// webhookRequests tracks inbound webhook deliveries
	webhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_webhook_requests_total",
			Help: "Total webhook deliveries by endpoint kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// RecordOperationApplied increments the applied-operation counter.
func RecordOperationApplied(opType string) {
	operationsApplied.WithLabelValues(opType).Inc()
}

// RecordOperationRejected increments the rejected-operation counter.
func RecordOperationRejected(reason string) {
	operationsRejected.WithLabelValues(reason).Inc()
}

// SessionStarted increments the live-session gauge.
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionStopped decrements the live-session gauge.
func SessionStopped() {
	sessionsActive.Dec()
}

// RecordWebhook increments the webhook delivery counter.
func RecordWebhook(kind, outcome string) {
	webhookRequests.WithLabelValues(kind, outcome).Inc()
}

// Observer bridges engine lifecycle hooks into Prometheus. Wire it into
// an engine run alongside the bus and recorder observers.
type Observer struct{}

func (Observer) ExecutionUpdated(exec *engine.Execution) {
	if !exec.Status.Terminal() {
		return
	}
	executionsFinished.WithLabelValues(string(exec.Mode), string(exec.Status)).Inc()
}

func (Observer) StepStarted(*engine.StepExecution) {}

func (Observer) StepFinished(se *engine.StepExecution) {
	stepDuration.WithLabelValues(string(se.Status)).Observe(float64(se.DurationUS) / 1e6)
}
