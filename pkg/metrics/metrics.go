// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package metrics instruments broker and worker activity with
// Prometheus collectors, exposed over HTTP via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Broker holds the collectors instrumenting a broker process.
type Broker struct {
	stepAssignments *prometheus.CounterVec
	stepReports     *prometheus.CounterVec
	workersActive   prometheus.Gauge
	instancesActive prometheus.Gauge
}

// NewBroker registers the broker's collectors against the default
// registry under the given namespace.
func NewBroker(namespace string) *Broker {
	return &Broker{
		stepAssignments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_assignments_total",
			Help:      "Total steps handed out by GetStep.",
		}, []string{"workflow_id"}),

		stepReports: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_reports_total",
			Help:      "Total step reports received, by terminal state.",
		}, []string{"workflow_id", "state"}),

		workersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently within their liveness TTL.",
		}),

		instancesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_active",
			Help:      "Workflow instances dispatched but not yet finalized.",
		}),
	}
}

// ObserveAssignment records one step handed out to a worker.
func (b *Broker) ObserveAssignment(workflowID string) {
	b.stepAssignments.WithLabelValues(workflowID).Inc()
}

// ObserveReport records one step report, labeled by its terminal state.
func (b *Broker) ObserveReport(workflowID, state string) {
	b.stepReports.WithLabelValues(workflowID, state).Inc()
}

// SetWorkersActive sets the current connected-worker count.
func (b *Broker) SetWorkersActive(n int) { b.workersActive.Set(float64(n)) }

// SetInstancesActive sets the current in-flight instance count.
func (b *Broker) SetInstancesActive(n int) { b.instancesActive.Set(float64(n)) }

// Worker holds the collectors instrumenting a worker process.
type Worker struct {
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
}

// NewWorker registers the worker's collectors against the default
// registry under the given namespace.
func NewWorker(namespace string) *Worker {
	return &Worker{
		stepsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total steps this worker has executed, by terminal state.",
		}, []string{"step", "state"}),

		stepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),

		retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total retry attempts consulted by the policy chain.",
		}, []string{"step"}),
	}
}

// ObserveStep records one step's terminal state and wall-clock duration.
func (w *Worker) ObserveStep(step, state string, seconds float64) {
	w.stepsExecuted.WithLabelValues(step, state).Inc()
	w.stepDuration.WithLabelValues(step).Observe(seconds)
}

// ObserveRetry records one retry attempt for step.
func (w *Worker) ObserveRetry(step string) {
	w.retries.WithLabelValues(step).Inc()
}

// Handler returns the promhttp handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
