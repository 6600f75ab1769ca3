// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package worker implements the execution loop a worker process runs:
// register against a broker, poll for ready steps, resolve each
// step's arguments, invoke it through its policy chain, and report
// the outcome.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/logging"
	"github.com/jsam/fuseline/pkg/metrics"
	"github.com/jsam/fuseline/pkg/policy"
	"github.com/jsam/fuseline/pkg/schema"
	"github.com/jsam/fuseline/pkg/tracing"
)

// Worker owns a BrokerClient, a registry of locally known workflows
// keyed by workflow_id, and drives their execution.
type Worker struct {
	client       BrokerClient
	workflows    map[string]*graph.Workflow
	log          logging.Logger
	sink         tracing.Sink
	metrics      *metrics.Worker
	pollInterval time.Duration

	workerID string
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithTracingSink overrides the default no-op tracing sink.
func WithTracingSink(s tracing.Sink) Option {
	return func(w *Worker) { w.sink = s }
}

// WithPollInterval overrides the default poll interval used when
// Work is called with block=true.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithMetrics attaches a *metrics.Worker that records step outcomes
// and retry attempts.
func WithMetrics(m *metrics.Worker) Option {
	return func(w *Worker) { w.metrics = m }
}

// New constructs a Worker over the given workflows, keyed by their
// workflow_id. Call Register before Work.
func New(client BrokerClient, workflows []*graph.Workflow, opts ...Option) *Worker {
	byID := make(map[string]*graph.Workflow, len(workflows))
	for _, wf := range workflows {
		byID[wf.ID] = wf
	}
	w := &Worker{
		client:       client,
		workflows:    byID,
		log:          logging.NewNop(),
		sink:         tracing.NopSink{},
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register computes a WorkflowSchema for every known workflow and
// registers them with the broker, recording the assigned worker_id.
func (w *Worker) Register(ctx context.Context) error {
	schemas := make([]schema.WorkflowSchema, 0, len(w.workflows))
	for _, wf := range w.workflows {
		schemas = append(schemas, schema.FromWorkflow(wf))
	}
	id, err := w.client.RegisterWorker(ctx, schemas)
	if err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	w.workerID = id
	w.log.Info("worker registered", logging.NewField("worker_id", id))
	return nil
}

// Work runs the poll loop once. If block is true, it sleeps
// pollInterval and retries when no work is available, until ctx is
// done; if false, it returns (false, nil) the first time no work is
// found. It returns true if a step was executed.
func (w *Worker) Work(ctx context.Context, block bool) (bool, error) {
	for {
		if err := w.client.KeepAlive(ctx, w.workerID); err != nil {
			return false, fmt.Errorf("keep-alive: %w", err)
		}

		assignment, err := w.client.GetStep(ctx, w.workerID)
		if err != nil {
			return false, fmt.Errorf("getting step: %w", err)
		}
		if assignment == nil {
			if !block {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(w.pollInterval):
				continue
			}
		}

		if err := w.executeAssignment(ctx, assignment); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (w *Worker) executeAssignment(ctx context.Context, a *broker.StepAssignment) error {
	wf, ok := w.workflows[a.WorkflowID]
	if !ok {
		return fmt.Errorf("worker has no local definition for workflow %s", a.WorkflowID)
	}
	step := wf.StepByName(a.StepName)
	if step == nil {
		return fmt.Errorf("workflow %s has no step named %s", a.WorkflowID, a.StepName)
	}

	w.sink.Record(tracing.Event{
		Event: tracing.StepStarted, Step: step.Name,
		WorkflowID: a.WorkflowID, WorkflowInstanceID: a.InstanceID, Timestamp: time.Now(),
	})

	results := make(map[*graph.Step]any, len(a.Payload.Results))
	for name, value := range a.Payload.Results {
		if producer := wf.StepByName(name); producer != nil {
			results[producer] = value
		}
	}

	args, skipped := step.ResolveArgs(graph.ResolveContext{
		Results: results,
		Plain:   a.Payload.WorkflowInputs,
		OnCondition: func(dependency string, value any, passed bool) {
			p := passed
			w.sink.Record(tracing.Event{
				Event: tracing.ConditionCheck, Step: step.Name,
				WorkflowID: a.WorkflowID, WorkflowInstanceID: a.InstanceID, Timestamp: time.Now(),
				Dependency: dependency, Passed: &p,
			})
		},
	})

	var (
		result any
		state  graph.State
	)
	started := time.Now()
	if skipped {
		result, state = nil, graph.StateSkipped
	} else {
		info := policy.StepInfo{Name: step.Name}
		attempts := 0
		res, outcome, err := policy.Run(ctx, step.Policies(), info, func(ctx context.Context) (any, error) {
			if attempts > 0 && w.metrics != nil {
				w.metrics.ObserveRetry(step.Name)
			}
			attempts++
			return step.Invoke(ctx, args)
		})
		switch outcome {
		case policy.OutcomeSucceeded:
			result, state = res, graph.StateSucceeded
		case policy.OutcomeSkipped:
			result, state = nil, graph.StateSkipped
		default:
			w.log.Warn("step failed", logging.NewField("step", step.Name), logging.NewField("error", err.Error()))
			w.sink.Record(tracing.Event{
				Event: tracing.StepFailed, Step: step.Name,
				WorkflowID: a.WorkflowID, WorkflowInstanceID: a.InstanceID, Timestamp: time.Now(),
				Error: err.Error(),
			})
			result, state = nil, graph.StateFailed
		}
	}

	if state != graph.StateFailed {
		w.sink.Record(tracing.Event{
			Event: tracing.StepFinished, Step: step.Name,
			WorkflowID: a.WorkflowID, WorkflowInstanceID: a.InstanceID, Timestamp: time.Now(),
			Result: result, Skipped: state == graph.StateSkipped,
		})
	}

	if w.metrics != nil {
		w.metrics.ObserveStep(step.Name, state.String(), time.Since(started).Seconds())
	}

	return w.client.ReportStep(ctx, w.workerID, broker.StepReport{
		WorkflowID: a.WorkflowID,
		InstanceID: a.InstanceID,
		StepName:   a.StepName,
		State:      state,
		Result:     result,
	})
}
