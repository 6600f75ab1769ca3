// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package executor runs a graph.Workflow in-process, without a broker:
// semantics match the broker plus a single worker, but avoid
// serialization. Readiness collapses each OR-group to a single unit of
// indegree; steps within the same execution_group run concurrently up
// to a configured worker count.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/logging"
	"github.com/jsam/fuseline/pkg/policy"
	"github.com/jsam/fuseline/pkg/tracing"
)

// Result holds one step's outcome from a Run.
type Result struct {
	State graph.State
	Value any
	Err   error
}

// RunResult is the outcome of executing an entire workflow instance.
type RunResult struct {
	State   graph.State // SUCCEEDED or FAILED
	Results map[*graph.Step]Result
}

// Executor runs workflows in-process with a bounded worker pool.
type Executor struct {
	poolSize int
	log      logging.Logger
	sink     tracing.Sink
}

// Option configures an Executor.
type Option func(*Executor)

// WithPoolSize overrides the default concurrency of 4.
func WithPoolSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.poolSize = n
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithTracingSink overrides the default no-op tracing sink.
func WithTracingSink(s tracing.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// New constructs an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		poolSize: 4,
		log:      logging.NewNop(),
		sink:     tracing.NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// orGroupKey identifies one OR-group on one successor step, so
// advanceSuccessors can record that it has already been "won" and
// decrement that successor's indegree only once for the group.
type orGroupKey struct {
	successor *graph.Step
	param     string
}

// readiness tracks per-run scheduling state: remaining indegree (with
// OR-groups collapsed to 1), which OR-groups have already been won,
// and each step's recorded state/result.
type readiness struct {
	indegree    map[*graph.Step]int
	orWon       map[orGroupKey]bool
	results     map[*graph.Step]any
	states      map[*graph.Step]graph.State
}

// Run executes wf to completion, seeding plain parameters from params.
// workflowID/instanceID are used only for tracing event labeling.
func (e *Executor) Run(ctx context.Context, wf *graph.Workflow, params map[string]any, workflowID, instanceID string) (*RunResult, error) {
	steps := wf.Steps()
	rd := &readiness{
		indegree: map[*graph.Step]int{},
		orWon:    map[orGroupKey]bool{},
		results:  map[*graph.Step]any{},
		states:   map[*graph.Step]graph.State{},
	}
	for _, s := range steps {
		rd.indegree[s] = collapsedIndegree(s)
		rd.states[s] = graph.StatePending
	}

	e.sink.Record(tracing.Event{Event: tracing.WorkflowStarted, WorkflowID: workflowID, WorkflowInstanceID: instanceID})

	ready := readySteps(steps, rd)
	failed := false

	for len(ready) > 0 && !failed {
		batch := lowestGroupBatch(ready)
		if len(batch) > e.poolSize {
			e.log.Warn("execution batch exceeds worker pool, running sequentially",
				logging.NewField("batch_size", len(batch)), logging.NewField("pool_size", e.poolSize))
		}

		batchResults, err := e.runBatch(ctx, batch, rd, params, workflowID, instanceID)
		if err != nil {
			return nil, err
		}
		for s, res := range batchResults {
			rd.results[s] = res.Value
			rd.states[s] = res.State
			if res.State == graph.StateFailed {
				failed = true
			}
		}
		for s := range batchResults {
			advanceSuccessors(s, rd)
		}

		ready = readySteps(steps, rd)
	}

	if failed {
		for _, s := range steps {
			if rd.states[s] == graph.StatePending || rd.states[s] == graph.StateRunning {
				rd.states[s] = graph.StateCancelled
			}
		}
	}

	out := &RunResult{Results: map[*graph.Step]Result{}}
	for _, s := range steps {
		out.Results[s] = Result{State: rd.states[s], Value: rd.results[s]}
	}
	if failed {
		out.State = graph.StateFailed
	} else {
		out.State = graph.StateSucceeded
	}

	e.sink.Record(tracing.Event{Event: tracing.WorkflowFinished, WorkflowID: workflowID, WorkflowInstanceID: instanceID})
	return out, nil
}

// collapsedIndegree counts each predecessor once, except that every
// OR-group contributes exactly 1 regardless of its member count.
func collapsedIndegree(s *graph.Step) int {
	orMembers := s.OrGroupMembers()
	n := 0
	for _, p := range s.Predecessors() {
		if orMembers[p] {
			continue
		}
		n++
	}
	n += len(s.OrGroups())
	return n
}

func readySteps(steps []*graph.Step, rd *readiness) []*graph.Step {
	var out []*graph.Step
	for _, s := range steps {
		if rd.states[s] == graph.StatePending && rd.indegree[s] == 0 {
			out = append(out, s)
		}
	}
	return out
}

func lowestGroupBatch(ready []*graph.Step) []*graph.Step {
	min := ready[0].ExecutionGroup()
	for _, s := range ready {
		if s.ExecutionGroup() < min {
			min = s.ExecutionGroup()
		}
	}
	var batch []*graph.Step
	for _, s := range ready {
		if s.ExecutionGroup() == min {
			batch = append(batch, s)
		}
	}
	return batch
}

func (e *Executor) runBatch(ctx context.Context, batch []*graph.Step, rd *readiness, params map[string]any, workflowID, instanceID string) (map[*graph.Step]Result, error) {
	out := make(map[*graph.Step]Result, len(batch))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	limit := e.poolSize
	if len(batch) > e.poolSize {
		limit = 1 // batch exceeds the pool: fall back to sequential
	}
	g.SetLimit(limit)

	for _, step := range batch {
		step := step
		g.Go(func() error {
			res := e.runStep(gctx, step, rd, params, workflowID, instanceID)
			mu.Lock()
			out[step] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) runStep(ctx context.Context, step *graph.Step, rd *readiness, params map[string]any, workflowID, instanceID string) Result {
	rd.states[step] = graph.StateRunning
	e.sink.Record(tracing.Event{Event: tracing.StepStarted, Step: step.Name, WorkflowID: workflowID, WorkflowInstanceID: instanceID})

	args, skipped := step.ResolveArgs(graph.ResolveContext{
		Results: rd.results,
		Plain:   params,
		OnCondition: func(dependency string, value any, passed bool) {
			p := passed
			e.sink.Record(tracing.Event{
				Event: tracing.ConditionCheck, Step: step.Name,
				WorkflowID: workflowID, WorkflowInstanceID: instanceID,
				Dependency: dependency, Passed: &p,
			})
		},
	})
	if skipped {
		e.sink.Record(tracing.Event{Event: tracing.StepFinished, Step: step.Name, WorkflowID: workflowID, WorkflowInstanceID: instanceID, Skipped: true})
		return Result{State: graph.StateSkipped}
	}

	info := policy.StepInfo{Name: step.Name}
	value, outcome, err := policy.Run(ctx, step.Policies(), info, func(ctx context.Context) (any, error) {
		return step.Invoke(ctx, args)
	})
	switch outcome {
	case policy.OutcomeSucceeded:
		e.sink.Record(tracing.Event{Event: tracing.StepFinished, Step: step.Name, WorkflowID: workflowID, WorkflowInstanceID: instanceID, Result: value})
		return Result{State: graph.StateSucceeded, Value: value}
	case policy.OutcomeSkipped:
		e.sink.Record(tracing.Event{Event: tracing.StepFinished, Step: step.Name, WorkflowID: workflowID, WorkflowInstanceID: instanceID, Skipped: true})
		return Result{State: graph.StateSkipped}
	default:
		e.sink.Record(tracing.Event{Event: tracing.StepFailed, Step: step.Name, WorkflowID: workflowID, WorkflowInstanceID: instanceID, Error: err.Error()})
		return Result{State: graph.StateFailed, Err: err}
	}
}

// advanceSuccessors decrements indegree for every successor selected
// by s's recorded outcome. A successor reached through one of its
// OR-group parameters has that group's indegree contribution
// decremented only once: the first member to finish wins the group.
func advanceSuccessors(s *graph.Step, rd *readiness) {
	state := rd.states[s]
	if state != graph.StateSucceeded && state != graph.StateSkipped {
		return
	}

	action := graph.DefaultAction
	if str, ok := rd.results[s].(string); ok {
		if _, hasAction := s.SuccessorActions()[str]; hasAction {
			action = str
		}
	}

	for _, succ := range s.Successors(action) {
		if param, ok := orGroupParamFor(succ, s); ok {
			key := orGroupKey{successor: succ, param: param}
			if rd.orWon[key] {
				continue
			}
			rd.orWon[key] = true
		}
		rd.indegree[succ]--
	}
}

// orGroupParamFor reports the OR-group parameter name on succ that
// pred belongs to, if any.
func orGroupParamFor(succ, pred *graph.Step) (string, bool) {
	for param, group := range succ.OrGroups() {
		for _, p := range group {
			if p == pred {
				return param, true
			}
		}
	}
	return "", false
}
