// Package policy implements the pluggable hook framework that wraps or
// observes step and workflow execution: StepPolicy wraps individual step
// invocations (retry, timeout), WorkflowPolicy observes lifecycle events
// without wrapping execution.
package policy

import (
	"context"
	"time"
)

// StepInfo is the minimal view of a step a policy needs: its stable
// name, used for logging and serialization round-trips.
type StepInfo struct {
	Name string
}

// Call is a step invocation, already bound to its arguments. Policies
// wrap Call to add retry, timeout, or other cross-cutting behavior.
type Call func(ctx context.Context) (any, error)

// FailureAction is the decision a StepPolicy returns from on_failure.
type FailureAction int

const (
	// ActionNone means the policy has no opinion; the next policy in
	// the chain (or the caller, if none) decides.
	ActionNone FailureAction = iota
	// ActionRetry means the call should be retried after Delay.
	ActionRetry
	// ActionFail means the call should be treated as a terminal
	// failure.
	ActionFail
	// ActionSkip means the step should transition to SKIPPED rather
	// than FAILED.
	ActionSkip
)

// FailureDecision is returned by StepPolicy.OnFailure.
type FailureDecision struct {
	Action FailureAction
	Delay  float64 // seconds
}

// Policy is the common, serializable identity shared by every policy:
// a stable registry name plus a config map round-trip.
type Policy interface {
	// Name returns the stable registry name used in {name, config}
	// pairs on the wire.
	Name() string
	// Config returns the serializable configuration for this policy
	// instance.
	Config() map[string]any
}

// StepPolicy wraps a step invocation and observes its outcome.
type StepPolicy interface {
	Policy
	// Execute wraps call, synchronously. Implementations that need no
	// wrapping simply invoke call and return its result.
	Execute(ctx context.Context, step StepInfo, call Call) (any, error)
	// OnStart is invoked before the first attempt.
	OnStart(step StepInfo)
	// OnSuccess is invoked after a successful attempt.
	OnSuccess(step StepInfo, result any)
	// OnFailure is consulted after each failed attempt, in policy-chain
	// order; the first non-ActionNone decision wins.
	OnFailure(step StepInfo, err error, attempt int) FailureDecision
}

// WorkflowPolicy observes workflow- and step-lifecycle events without
// wrapping execution.
type WorkflowPolicy interface {
	Policy
	OnWorkflowStart(workflowID string)
	OnWorkflowFinished(workflowID string, result any)
	OnStepStart(workflowID string, step StepInfo)
	OnStepSuccess(workflowID string, step StepInfo, result any)
	OnStepFailure(workflowID string, step StepInfo, err error)
}

// BaseStepPolicy gives StepPolicy implementations no-op lifecycle hooks
// so concrete policies only need to override what they care about.
type BaseStepPolicy struct{}

func (BaseStepPolicy) OnStart(StepInfo)                                        {}
func (BaseStepPolicy) OnSuccess(StepInfo, any)                                  {}
func (BaseStepPolicy) OnFailure(StepInfo, error, int) FailureDecision           { return FailureDecision{} }
func (BaseStepPolicy) Execute(ctx context.Context, _ StepInfo, call Call) (any, error) {
	return call(ctx)
}

// BaseWorkflowPolicy gives WorkflowPolicy implementations no-op hooks.
type BaseWorkflowPolicy struct{}

func (BaseWorkflowPolicy) OnWorkflowStart(string)                  {}
func (BaseWorkflowPolicy) OnWorkflowFinished(string, any)           {}
func (BaseWorkflowPolicy) OnStepStart(string, StepInfo)             {}
func (BaseWorkflowPolicy) OnStepSuccess(string, StepInfo, any)      {}
func (BaseWorkflowPolicy) OnStepFailure(string, StepInfo, error)    {}

// Chain composes StepPolicy executions: given [P1, P2], the call chain
// is P1.Execute(P2.Execute(inner)).
func Chain(policies []StepPolicy, step StepInfo, inner Call) Call {
	wrapped := inner
	for i := len(policies) - 1; i >= 0; i-- {
		pol := policies[i]
		prev := wrapped
		wrapped = func(ctx context.Context) (any, error) {
			return pol.Execute(ctx, step, prev)
		}
	}
	return wrapped
}

// ConsultFailure walks policies in order and returns the first
// non-ActionNone decision, matching the broker's "first producer to
// complete" style of deterministic precedence.
func ConsultFailure(policies []StepPolicy, step StepInfo, err error, attempt int) FailureDecision {
	for _, pol := range policies {
		d := pol.OnFailure(step, err, attempt)
		if d.Action != ActionNone {
			return d
		}
	}
	return FailureDecision{Action: ActionFail}
}

// Outcome classifies how Run resolved one invocation.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// Run drives inner through the policy chain, retrying on failure per
// each attempt's ConsultFailure decision: the whole chain re-executes
// on RETRY (attempt is incremented and OnFailure consulted again),
// SKIP resolves to a nil result without raising, and FAIL (or a
// context cancellation while waiting out a retry delay) returns the
// triggering error.
func Run(ctx context.Context, policies []StepPolicy, step StepInfo, inner Call) (any, Outcome, error) {
	for _, pol := range policies {
		pol.OnStart(step)
	}

	attempt := 0
	for {
		result, err := Chain(policies, step, inner)(ctx)
		if err == nil {
			for _, pol := range policies {
				pol.OnSuccess(step, result)
			}
			return result, OutcomeSucceeded, nil
		}

		decision := ConsultFailure(policies, step, err, attempt)
		switch decision.Action {
		case ActionRetry:
			if decision.Delay > 0 {
				timer := time.NewTimer(time.Duration(decision.Delay * float64(time.Second)))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, OutcomeFailed, ctx.Err()
				}
			}
			attempt++
		case ActionSkip:
			return nil, OutcomeSkipped, nil
		default:
			return nil, OutcomeFailed, err
		}
	}
}
