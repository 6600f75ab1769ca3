// Package graph implements the DAG model: steps, typed dependencies
// (including OR-groups), action-labeled successor edges, and
// execution-group assignment.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jsam/fuseline/pkg/policy"
)

// DefaultAction is the successor-edge label used when a step's
// returned value is not a string, or does not match any declared
// action.
const DefaultAction = "default"

// State is a step's runtime status within one instance.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ParseState parses one of the six wire-form state strings, defaulting
// to StatePending for an unrecognized value.
func ParseState(s string) State {
	switch s {
	case "PENDING":
		return StatePending
	case "RUNNING":
		return StateRunning
	case "SUCCEEDED":
		return StateSucceeded
	case "FAILED":
		return StateFailed
	case "CANCELLED":
		return StateCancelled
	case "SKIPPED":
		return StateSkipped
	default:
		return StatePending
	}
}

// MarshalJSON renders s as its wire-form string, for StepReport and
// StepAssignment bodies on the HTTP broker API.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses s from its wire-form string.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseState(str)
	return nil
}

// Finished reports whether s is a terminal, successful-for-scheduling
// state (SUCCEEDED or SKIPPED) — the set readiness evaluation treats
// as satisfying a dependency.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateSkipped
}

// Terminal reports whether s will never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	default:
		return false
	}
}

// Condition is consulted on a dependency's produced value (and, for
// OR-groups, the triggering source step) before a step runs. A false
// result skips the step.
type Condition func(value any, source *Step) bool

// paramKind distinguishes the three ways a Step parameter is bound.
type paramKind int

const (
	paramPlain paramKind = iota
	paramDep
	paramOrDep
)

type paramSpec struct {
	kind      paramKind
	name      string
	producer  *Step   // paramDep
	producers []*Step // paramOrDep
	condition Condition
}

// RunFunc is the user-supplied function body of a function-wrapping
// step. args holds the resolved dependency values (keyed by parameter
// name) plus any plain workflow-input parameters the step declared.
type RunFunc func(ctx context.Context, args map[string]any) (any, error)

// BatchRunFunc is the per-item body of a batch step: it is invoked
// once for every element of the slice-valued dependency or plain
// parameter named by Step.BatchParam.
type BatchRunFunc func(ctx context.Context, item any, args map[string]any) (any, error)

// Kind distinguishes the step execution variants named in the design
// notes: function-wrapping and batch (iterates item-wise).
type Kind int

const (
	KindFunction Kind = iota
	KindBatch
)

// Step is a single unit of work in a workflow DAG.
type Step struct {
	Name string

	kind     Kind
	run      RunFunc
	batchRun BatchRunFunc
	batchOn  string // parameter name holding the slice to iterate, for KindBatch

	paramSpecs []paramSpec
	policies   []policy.StepPolicy

	predOrder []*Step
	predSet   map[*Step]bool
	successors map[string][]*Step

	// orGroups maps a parameter name to its declared producer list, for
	// schema export and readiness evaluation.
	orGroups map[string][]*Step

	executionGroup int
}

// NewStep declares a function-wrapping step.
func NewStep(name string, run RunFunc, opts ...StepOption) *Step {
	s := &Step{
		Name:       name,
		kind:       KindFunction,
		run:        run,
		predSet:    map[*Step]bool{},
		successors: map[string][]*Step{},
		orGroups:   map[string][]*Step{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBatchStep declares a batch step: batchRun is invoked once per
// element of the slice bound to batchOverParam.
func NewBatchStep(name string, batchOverParam string, batchRun BatchRunFunc, opts ...StepOption) *Step {
	s := &Step{
		Name:       name,
		kind:       KindBatch,
		batchRun:   batchRun,
		batchOn:    batchOverParam,
		predSet:    map[*Step]bool{},
		successors: map[string][]*Step{},
		orGroups:   map[string][]*Step{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StepOption configures a Step at construction time.
type StepOption func(*Step)

// WithPolicy attaches an ordered StepPolicy.
func WithPolicy(p policy.StepPolicy) StepOption {
	return func(s *Step) { s.policies = append(s.policies, p) }
}

// WithPlainParam declares that the step consumes paramName from the
// workflow's input map rather than from a predecessor's result.
func WithPlainParam(paramName string) StepOption {
	return func(s *Step) {
		s.paramSpecs = append(s.paramSpecs, paramSpec{kind: paramPlain, name: paramName})
	}
}

// WithDep declares a typed dependency: paramName is satisfied by
// producer's result. It also registers producer as a predecessor of s
// and adds a DefaultAction successor edge from producer to s.
func WithDep(paramName string, producer *Step, cond ...Condition) StepOption {
	return func(s *Step) {
		spec := paramSpec{kind: paramDep, name: paramName, producer: producer}
		if len(cond) > 0 {
			spec.condition = cond[0]
		}
		s.paramSpecs = append(s.paramSpecs, spec)
		producer.Next(DefaultAction, s)
	}
}

// WithOrDep declares an OR-group dependency: paramName is satisfied by
// the first of producers to finish. Each producer becomes a
// predecessor of s via a DefaultAction edge.
func WithOrDep(paramName string, producers []*Step, cond ...Condition) StepOption {
	return func(s *Step) {
		spec := paramSpec{kind: paramOrDep, name: paramName, producers: append([]*Step(nil), producers...)}
		if len(cond) > 0 {
			spec.condition = cond[0]
		}
		s.paramSpecs = append(s.paramSpecs, spec)
		s.orGroups[paramName] = spec.producers
		for _, p := range producers {
			p.Next(DefaultAction, s)
		}
	}
}

// Next adds a successor edge from s to target labeled action, and
// registers s as a predecessor of target. It returns target so edges
// can be chained.
func (s *Step) Next(action string, target *Step) *Step {
	if action == "" {
		action = DefaultAction
	}
	s.successors[action] = append(s.successors[action], target)
	if !target.predSet[s] {
		target.predSet[s] = true
		target.predOrder = append(target.predOrder, s)
	}
	return target
}

// Predecessors returns s's predecessors in declaration order.
func (s *Step) Predecessors() []*Step {
	return append([]*Step(nil), s.predOrder...)
}

// Successors returns the ordered successor list for action, or nil.
func (s *Step) Successors(action string) []*Step {
	return s.successors[action]
}

// SuccessorActions returns the set of declared action labels, for
// schema export.
func (s *Step) SuccessorActions() map[string][]*Step {
	return s.successors
}

// OrGroups returns the declared OR-group producer lists, keyed by
// parameter name.
func (s *Step) OrGroups() map[string][]*Step {
	return s.orGroups
}

// OrGroupMembers returns the union of every OR-group's producers,
// used to exclude them from the plain-predecessor half of the
// readiness predicate.
func (s *Step) OrGroupMembers() map[*Step]bool {
	members := map[*Step]bool{}
	for _, group := range s.orGroups {
		for _, p := range group {
			members[p] = true
		}
	}
	return members
}

// Policies returns the step's attached policies in attachment order.
func (s *Step) Policies() []policy.StepPolicy {
	return append([]policy.StepPolicy(nil), s.policies...)
}

// ExecutionGroup returns the longest-predecessor-path rank assigned at
// workflow construction.
func (s *Step) ExecutionGroup() int {
	return s.executionGroup
}

// Kind reports whether this is a function or batch step.
func (s *Step) Kind() Kind { return s.kind }

// BatchParam returns the parameter name a batch step iterates over.
func (s *Step) BatchParam() string { return s.batchOn }

// Invoke runs the step's underlying function. A batch step iterates
// batchRun once per element of the slice bound to BatchParam and
// collects the per-item results in order, so the whole batch shares
// one policy-wrapped call like a plain function step.
func (s *Step) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if s.kind == KindBatch {
		return s.invokeBatch(ctx, args)
	}
	return s.run(ctx, args)
}

func (s *Step) invokeBatch(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := args[s.batchOn]
	if !ok {
		return nil, fmt.Errorf("batch step %s: parameter %q not present in resolved args", s.Name, s.batchOn)
	}
	items, err := toSlice(raw)
	if err != nil {
		return nil, fmt.Errorf("batch step %s: %w", s.Name, err)
	}

	results := make([]any, len(items))
	for i, item := range items {
		v, err := s.batchRun(ctx, item, args)
		if err != nil {
			return nil, fmt.Errorf("batch step %s: item %d: %w", s.Name, i, err)
		}
		results[i] = v
	}
	return results, nil
}

// toSlice reflects over v so batch steps can iterate over both []any
// and a concretely typed slice (e.g. []string) bound to BatchParam.
func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a slice, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
