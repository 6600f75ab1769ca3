package graph

import (
	"github.com/jsam/fuseline/pkg/ferrors"
	"github.com/jsam/fuseline/pkg/policy"
)

// Workflow is a rooted DAG of Steps: a stable logical identity
// (workflow_id, version), declared outputs, and workflow-level
// policies.
type Workflow struct {
	ID      string
	Version string

	outputs  []*Step
	steps    []*Step // full closure, stable declaration order
	roots    []*Step
	policies []policy.WorkflowPolicy
}

// WorkflowOption configures a Workflow at construction time.
type WorkflowOption func(*Workflow)

// WithWorkflowPolicy attaches an ordered WorkflowPolicy.
func WithWorkflowPolicy(p policy.WorkflowPolicy) WorkflowOption {
	return func(w *Workflow) { w.policies = append(w.policies, p) }
}

// New builds a Workflow from its declared outputs: walks predecessor
// edges to collect the full step closure (I1, I2), validates there is
// no cycle and every name is unique, and assigns each step's
// execution_group via a longest-predecessor-path pass.
func New(id, version string, outputs []*Step, opts ...WorkflowOption) (*Workflow, error) {
	if len(outputs) == 0 {
		return nil, ferrors.New(ferrors.KindConstruction, "workflow must declare at least one output step")
	}

	w := &Workflow{ID: id, Version: version, outputs: outputs}
	for _, opt := range opts {
		opt(w)
	}

	steps, err := collectClosure(outputs)
	if err != nil {
		return nil, err
	}
	w.steps = steps

	if err := validateUniqueNames(steps); err != nil {
		return nil, err
	}

	w.roots = findRoots(steps)
	assignExecutionGroups(steps)

	return w, nil
}

// Steps returns the full step closure in stable declaration order.
func (w *Workflow) Steps() []*Step {
	return append([]*Step(nil), w.steps...)
}

// Outputs returns the workflow's declared output steps.
func (w *Workflow) Outputs() []*Step {
	return append([]*Step(nil), w.outputs...)
}

// Roots returns steps with no predecessors.
func (w *Workflow) Roots() []*Step {
	return append([]*Step(nil), w.roots...)
}

// Policies returns the workflow-level policies in attachment order.
func (w *Workflow) Policies() []policy.WorkflowPolicy {
	return append([]policy.WorkflowPolicy(nil), w.policies...)
}

// StepByName returns the step with the given name, or nil.
func (w *Workflow) StepByName(name string) *Step {
	for _, s := range w.steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// collectClosure walks predecessor edges from outputs, detecting
// cycles (I1), and returns every reachable step.
func collectClosure(outputs []*Step) ([]*Step, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[*Step]int{}
	var order []*Step

	var walk func(s *Step) error
	walk = func(s *Step) error {
		switch state[s] {
		case done:
			return nil
		case visiting:
			return ferrors.New(ferrors.KindConstruction, "cycle detected at step "+s.Name)
		}
		state[s] = visiting
		for _, pred := range s.predOrder {
			if err := walk(pred); err != nil {
				return err
			}
		}
		state[s] = done
		order = append(order, s)
		return nil
	}

	for _, out := range outputs {
		if err := walk(out); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// validateUniqueNames enforces I2: names are unique within the
// workflow.
func validateUniqueNames(steps []*Step) error {
	seen := map[string]bool{}
	for _, s := range steps {
		if seen[s.Name] {
			return ferrors.New(ferrors.KindConstruction, "duplicate step name: "+s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func findRoots(steps []*Step) []*Step {
	var roots []*Step
	for _, s := range steps {
		if len(s.predOrder) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

// assignExecutionGroups computes each step's longest-predecessor-path
// rank via a Kahn-style pass over all predecessor edges, including
// typed dependencies (already folded into predOrder).
func assignExecutionGroups(steps []*Step) {
	indegree := map[*Step]int{}
	for _, s := range steps {
		indegree[s] = len(s.predOrder)
	}

	var ready []*Step
	for _, s := range steps {
		if indegree[s] == 0 {
			ready = append(ready, s)
		}
	}

	group := 0
	for len(ready) > 0 {
		var next []*Step
		for _, s := range ready {
			s.executionGroup = group
			for _, succs := range s.successors {
				for _, succ := range succs {
					indegree[succ]--
					if indegree[succ] == 0 {
						next = append(next, succ)
					}
				}
			}
		}
		ready = next
		group++
	}
}
