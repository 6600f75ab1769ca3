// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package schema is the wire contract between workers and the broker:
// a WorkflowSchema carries no executable code, only the step graph's
// shape and the {name, config} pairs identifying attached policies.
// Schema equality gates worker registration (workers sharing a
// workflow_id+version must agree on shape).
package schema

import (
	"reflect"
	"sort"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/policy"
)

// PolicyRef is the serializable {name, config} identity of an attached
// policy.
type PolicyRef struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// StepSchema is the wire form of one graph.Step.
type StepSchema struct {
	Name         string              `json:"name" yaml:"name"`
	Successors   map[string][]string `json:"successors,omitempty" yaml:"successors,omitempty"`
	Predecessors []string            `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	OrGroups     map[string][]string `json:"or_groups,omitempty" yaml:"or_groups,omitempty"`
	Policies     []PolicyRef         `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// WorkflowSchema is the wire form of one graph.Workflow.
type WorkflowSchema struct {
	WorkflowID string                `json:"workflow_id" yaml:"workflow_id"`
	Version    string                `json:"version" yaml:"version"`
	Steps      map[string]StepSchema `json:"steps" yaml:"steps"`
	Outputs    []string              `json:"outputs" yaml:"outputs"`
	Policies   []PolicyRef           `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// FromWorkflow derives a WorkflowSchema from a constructed graph.Workflow
// (R1: schema(W) plus the local name→Step map is sufficient to
// reconstruct a functionally equivalent Workflow).
func FromWorkflow(w *graph.Workflow) WorkflowSchema {
	steps := make(map[string]StepSchema, len(w.Steps()))
	for _, s := range w.Steps() {
		steps[s.Name] = stepSchemaOf(s)
	}

	outputs := make([]string, 0, len(w.Outputs()))
	for _, s := range w.Outputs() {
		outputs = append(outputs, s.Name)
	}

	return WorkflowSchema{
		WorkflowID: w.ID,
		Version:    w.Version,
		Steps:      steps,
		Outputs:    outputs,
		Policies:   workflowPolicyRefs(w.Policies()),
	}
}

func workflowPolicyRefs(policies []policy.WorkflowPolicy) []PolicyRef {
	if len(policies) == 0 {
		return nil
	}
	refs := make([]PolicyRef, 0, len(policies))
	for _, p := range policies {
		refs = append(refs, PolicyRef{Name: p.Name(), Config: p.Config()})
	}
	return refs
}

func stepPolicyRefs(policies []policy.StepPolicy) []PolicyRef {
	if len(policies) == 0 {
		return nil
	}
	refs := make([]PolicyRef, 0, len(policies))
	for _, p := range policies {
		refs = append(refs, PolicyRef{Name: p.Name(), Config: p.Config()})
	}
	return refs
}

func stepSchemaOf(s *graph.Step) StepSchema {
	successors := map[string][]string{}
	for action, targets := range s.SuccessorActions() {
		names := make([]string, 0, len(targets))
		for _, t := range targets {
			names = append(names, t.Name)
		}
		successors[action] = names
	}

	preds := make([]string, 0)
	for _, p := range s.Predecessors() {
		preds = append(preds, p.Name)
	}

	orGroups := map[string][]string{}
	for param, producers := range s.OrGroups() {
		names := make([]string, 0, len(producers))
		for _, p := range producers {
			names = append(names, p.Name)
		}
		orGroups[param] = names
	}

	return StepSchema{
		Name:         s.Name,
		Successors:   successors,
		Predecessors: preds,
		OrGroups:     orGroups,
		Policies:     stepPolicyRefs(s.Policies()),
	}
}

// Equal reports whether two schemas describe the same graph shape,
// independent of map ordering and of the order of name lists; policy
// lists are compared in order. Two schemas sharing (workflow_id,
// version) must be Equal for worker registration to succeed.
func (s WorkflowSchema) Equal(other WorkflowSchema) bool {
	if s.WorkflowID != other.WorkflowID || s.Version != other.Version {
		return false
	}
	if !sameStringSet(s.Outputs, other.Outputs) {
		return false
	}
	if !samePolicyRefs(s.Policies, other.Policies) {
		return false
	}
	if len(s.Steps) != len(other.Steps) {
		return false
	}
	for name, step := range s.Steps {
		otherStep, ok := other.Steps[name]
		if !ok || !step.equal(otherStep) {
			return false
		}
	}
	return true
}

func (s StepSchema) equal(other StepSchema) bool {
	if s.Name != other.Name {
		return false
	}
	if !sameStringSet(s.Predecessors, other.Predecessors) {
		return false
	}
	if !samePolicyRefs(s.Policies, other.Policies) {
		return false
	}
	if len(s.Successors) != len(other.Successors) {
		return false
	}
	for action, names := range s.Successors {
		otherNames, ok := other.Successors[action]
		if !ok || !sameStringSet(names, otherNames) {
			return false
		}
	}
	if len(s.OrGroups) != len(other.OrGroups) {
		return false
	}
	for param, names := range s.OrGroups {
		otherNames, ok := other.OrGroups[param]
		if !ok || !sameStringSet(names, otherNames) {
			return false
		}
	}
	return true
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	return reflect.DeepEqual(sa, sb)
}

func samePolicyRefs(a, b []PolicyRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !reflect.DeepEqual(a[i].Config, b[i].Config) {
			return false
		}
	}
	return true
}
