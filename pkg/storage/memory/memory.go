// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package memory implements storage.RuntimeStorage with in-process
// maps and a per-instance FIFO, for tests, examples, and single-process
// deployments.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/storage"
)

type assignment struct {
	workerID  string
	expiresAt time.Time
}

type instanceData struct {
	queue      *list.List
	queued     map[string]bool
	states     map[string]graph.State
	results    map[string]any
	inputs     map[string]any
	assigns    map[string]assignment
	finished   bool
}

func newInstanceData() *instanceData {
	return &instanceData{
		queue:   list.New(),
		queued:  map[string]bool{},
		states:  map[string]graph.State{},
		results: map[string]any{},
		inputs:  map[string]any{},
		assigns: map[string]assignment{},
	}
}

// Storage is an in-memory storage.RuntimeStorage. The zero value is not
// usable; construct with New.
type Storage struct {
	mu        sync.Mutex
	instances map[storage.RunKey]*instanceData
}

// New returns an empty in-memory store.
func New() *Storage {
	return &Storage{instances: map[storage.RunKey]*instanceData{}}
}

func (s *Storage) get(key storage.RunKey) *instanceData {
	inst, ok := s.instances[key]
	if !ok {
		inst = newInstanceData()
		s.instances[key] = inst
	}
	return inst
}

func (s *Storage) CreateRun(_ context.Context, key storage.RunKey, stepNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := newInstanceData()
	for _, name := range stepNames {
		inst.states[name] = graph.StatePending
	}
	s.instances[key] = inst
	return nil
}

func (s *Storage) Enqueue(_ context.Context, key storage.RunKey, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.get(key)
	if inst.queued[name] {
		return nil
	}
	inst.queued[name] = true
	inst.queue.PushBack(name)
	return nil
}

func (s *Storage) FetchNext(_ context.Context, key storage.RunKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.get(key)
	front := inst.queue.Front()
	if front == nil {
		return "", false, nil
	}
	inst.queue.Remove(front)
	name := front.Value.(string)
	delete(inst.queued, name)
	return name, true, nil
}

func (s *Storage) AssignStep(_ context.Context, key storage.RunKey, name, workerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(key).assigns[name] = assignment{workerID: workerID, expiresAt: expiresAt}
	return nil
}

func (s *Storage) ClearAssignment(_ context.Context, key storage.RunKey, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.get(key).assigns, name)
	return nil
}

func (s *Storage) GetAssignment(_ context.Context, key storage.RunKey, name string) (string, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.get(key).assigns[name]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return a.workerID, a.expiresAt, true, nil
}

func (s *Storage) SetState(_ context.Context, key storage.RunKey, name string, state graph.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(key).states[name] = state
	return nil
}

func (s *Storage) GetState(_ context.Context, key storage.RunKey, name string) (graph.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.get(key).states[name]
	return st, ok, nil
}

func (s *Storage) SetResult(_ context.Context, key storage.RunKey, name string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(key).results[name] = result
	return nil
}

func (s *Storage) GetResult(_ context.Context, key storage.RunKey, name string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.get(key).results[name]
	return r, ok, nil
}

func (s *Storage) SetInputs(_ context.Context, key storage.RunKey, inputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]any, len(inputs))
	for k, v := range inputs {
		cp[k] = v
	}
	s.get(key).inputs = cp
	return nil
}

func (s *Storage) GetInputs(_ context.Context, key storage.RunKey) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputs := s.get(key).inputs
	cp := make(map[string]any, len(inputs))
	for k, v := range inputs {
		cp[k] = v
	}
	return cp, nil
}

func (s *Storage) AllStates(_ context.Context, key storage.RunKey) (map[string]graph.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := s.get(key).states
	cp := make(map[string]graph.State, len(states))
	for k, v := range states {
		cp[k] = v
	}
	return cp, nil
}

func (s *Storage) AllResults(_ context.Context, key storage.RunKey) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := s.get(key).results
	cp := make(map[string]any, len(results))
	for k, v := range results {
		cp[k] = v
	}
	return cp, nil
}

func (s *Storage) FinalizeRun(_ context.Context, key storage.RunKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.get(key)
	inst.finished = true
	inst.assigns = map[string]assignment{}
	return nil
}
