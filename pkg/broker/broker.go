// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package broker implements the central coordinator: it catalogues
// workflow schemas, tracks worker liveness, leases ready steps, and
// drives dependency resolution as reports come in. It holds no
// business logic of its own beyond scheduling — all durable state
// lives behind a storage.RuntimeStorage.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsam/fuseline/pkg/ferrors"
	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/schema"
	"github.com/jsam/fuseline/pkg/storage"
)

// defaultLeaseTTL is the assignment TTL used when a step carries no
// Timeout policy.
const defaultLeaseTTL = 60 * time.Second

// StepAssignment is returned by GetStep: the step to run plus the
// inputs it needs.
type StepAssignment struct {
	WorkflowID string    `json:"workflow_id"`
	InstanceID string    `json:"instance_id"`
	StepName   string    `json:"step_name"`
	Payload    Payload   `json:"payload"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Payload carries the plain workflow inputs and each finished
// predecessor's result, keyed by step name.
type Payload struct {
	WorkflowInputs map[string]any `json:"workflow_inputs"`
	Results        map[string]any `json:"results"`
}

// StepReport is what a worker sends back after attempting a step.
type StepReport struct {
	WorkflowID string      `json:"workflow_id"`
	InstanceID string      `json:"instance_id"`
	StepName   string      `json:"step_name"`
	State      graph.State `json:"state"`
	Result     any         `json:"result,omitempty"`
}

// RepositoryInfo is metadata for a workflow repository a worker can
// resolve locators against.
type RepositoryInfo struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Workflows   []string          `json:"workflows,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// LastTask records the most recent step a worker reported.
type LastTask struct {
	WorkflowID string `json:"workflow_id"`
	InstanceID string `json:"instance_id"`
	StepName   string `json:"step_name"`
	Success    bool   `json:"success"`
}

// WorkerInfo is metadata returned by ListWorkers.
type WorkerInfo struct {
	WorkerID    string    `json:"worker_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	LastTask    *LastTask `json:"last_task,omitempty"`
}

// WorkflowInfo pairs a registered workflow with its repository.
type WorkflowInfo struct {
	Repository string `json:"repository,omitempty"`
	Workflow   string `json:"workflow"`
}

type workerState struct {
	eligible    map[wfKey]bool
	connectedAt time.Time
	lastSeen    time.Time
	lastTask    *LastTask
}

type wfKey struct {
	workflowID string
	version    string
}

type instanceRef struct {
	workflowID string
	version    string
	instanceID string
}

// Broker coordinates workers and workflow instances over a
// storage.RuntimeStorage. Safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	store     storage.RuntimeStorage
	workerTTL time.Duration

	workers     map[string]*workerState
	schemas     map[wfKey]schema.WorkflowSchema
	instances   []instanceRef
	instanceVer map[string]string // instanceID -> version, keyed by workflowID+instanceID below
	repos       map[string]RepositoryInfo

	nextWorkerID uint64
}

// New constructs a Broker backed by store. Workers whose last_seen
// exceeds workerTTL are pruned by RegisterWorker, GetStep, KeepAlive and
// ListWorkers; the other methods do not prune.
func New(store storage.RuntimeStorage, workerTTL time.Duration) *Broker {
	if workerTTL <= 0 {
		workerTTL = 30 * time.Second
	}
	return &Broker{
		store:       store,
		workerTTL:   workerTTL,
		workers:     map[string]*workerState{},
		schemas:     map[wfKey]schema.WorkflowSchema{},
		instanceVer: map[string]string{},
		repos:       map[string]RepositoryInfo{},
	}
}

func instKey(workflowID, instanceID string) string { return workflowID + "\x00" + instanceID }

// pruneDead removes workers whose last_seen is older than workerTTL.
// Caller must hold mu.
func (b *Broker) pruneDead() {
	now := time.Now()
	for id, w := range b.workers {
		if now.Sub(w.lastSeen) > b.workerTTL {
			delete(b.workers, id)
		}
	}
}

// RegisterWorker generates a monotonic worker_id, validates each
// schema against the stored one for (workflow_id, version) — a
// mismatch is a hard error — and records eligibility.
func (b *Broker) RegisterWorker(schemas []schema.WorkflowSchema) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneDead()

	eligible := map[wfKey]bool{}
	for _, s := range schemas {
		key := wfKey{s.WorkflowID, s.Version}
		if existing, ok := b.schemas[key]; ok {
			if !existing.Equal(s) {
				return "", ferrors.New(ferrors.KindConstruction,
					fmt.Sprintf("workflow schema mismatch for %s@%s", s.WorkflowID, s.Version))
			}
		} else {
			b.schemas[key] = s
		}
		eligible[key] = true
	}

	b.nextWorkerID++
	workerID := fmt.Sprintf("%d", b.nextWorkerID)
	now := time.Now()
	b.workers[workerID] = &workerState{
		eligible:    eligible,
		connectedAt: now,
		lastSeen:    now,
	}
	return workerID, nil
}

// DispatchWorkflow registers wf's schema if unseen (rejecting a
// differing schema sharing its (workflow_id, version) as a hard
// error), allocates a fresh instance_id, and enqueues every
// predecessor-free step.
func (b *Broker) DispatchWorkflow(ctx context.Context, wf schema.WorkflowSchema, inputs map[string]any) (string, error) {
	b.mu.Lock()
	key := wfKey{wf.WorkflowID, wf.Version}
	if existing, ok := b.schemas[key]; ok {
		if !existing.Equal(wf) {
			b.mu.Unlock()
			return "", ferrors.New(ferrors.KindConstruction,
				fmt.Sprintf("workflow %s@%s already registered with a different schema", wf.WorkflowID, wf.Version))
		}
	} else {
		b.schemas[key] = wf
	}

	instanceID := uuid.NewString()
	b.instances = append(b.instances, instanceRef{workflowID: wf.WorkflowID, version: wf.Version, instanceID: instanceID})
	b.instanceVer[instKey(wf.WorkflowID, instanceID)] = wf.Version
	b.mu.Unlock()

	stepNames := make([]string, 0, len(wf.Steps))
	for name := range wf.Steps {
		stepNames = append(stepNames, name)
	}
	sort.Strings(stepNames)

	runKey := storage.RunKey{WorkflowID: wf.WorkflowID, InstanceID: instanceID}
	if err := b.store.CreateRun(ctx, runKey, stepNames); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := b.store.SetInputs(ctx, runKey, inputs); err != nil {
		return "", fmt.Errorf("setting inputs: %w", err)
	}

	for _, name := range stepNames {
		if len(wf.Steps[name].Predecessors) == 0 {
			if err := b.store.Enqueue(ctx, runKey, name); err != nil {
				return "", fmt.Errorf("enqueuing root step %s: %w", name, err)
			}
		}
	}
	return instanceID, nil
}

// leaseTTL returns the assignment TTL for a step: its Timeout policy's
// configured seconds if present, otherwise defaultLeaseTTL.
func leaseTTL(step schema.StepSchema) time.Duration {
	for _, p := range step.Policies {
		if p.Name != "timeout" {
			continue
		}
		if secs, ok := p.Config["seconds"]; ok {
			if f, ok := toFloat(secs); ok && f > 0 {
				return time.Duration(f * float64(time.Second))
			}
		}
	}
	return defaultLeaseTTL
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetStep prunes dead workers, refreshes the caller's last_seen, and
// walks the instances list in dispatch order looking for ready work in
// an instance the worker is eligible for. Tie-break: oldest instance
// first, first-queued step first (storage.FetchNext's FIFO order).
func (b *Broker) GetStep(ctx context.Context, workerID string) (*StepAssignment, error) {
	b.mu.Lock()
	b.pruneDead()
	w, ok := b.workers[workerID]
	if !ok {
		b.mu.Unlock()
		return nil, nil
	}
	w.lastSeen = time.Now()
	instances := append([]instanceRef(nil), b.instances...)
	b.mu.Unlock()

	for _, inst := range instances {
		b.mu.Lock()
		eligible := w.eligible[wfKey{inst.workflowID, inst.version}]
		wf, haveSchema := b.schemas[wfKey{inst.workflowID, inst.version}]
		b.mu.Unlock()
		if !eligible || !haveSchema {
			continue
		}

		runKey := storage.RunKey{WorkflowID: inst.workflowID, InstanceID: inst.instanceID}
		stepName, found, err := b.store.FetchNext(ctx, runKey)
		if err != nil {
			return nil, fmt.Errorf("fetching next step: %w", err)
		}
		if !found {
			continue
		}
		stepSchema, ok := wf.Steps[stepName]
		if !ok {
			continue
		}

		payload, err := b.buildPayload(ctx, runKey, stepSchema)
		if err != nil {
			return nil, err
		}

		assignedAt := time.Now()
		expiresAt := assignedAt.Add(leaseTTL(stepSchema))
		if err := b.store.AssignStep(ctx, runKey, stepName, workerID, expiresAt); err != nil {
			return nil, fmt.Errorf("assigning step: %w", err)
		}

		return &StepAssignment{
			WorkflowID: inst.workflowID,
			InstanceID: inst.instanceID,
			StepName:   stepName,
			Payload:    payload,
			AssignedAt: assignedAt,
			ExpiresAt:  expiresAt,
		}, nil
	}
	return nil, nil
}

func (b *Broker) buildPayload(ctx context.Context, key storage.RunKey, step schema.StepSchema) (Payload, error) {
	inputs, err := b.store.GetInputs(ctx, key)
	if err != nil {
		return Payload{}, fmt.Errorf("reading inputs: %w", err)
	}

	results := map[string]any{}
	for _, pred := range step.Predecessors {
		v, ok, err := b.store.GetResult(ctx, key, pred)
		if err != nil {
			return Payload{}, fmt.Errorf("reading result for %s: %w", pred, err)
		}
		if ok {
			results[pred] = v
		}
	}
	return Payload{WorkflowInputs: inputs, Results: results}, nil
}

// ready implements the §4.E readiness predicate: every OR-group has at
// least one finished member, every plain predecessor (excluding
// OR-group members) is finished, and the step's own state is PENDING.
func (b *Broker) ready(ctx context.Context, key storage.RunKey, step schema.StepSchema) (bool, error) {
	orMembers := map[string]bool{}
	for _, group := range step.OrGroups {
		for _, name := range group {
			orMembers[name] = true
		}
	}

	for _, group := range step.OrGroups {
		anyFinished := false
		for _, name := range group {
			if finished, err := b.stateFinished(ctx, key, name); err != nil {
				return false, err
			} else if finished {
				anyFinished = true
				break
			}
		}
		if !anyFinished {
			return false, nil
		}
	}

	for _, pred := range step.Predecessors {
		if orMembers[pred] {
			continue
		}
		finished, err := b.stateFinished(ctx, key, pred)
		if err != nil {
			return false, err
		}
		if !finished {
			return false, nil
		}
	}

	state, ok, err := b.store.GetState(ctx, key, step.Name)
	if err != nil {
		return false, err
	}
	return ok && state == graph.StatePending, nil
}

func (b *Broker) stateFinished(ctx context.Context, key storage.RunKey, name string) (bool, error) {
	state, ok, err := b.store.GetState(ctx, key, name)
	if err != nil || !ok {
		return false, err
	}
	return state.Finished(), nil
}

// ReportStep records a worker's outcome for one step. A report from a
// worker that no longer holds the assignment (stale lease, reassigned
// elsewhere) is a silent no-op (I5).
func (b *Broker) ReportStep(ctx context.Context, workerID string, report StepReport) error {
	runKey := storage.RunKey{WorkflowID: report.WorkflowID, InstanceID: report.InstanceID}

	assignedWorker, _, hasAssignment, err := b.store.GetAssignment(ctx, runKey, report.StepName)
	if err != nil {
		return fmt.Errorf("reading assignment: %w", err)
	}
	if hasAssignment && assignedWorker != workerID {
		return nil
	}

	if err := b.store.ClearAssignment(ctx, runKey, report.StepName); err != nil {
		return fmt.Errorf("clearing assignment: %w", err)
	}
	if err := b.store.SetState(ctx, runKey, report.StepName, report.State); err != nil {
		return fmt.Errorf("setting state: %w", err)
	}
	if err := b.store.SetResult(ctx, runKey, report.StepName, report.Result); err != nil {
		return fmt.Errorf("setting result: %w", err)
	}

	b.mu.Lock()
	version, haveVersion := b.instanceVer[instKey(report.WorkflowID, report.InstanceID)]
	b.mu.Unlock()
	if !haveVersion {
		return ferrors.New(ferrors.KindProtocol, "unknown workflow instance "+report.InstanceID)
	}
	b.mu.Lock()
	wf, haveSchema := b.schemas[wfKey{report.WorkflowID, version}]
	b.mu.Unlock()
	if !haveSchema {
		return ferrors.New(ferrors.KindProtocol, "unknown workflow "+report.WorkflowID)
	}
	step, ok := wf.Steps[report.StepName]
	if !ok {
		return ferrors.New(ferrors.KindProtocol, "unknown step "+report.StepName)
	}

	switch report.State {
	case graph.StateFailed:
		if err := b.cancelRemaining(ctx, runKey, wf); err != nil {
			return err
		}
		if err := b.store.FinalizeRun(ctx, runKey); err != nil {
			return fmt.Errorf("finalizing run: %w", err)
		}

	case graph.StateSucceeded, graph.StateSkipped:
		successors := successorNames(step, report.Result)
		for _, succName := range successors {
			succStep, ok := wf.Steps[succName]
			if !ok {
				continue // unknown successor: silently skipped per the edge case
			}
			ready, err := b.ready(ctx, runKey, succStep)
			if err != nil {
				return fmt.Errorf("evaluating readiness of %s: %w", succName, err)
			}
			if ready {
				if err := b.store.Enqueue(ctx, runKey, succName); err != nil {
					return fmt.Errorf("enqueuing %s: %w", succName, err)
				}
			}
		}
		if err := b.maybeFinalize(ctx, runKey, wf); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if w, ok := b.workers[workerID]; ok {
		w.lastSeen = time.Now()
		w.lastTask = &LastTask{
			WorkflowID: report.WorkflowID,
			InstanceID: report.InstanceID,
			StepName:   report.StepName,
			Success:    report.State == graph.StateSucceeded,
		}
	}
	b.mu.Unlock()
	return nil
}

// successorNames picks the successor list selected by result: if
// result is a string matching a declared action, that action's list;
// otherwise "default".
func successorNames(step schema.StepSchema, result any) []string {
	if action, ok := result.(string); ok {
		if names, ok := step.Successors[action]; ok {
			return names
		}
	}
	return step.Successors[graph.DefaultAction]
}

// maybeFinalize finalizes the run once its ready queue is empty and no
// step remains PENDING or RUNNING.
func (b *Broker) maybeFinalize(ctx context.Context, key storage.RunKey, wf schema.WorkflowSchema) error {
	states, err := b.store.AllStates(ctx, key)
	if err != nil {
		return fmt.Errorf("reading states: %w", err)
	}
	for _, st := range states {
		if st == graph.StatePending || st == graph.StateRunning {
			return nil
		}
	}
	return b.store.FinalizeRun(ctx, key)
}

// cancelRemaining marks every step still PENDING or RUNNING as
// CANCELLED, matching the local executor's FAILED→CANCELLED behavior.
func (b *Broker) cancelRemaining(ctx context.Context, key storage.RunKey, wf schema.WorkflowSchema) error {
	states, err := b.store.AllStates(ctx, key)
	if err != nil {
		return fmt.Errorf("reading states: %w", err)
	}
	for name, st := range states {
		if st == graph.StatePending || st == graph.StateRunning {
			if err := b.store.SetState(ctx, key, name, graph.StateCancelled); err != nil {
				return fmt.Errorf("cancelling %s: %w", name, err)
			}
		}
	}
	return nil
}

// KeepAlive refreshes a worker's last_seen and prunes dead peers.
func (b *Broker) KeepAlive(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workers[workerID]; ok {
		w.lastSeen = time.Now()
	}
	b.pruneDead()
}

// RegisterRepository stores metadata for a workflow repository.
func (b *Broker) RegisterRepository(repo RepositoryInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.repos[repo.Name] = repo
}

// GetRepository returns the named repository, or (_, false) if unknown.
func (b *Broker) GetRepository(name string) (RepositoryInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[name]
	return r, ok
}

// ListRepositories returns one page of repositories, sorted by name
// for deterministic output.
func (b *Broker) ListRepositories(page, pageSize int) []RepositoryInfo {
	b.mu.Lock()
	names := make([]string, 0, len(b.repos))
	for name := range b.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	all := make([]RepositoryInfo, 0, len(names))
	for _, name := range names {
		all = append(all, b.repos[name])
	}
	b.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// ListWorkers returns metadata for currently connected workers.
func (b *Broker) ListWorkers() []WorkerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneDead()

	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]WorkerInfo, 0, len(ids))
	for _, id := range ids {
		w := b.workers[id]
		out = append(out, WorkerInfo{
			WorkerID:    id,
			ConnectedAt: w.connectedAt,
			LastSeen:    w.lastSeen,
			LastTask:    w.lastTask,
		})
	}
	return out
}

// ListWorkflows returns every registered (workflow_id, version) pair.
func (b *Broker) ListWorkflows() []WorkflowInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]wfKey, 0, len(b.schemas))
	for k := range b.schemas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].workflowID != keys[j].workflowID {
			return keys[i].workflowID < keys[j].workflowID
		}
		return keys[i].version < keys[j].version
	})

	out := make([]WorkflowInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, WorkflowInfo{Workflow: k.workflowID + "@" + k.version})
	}
	return out
}

// Status returns the broker's health payload for GET /status.
func (b *Broker) Status() map[string]string {
	return map[string]string{"status": "ok"}
}
