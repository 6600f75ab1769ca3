// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package storage defines RuntimeStorage, the pure-data persistence
// boundary the broker drives. Every operation is keyed by
// (workflow_id, instance_id[, step_name]); implementations hold no
// business logic beyond that keying.
package storage

import (
	"context"
	"time"

	"github.com/jsam/fuseline/pkg/graph"
)

// RunKey identifies one workflow instance.
type RunKey struct {
	WorkflowID string
	InstanceID string
}

// RuntimeStorage is the persistence boundary for step states, the
// ready-queue, leases, inputs, and results of a workflow instance.
type RuntimeStorage interface {
	// CreateRun initializes PENDING state for every name in stepNames
	// and clears any queue/assignment residue for key.
	CreateRun(ctx context.Context, key RunKey, stepNames []string) error

	// Enqueue marks name ready. Idempotent: a name already present in
	// the per-instance queued-set is a no-op.
	Enqueue(ctx context.Context, key RunKey, name string) error

	// FetchNext removes and returns the head of the FIFO, or ("", false)
	// if empty.
	FetchNext(ctx context.Context, key RunKey) (name string, ok bool, err error)

	// AssignStep records that workerID is processing name until expiresAt.
	AssignStep(ctx context.Context, key RunKey, name, workerID string, expiresAt time.Time) error
	// ClearAssignment removes any assignment for name.
	ClearAssignment(ctx context.Context, key RunKey, name string) error
	// GetAssignment returns the current assignment for name, if any.
	GetAssignment(ctx context.Context, key RunKey, name string) (workerID string, expiresAt time.Time, ok bool, err error)

	SetState(ctx context.Context, key RunKey, name string, state graph.State) error
	GetState(ctx context.Context, key RunKey, name string) (graph.State, bool, error)

	SetResult(ctx context.Context, key RunKey, name string, result any) error
	GetResult(ctx context.Context, key RunKey, name string) (any, bool, error)

	SetInputs(ctx context.Context, key RunKey, inputs map[string]any) error
	GetInputs(ctx context.Context, key RunKey) (map[string]any, error)

	// AllStates returns every step name's recorded state for key.
	AllStates(ctx context.Context, key RunKey) (map[string]graph.State, error)
	// AllResults returns every recorded step result for key.
	AllResults(ctx context.Context, key RunKey) (map[string]any, error)

	// FinalizeRun marks the run finished and clears its leases.
	FinalizeRun(ctx context.Context, key RunKey) error
}
