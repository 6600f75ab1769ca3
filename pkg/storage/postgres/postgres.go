// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package postgres implements storage.RuntimeStorage over PostgreSQL
// using four tables (steps, queue, inputs, fuseline_meta), with
// versioned migrations tracked from the fuseline_meta.version row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/storage"
)

// Storage is a PostgreSQL-backed storage.RuntimeStorage.
type Storage struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Storage. Callers should call Close when done.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Storage{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() { s.pool.Close() }

func (s *Storage) CreateRun(ctx context.Context, key storage.RunKey, stepNames []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM steps WHERE workflow_id = $1 AND instance_id = $2`,
		key.WorkflowID, key.InstanceID); err != nil {
		return fmt.Errorf("clearing prior steps: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM queue WHERE workflow_id = $1 AND instance_id = $2`,
		key.WorkflowID, key.InstanceID); err != nil {
		return fmt.Errorf("clearing prior queue: %w", err)
	}

	for _, name := range stepNames {
		if _, err := tx.Exec(ctx,
			`INSERT INTO steps (workflow_id, instance_id, name, state) VALUES ($1, $2, $3, $4)`,
			key.WorkflowID, key.InstanceID, name, graph.StatePending.String()); err != nil {
			return fmt.Errorf("inserting step %s: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Storage) Enqueue(ctx context.Context, key storage.RunKey, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (workflow_id, instance_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, instance_id, name) DO NOTHING`,
		key.WorkflowID, key.InstanceID, name)
	return err
}

func (s *Storage) FetchNext(ctx context.Context, key storage.RunKey) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var name string
	err = tx.QueryRow(ctx,
		`SELECT name FROM queue WHERE workflow_id = $1 AND instance_id = $2
		 ORDER BY position ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		key.WorkflowID, key.InstanceID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM queue WHERE workflow_id = $1 AND instance_id = $2 AND name = $3`,
		key.WorkflowID, key.InstanceID, name); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (s *Storage) AssignStep(ctx context.Context, key storage.RunKey, name, workerID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET worker_id = $1, expires_at = $2
		 WHERE workflow_id = $3 AND instance_id = $4 AND name = $5`,
		workerID, expiresAt, key.WorkflowID, key.InstanceID, name)
	return err
}

func (s *Storage) ClearAssignment(ctx context.Context, key storage.RunKey, name string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET worker_id = NULL, expires_at = NULL
		 WHERE workflow_id = $1 AND instance_id = $2 AND name = $3`,
		key.WorkflowID, key.InstanceID, name)
	return err
}

func (s *Storage) GetAssignment(ctx context.Context, key storage.RunKey, name string) (string, time.Time, bool, error) {
	var workerID *string
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT worker_id, expires_at FROM steps
		 WHERE workflow_id = $1 AND instance_id = $2 AND name = $3`,
		key.WorkflowID, key.InstanceID, name).Scan(&workerID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) || workerID == nil {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return *workerID, *expiresAt, true, nil
}

func (s *Storage) SetState(ctx context.Context, key storage.RunKey, name string, state graph.State) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET state = $1 WHERE workflow_id = $2 AND instance_id = $3 AND name = $4`,
		state.String(), key.WorkflowID, key.InstanceID, name)
	return err
}

func (s *Storage) GetState(ctx context.Context, key storage.RunKey, name string) (graph.State, bool, error) {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM steps WHERE workflow_id = $1 AND instance_id = $2 AND name = $3`,
		key.WorkflowID, key.InstanceID, name).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.StatePending, false, nil
	}
	if err != nil {
		return graph.StatePending, false, err
	}
	return graph.ParseState(state), true, nil
}

func (s *Storage) SetResult(ctx context.Context, key storage.RunKey, name string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result for %s: %w", name, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE steps SET result = $1 WHERE workflow_id = $2 AND instance_id = $3 AND name = $4`,
		data, key.WorkflowID, key.InstanceID, name)
	return err
}

func (s *Storage) GetResult(ctx context.Context, key storage.RunKey, name string) (any, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM steps WHERE workflow_id = $1 AND instance_id = $2 AND name = $3`,
		key.WorkflowID, key.InstanceID, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || data == nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("unmarshaling result for %s: %w", name, err)
	}
	return result, true, nil
}

func (s *Storage) SetInputs(ctx context.Context, key storage.RunKey, inputs map[string]any) error {
	data, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshaling inputs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO inputs (workflow_id, instance_id, params) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, instance_id) DO UPDATE SET params = EXCLUDED.params`,
		key.WorkflowID, key.InstanceID, data)
	return err
}

func (s *Storage) GetInputs(ctx context.Context, key storage.RunKey) (map[string]any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT params FROM inputs WHERE workflow_id = $1 AND instance_id = $2`,
		key.WorkflowID, key.InstanceID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("unmarshaling inputs: %w", err)
	}
	return inputs, nil
}

func (s *Storage) AllStates(ctx context.Context, key storage.RunKey) (map[string]graph.State, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, state FROM steps WHERE workflow_id = $1 AND instance_id = $2`,
		key.WorkflowID, key.InstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := map[string]graph.State{}
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			return nil, err
		}
		states[name] = graph.ParseState(state)
	}
	return states, rows.Err()
}

func (s *Storage) AllResults(ctx context.Context, key storage.RunKey) (map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, result FROM steps WHERE workflow_id = $1 AND instance_id = $2 AND result IS NOT NULL`,
		key.WorkflowID, key.InstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := map[string]any{}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("unmarshaling result for %s: %w", name, err)
		}
		results[name] = result
	}
	return results, rows.Err()
}

// FinalizeRun clears every lease of the run. The schema has no column
// recording that a run finished, so no finished marker is stored.
func (s *Storage) FinalizeRun(ctx context.Context, key storage.RunKey) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE steps SET worker_id = NULL, expires_at = NULL
		 WHERE workflow_id = $1 AND instance_id = $2`,
		key.WorkflowID, key.InstanceID)
	return err
}

