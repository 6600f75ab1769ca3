// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// latestVersion is the LATEST_VERSION of the four-table schema (steps,
// queue, inputs, fuseline_meta): ensureSchema applies every migration
// index up to this version, tracked by the single fuseline_meta.version
// row. Kept in lockstep with len(migrations) by the panic in init.
const latestVersion = 1

func init() {
	if len(migrations) != latestVersion {
		panic(fmt.Sprintf("postgres: latestVersion %d does not match %d declared migrations", latestVersion, len(migrations)))
	}
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS fuseline_meta (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	workflow_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	state       TEXT NOT NULL,
	result      JSONB,
	worker_id   TEXT,
	expires_at  TIMESTAMPTZ,
	PRIMARY KEY (workflow_id, instance_id, name)
);

CREATE TABLE IF NOT EXISTS queue (
	workflow_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	position    BIGSERIAL,
	PRIMARY KEY (workflow_id, instance_id, name)
);

CREATE TABLE IF NOT EXISTS inputs (
	workflow_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	params      JSONB NOT NULL,
	PRIMARY KEY (workflow_id, instance_id)
);
`,
}

// ensureSchema applies every migration beyond the stored
// fuseline_meta.version, in order, inside one transaction per step.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS fuseline_meta (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensuring fuseline_meta: %w", err)
	}

	var current int
	err := pool.QueryRow(ctx, `SELECT version FROM fuseline_meta WHERE id = 1`).Scan(&current)
	if err != nil {
		current = 0
	}

	for v := current; v < latestVersion; v++ {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(ctx, migrations[v]); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fuseline_meta (id, version) VALUES (1, $1)
			 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version`, v+1); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", v+1, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", v+1, err)
		}
	}
	return nil
}
