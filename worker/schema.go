// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the sync tables if they don't exist
func (s *Service) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Concurrent workers starting against a fresh database race on CREATE.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tablesync.schema'))`); err != nil {
			return fmt.Errorf("failed to lock schema init: %w", err)
		}
		for _, stmt := range migrations {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}
		return nil
	})
}

var migrations = []string{
	/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

	// Canonical rows of every synced table. Tombstones keep their last
	// payload so visibility rules still apply to them.
	/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_rows (
		table_name       TEXT        NOT NULL,
		pk               TEXT        NOT NULL,
		payload          JSONB       NOT NULL DEFAULT '{}'::jsonb,
		sync_version     BIGINT      NOT NULL,
		last_modified_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		edited_at        TIMESTAMPTZ NOT NULL,
		device_id        TEXT        NOT NULL DEFAULT '',
		deleted          BOOLEAN     NOT NULL DEFAULT FALSE,
		PRIMARY KEY (table_name, pk)
	)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sync_rows_pull_idx
		ON sync.sync_rows (table_name, last_modified_at, pk)`,

	// Outcome of every applied mutation, replayed verbatim on retries.
	/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.applied_mutations (
		user_id     TEXT        NOT NULL,
		mutation_id TEXT        NOT NULL,
		table_name  TEXT        NOT NULL,
		pk          TEXT        NOT NULL,
		result      JSONB       NOT NULL,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, mutation_id)
	)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS applied_mutations_age_idx
		ON sync.applied_mutations (applied_at)`,

	/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.conflict_audit (
		id             BIGSERIAL   PRIMARY KEY,
		user_id        TEXT        NOT NULL,
		device_id      TEXT        NOT NULL,
		table_name     TEXT        NOT NULL,
		pk             TEXT        NOT NULL,
		strategy       TEXT        NOT NULL,
		winner         TEXT        NOT NULL,
		local_version  BIGINT      NOT NULL,
		remote_version BIGINT      NOT NULL,
		local_payload  JSONB,
		remote_payload JSONB,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
