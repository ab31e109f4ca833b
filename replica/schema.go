// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// nowMillis is the capture clock: unix milliseconds from SQLite itself, so
// triggers and suppression windows compare on one clock.
const nowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

var syncTables = []string{
	`CREATE TABLE IF NOT EXISTS _sync_state (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		user_id            TEXT NOT NULL,
		device_id          TEXT NOT NULL,
		capture_suppressed INTEGER NOT NULL DEFAULT 0,
		suppressed_at      INTEGER NOT NULL DEFAULT 0
	)`,

	// Append-only until acknowledged; never collapsed at capture time.
	`CREATE TABLE IF NOT EXISTS _sync_outbox (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name      TEXT NOT NULL,
		pk              TEXT NOT NULL,
		op              TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
		snapshot        TEXT,
		captured_at     INTEGER NOT NULL,
		device_id       TEXT NOT NULL,
		mutation_id     TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','failed','conflict')),
		last_error      TEXT,
		remote_snapshot TEXT,
		remote_version  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS _sync_outbox_dispatch ON _sync_outbox(table_name, status, id)`,
	`CREATE INDEX IF NOT EXISTS _sync_outbox_row ON _sync_outbox(table_name, pk, captured_at)`,

	// local_write = 1 while the row carries a local change the canonical
	// store has not acknowledged.
	`CREATE TABLE IF NOT EXISTS _sync_row_meta (
		table_name       TEXT NOT NULL,
		pk               TEXT NOT NULL,
		sync_version     INTEGER NOT NULL DEFAULT 0,
		last_modified_at INTEGER NOT NULL DEFAULT 0,
		device_id        TEXT NOT NULL DEFAULT '',
		deleted          INTEGER NOT NULL DEFAULT 0,
		local_write      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_name, pk)
	)`,
	`CREATE INDEX IF NOT EXISTS _sync_row_meta_local ON _sync_row_meta(local_write, last_modified_at)`,

	`CREATE TABLE IF NOT EXISTS _sync_cursor (
		user_id        TEXT NOT NULL,
		table_name     TEXT NOT NULL,
		last_pulled_at TEXT NOT NULL,
		last_pk        TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, table_name)
	)`,
}

// initializeDatabase creates the sync bookkeeping tables.
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	for _, ddl := range syncTables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// ensureState persists the device id for userID, generating one on first
// use. A replica belongs to exactly one user.
func ensureState(ctx context.Context, db *sql.DB, userID string) (string, error) {
	var storedUser, deviceID string
	err := db.QueryRowContext(ctx, `SELECT user_id, device_id FROM _sync_state WHERE id = 1`).Scan(&storedUser, &deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.NewString()
		if _, err := db.ExecContext(ctx,
			`INSERT INTO _sync_state (id, user_id, device_id) VALUES (1, ?, ?)`, userID, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert sync state: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query sync state: %w", err)
	}
	if storedUser != userID {
		return "", fmt.Errorf("replica belongs to user %q, not %q", storedUser, userID)
	}
	return deviceID, nil
}
