// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

// SuppressCapture disables outbox capture and records the window start on
// the trigger clock. The start is committed before any apply begins.
func (e *Engine) SuppressCapture(ctx context.Context) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin suppress tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_state
		SET capture_suppressed = 1, suppressed_at = `+nowMillis+`
		WHERE id = 1 AND capture_suppressed = 0`); err != nil {
		return 0, fmt.Errorf("failed to suppress capture: %w", err)
	}
	var start int64
	if err := tx.QueryRowContext(ctx, `SELECT suppressed_at FROM _sync_state WHERE id = 1`).Scan(&start); err != nil {
		return 0, fmt.Errorf("failed to read suppression start: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit suppress tx: %w", err)
	}
	e.logger.Debug("Capture suppressed", "start", start)
	return start, nil
}

// ResumeCapture re-enables capture and backfills, in the same transaction,
// an outbox entry for every local write made during the window that has
// none. It returns the number of synthesized entries.
func (e *Engine) ResumeCapture(ctx context.Context) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin resume tx: %w", err)
	}
	defer tx.Rollback()

	var suppressed int
	var start int64
	if err := tx.QueryRowContext(ctx,
		`SELECT capture_suppressed, suppressed_at FROM _sync_state WHERE id = 1`).Scan(&suppressed, &start); err != nil {
		return 0, fmt.Errorf("failed to read suppression state: %w", err)
	}
	if suppressed == 0 {
		return 0, nil
	}

	n, err := e.backfillInTx(ctx, tx, start)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_state SET capture_suppressed = 0 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to resume capture: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit resume tx: %w", err)
	}
	if n > 0 {
		e.logger.Info("Backfilled writes made during suppression", "count", n, "since", start)
	}
	return n, nil
}

type backfillCandidate struct {
	table       string
	pk          string
	deleted     bool
	syncVersion int64
	modifiedAt  int64
}

// backfillInTx scans every synced table, not only the ones just applied,
// so writes to unrelated tables during the window are caught as well.
func (e *Engine) backfillInTx(ctx context.Context, tx *sql.Tx, start int64) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT m.table_name, m.pk, m.deleted, m.sync_version, m.last_modified_at
		FROM _sync_row_meta m
		WHERE m.local_write = 1 AND m.last_modified_at >= ?
		  AND NOT EXISTS (
			SELECT 1 FROM _sync_outbox o
			WHERE o.table_name = m.table_name AND o.pk = m.pk AND o.captured_at >= ?
		  )
		ORDER BY m.last_modified_at, m.table_name, m.pk`, start, start)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for backfill: %w", err)
	}
	var candidates []backfillCandidate
	for rows.Next() {
		var c backfillCandidate
		var deleted int
		if err := rows.Scan(&c.table, &c.pk, &deleted, &c.syncVersion, &c.modifiedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan backfill row: %w", err)
		}
		c.deleted = deleted == 1
		if slices.Contains(e.tables, c.table) {
			candidates = append(candidates, c)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	count := 0
	for _, c := range candidates {
		op := syncapi.OpUpdate
		var snapshot any
		if c.deleted {
			op = syncapi.OpDelete
		} else {
			info, err := e.tableInfo.get(ctx, tx, c.table)
			if err != nil {
				return 0, err
			}
			data, found, err := serializeRow(ctx, tx, info, c.pk)
			if err != nil {
				return 0, err
			}
			if !found {
				op = syncapi.OpDelete
			} else {
				snapshot = string(data)
				if c.syncVersion == 0 {
					op = syncapi.OpInsert
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_outbox(table_name, pk, op, snapshot, captured_at, device_id, mutation_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.table, c.pk, string(op), snapshot, c.modifiedAt, e.deviceID, uuid.NewString()); err != nil {
			return 0, fmt.Errorf("failed to insert backfill entry for %s(%s): %w", c.table, c.pk, err)
		}
		count++
	}
	return count, nil
}

// withSuppressed runs apply inside a suppression window and always closes
// the window with a backfill, even when apply fails.
func (e *Engine) withSuppressed(ctx context.Context, apply func(ctx context.Context) error) (int, error) {
	if _, err := e.SuppressCapture(ctx); err != nil {
		return 0, err
	}
	applyErr := apply(ctx)

	// The window must close even if ctx was cancelled during apply.
	resumeCtx := context.WithoutCancel(ctx)
	n, err := e.ResumeCapture(resumeCtx)
	if err != nil {
		e.logger.Error("Failed to resume capture", "error", err)
		if applyErr == nil {
			applyErr = err
		}
	}
	return n, applyErr
}
