// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

// Outbox entry statuses
const (
	statusPending  = "pending"
	statusFailed   = "failed"
	statusConflict = "conflict"
)

type outboxEntry struct {
	id         int64
	table      string
	pk         string
	op         syncapi.Operation
	snapshot   []byte
	capturedAt int64
	mutationID string
	attempts   int
}

// changeGroup is every pending entry of one row in a batch, sent as a single
// change. Dispatch-time coalescing policy:
//   - the latest entry's op, snapshot, capture time and mutation id are sent
//     (the mutation id of a replayed request is therefore stable);
//   - groups are ordered by their latest entry, preserving capture order of
//     final states within a table;
//   - acknowledgement deletes entries up to maxID only, so writes captured
//     while the request was in flight stay queued.
type changeGroup struct {
	table       string
	pk          string
	ids         []int64
	maxID       int64
	latest      outboxEntry
	firstOp     syncapi.Operation
	attempted   bool
	attempts    int // highest attempts among the entries
	baseVersion int64
	wire        syncapi.Change
}

// loadBatch reads up to limit pending entries for table in capture order.
// more reports whether entries were left behind.
func (e *Engine) loadBatch(ctx context.Context, table string, limit int) (entries []outboxEntry, more bool, err error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, pk, op, snapshot, captured_at, mutation_id, attempts
		FROM _sync_outbox
		WHERE table_name = ? AND status = 'pending'
		ORDER BY id
		LIMIT ?`, table, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var en outboxEntry
		var op string
		var snapshot sql.NullString
		if err := rows.Scan(&en.id, &en.pk, &op, &snapshot, &en.capturedAt, &en.mutationID, &en.attempts); err != nil {
			return nil, false, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		en.table = table
		en.op = syncapi.Operation(op)
		if snapshot.Valid {
			en.snapshot = []byte(snapshot.String)
		}
		entries = append(entries, en)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(entries) > limit {
		return entries[:limit], true, nil
	}
	return entries, false, nil
}

// coalesce groups entries per primary key.
func coalesce(entries []outboxEntry) []*changeGroup {
	byPK := make(map[string]*changeGroup)
	var order []*changeGroup
	for _, en := range entries {
		g, ok := byPK[en.pk]
		if !ok {
			g = &changeGroup{table: en.table, pk: en.pk, firstOp: en.op}
			byPK[en.pk] = g
			order = append(order, g)
		}
		g.ids = append(g.ids, en.id)
		g.maxID = en.id
		g.latest = en
		if en.attempts > 0 {
			g.attempted = true
		}
		g.attempts = max(g.attempts, en.attempts)
	}
	slices.SortFunc(order, func(a, b *changeGroup) int { return cmp.Compare(a.maxID, b.maxID) })
	return order
}

// localOnly reports a row created and deleted locally that never reached
// the canonical store; it can be dropped without a request.
func (g *changeGroup) localOnly() bool {
	return g.firstOp == syncapi.OpInsert && g.latest.op == syncapi.OpDelete &&
		g.baseVersion == 0 && !g.attempted
}

func (g *changeGroup) change(info *TableInfo) (syncapi.Change, error) {
	snapshot, err := snapshotForWire(info, g.latest.snapshot)
	if err != nil {
		return syncapi.Change{}, err
	}
	op := g.latest.op
	// An insert followed by updates is still an insert for the worker.
	if g.firstOp == syncapi.OpInsert && op == syncapi.OpUpdate && g.baseVersion == 0 {
		op = syncapi.OpInsert
	}
	return syncapi.Change{
		Table:         g.table,
		PK:            g.pk,
		Operation:     op,
		Snapshot:      snapshot,
		ClientVersion: g.baseVersion,
		MutationID:    g.latest.mutationID,
		CapturedAt:    time.UnixMilli(g.latest.capturedAt).UTC(),
	}, nil
}

// loadBaseVersions fills baseVersion from row meta at dispatch time.
func (e *Engine) loadBaseVersions(ctx context.Context, groups []*changeGroup) error {
	for _, g := range groups {
		err := e.db.QueryRowContext(ctx,
			`SELECT sync_version FROM _sync_row_meta WHERE table_name = ? AND pk = ?`,
			g.table, g.pk).Scan(&g.baseVersion)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read row meta for %s(%s): %w", g.table, g.pk, err)
		}
	}
	return nil
}

func idList(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ","), args
}

// ackGroupInTx removes acknowledged entries and records the canonical
// version. local_write stays set when newer entries for the row exist.
func ackGroupInTx(ctx context.Context, tx *sql.Tx, g *changeGroup, newVersion int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_outbox WHERE table_name = ? AND pk = ? AND id <= ? AND status = 'pending'`,
		g.table, g.pk, g.maxID); err != nil {
		return fmt.Errorf("failed to delete acknowledged entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_row_meta
		SET sync_version = MAX(sync_version, ?),
		    local_write = CASE WHEN EXISTS (
				SELECT 1 FROM _sync_outbox o WHERE o.table_name = _sync_row_meta.table_name AND o.pk = _sync_row_meta.pk
			) THEN 1 ELSE 0 END
		WHERE table_name = ? AND pk = ?`, newVersion, g.table, g.pk); err != nil {
		return fmt.Errorf("failed to update row meta: %w", err)
	}
	return nil
}

// markGroupInTx flags a group's entries with a terminal status.
func markGroupInTx(ctx context.Context, tx *sql.Tx, g *changeGroup, status, reason string, remote json.RawMessage, remoteVersion int64) error {
	marks, args := idList(g.ids)
	var remoteText any
	if len(remote) > 0 {
		remoteText = string(remote)
	}
	args = append([]any{status, reason, remoteText, remoteVersion}, args...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = ?, last_error = ?, remote_snapshot = ?, remote_version = ?
		WHERE id IN (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("failed to mark entries %s: %w", status, err)
	}
	return nil
}

// recordAttempt bumps attempts for the entries of groups after a transient
// failure. A group whose most-tried entry reaches MaxAttempts is flagged
// failed as a whole; the remaining groups are returned for another try.
func (e *Engine) recordAttempt(ctx context.Context, groups []*changeGroup, cause error) ([]*changeGroup, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt tx: %w", err)
	}
	defer tx.Rollback()

	var remaining []*changeGroup
	for _, g := range groups {
		marks, args := idList(g.ids)
		if _, err := tx.ExecContext(ctx,
			`UPDATE _sync_outbox SET attempts = attempts + 1, last_error = ? WHERE id IN (`+marks+`)`,
			append([]any{cause.Error()}, args...)...); err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
		g.attempts++
		g.attempted = true
		if g.attempts < e.config.MaxAttempts {
			remaining = append(remaining, g)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _sync_outbox SET status = 'failed' WHERE status = 'pending' AND id IN (`+marks+`)`, args...); err != nil {
			return nil, fmt.Errorf("failed to flag exhausted entries: %w", err)
		}
		e.logger.Warn("Retry budget exhausted", "table", g.table, "pk", g.pk, "attempts", g.attempts, "error", cause)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt tx: %w", err)
	}
	return remaining, nil
}

// dropLocalOnlyInTx discards a group that cancels itself out locally.
func dropLocalOnlyInTx(ctx context.Context, tx *sql.Tx, g *changeGroup) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_outbox WHERE table_name = ? AND pk = ? AND id <= ? AND status = 'pending'`,
		g.table, g.pk, g.maxID); err != nil {
		return fmt.Errorf("failed to drop local-only entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_row_meta
		WHERE table_name = ? AND pk = ? AND sync_version = 0
		  AND NOT EXISTS (SELECT 1 FROM _sync_outbox o WHERE o.table_name = ? AND o.pk = ?)`,
		g.table, g.pk, g.table, g.pk); err != nil {
		return fmt.Errorf("failed to drop local-only meta: %w", err)
	}
	return nil
}

// Failure is an outbox entry that needs attention: rejected by the worker,
// out of retry budget, or waiting on a manual conflict decision.
type Failure struct {
	ID         int64
	Table      string
	PK         string
	Operation  syncapi.Operation
	Status     string
	Attempts   int
	Reason     string
	CapturedAt time.Time
	// Err wraps syncapi.ErrValidation, ErrNetwork or ErrConflict.
	Err error
}

// Failures lists entries in failed or conflict status.
func (e *Engine) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, table_name, pk, op, status, attempts, COALESCE(last_error, ''), captured_at
		FROM _sync_outbox WHERE status IN ('failed','conflict') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var op string
		var captured int64
		if err := rows.Scan(&f.ID, &f.Table, &f.PK, &op, &f.Status, &f.Attempts, &f.Reason, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Operation = syncapi.Operation(op)
		f.CapturedAt = time.UnixMilli(captured).UTC()
		switch {
		case f.Status == statusConflict:
			f.Err = fmt.Errorf("%w: %s(%s)", syncapi.ErrConflict, f.Table, f.PK)
		case f.Attempts >= e.config.MaxAttempts:
			f.Err = fmt.Errorf("%w: %s", syncapi.ErrNetwork, f.Reason)
		default:
			f.Err = fmt.Errorf("%w: %s", syncapi.ErrValidation, f.Reason)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Dismiss deletes failed or conflicted entries by id. The local edit is
// abandoned: the row's known version is forgotten and the table's cursor is
// reset, so the next pull rewrites the canonical row even when its version
// did not change.
func (e *Engine) Dismiss(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks, args := idList(ids)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin dismiss tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT table_name, pk FROM _sync_outbox WHERE status IN ('failed','conflict') AND id IN (`+marks+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to read dismissed rows: %w", err)
	}
	type rowKey struct{ table, pk string }
	var keys []rowKey
	for rows.Next() {
		var k rowKey
		if err := rows.Scan(&k.table, &k.pk); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_outbox WHERE status IN ('failed','conflict') AND id IN (`+marks+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to dismiss entries: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_row_meta SET sync_version = 0, local_write = 0
			WHERE table_name = ? AND pk = ?
			  AND NOT EXISTS (SELECT 1 FROM _sync_outbox o WHERE o.table_name = ? AND o.pk = ?)`,
			k.table, k.pk, k.table, k.pk); err != nil {
			return 0, fmt.Errorf("failed to reset row meta: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_cursor WHERE user_id = ? AND table_name = ?`, e.userID, k.table); err != nil {
			return 0, fmt.Errorf("failed to reset cursor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit dismiss tx: %w", err)
	}
	n, _ := res.RowsAffected()
	e.refreshStatus(ctx)
	return int(n), nil
}

// RetryFailed puts failed entries back in the queue with a fresh budget.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	res, err := e.db.ExecContext(ctx,
		`UPDATE _sync_outbox SET status = 'pending', attempts = 0, last_error = NULL WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue entries: %w", err)
	}
	n, _ := res.RowsAffected()
	e.refreshStatus(ctx)
	if n > 0 {
		e.Trigger()
	}
	return int(n), nil
}

// ResolveConflict settles an entry left by the manual strategy. keepLocal
// re-queues the local snapshot on top of the remote version under a new
// mutation id, since the old one already has a recorded outcome; otherwise
// the remote snapshot is applied locally and the entries are dropped.
func (e *Engine) ResolveConflict(ctx context.Context, id int64, keepLocal bool) error {
	var table, pk string
	var remote sql.NullString
	var remoteVersion int64
	err := e.db.QueryRowContext(ctx, `
		SELECT table_name, pk, remote_snapshot, remote_version
		FROM _sync_outbox WHERE id = ? AND status = 'conflict'`, id).Scan(&table, &pk, &remote, &remoteVersion)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no conflict with id %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read conflict: %w", err)
	}

	if keepLocal {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_outbox
			SET status = 'pending', attempts = 0, last_error = NULL, remote_snapshot = NULL,
			    mutation_id = lower(hex(randomblob(16)))
			WHERE table_name = ? AND pk = ? AND status = 'conflict'`, table, pk); err != nil {
			return fmt.Errorf("failed to requeue conflict: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _sync_row_meta SET sync_version = ? WHERE table_name = ? AND pk = ?`,
			remoteVersion, table, pk); err != nil {
			return fmt.Errorf("failed to rebase row meta: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.refreshStatus(ctx)
		e.Trigger()
		return nil
	}

	_, err = e.withSuppressed(ctx, func(ctx context.Context) error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		info, err := e.tableInfo.get(ctx, tx, table)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_outbox WHERE table_name = ? AND pk = ? AND status = 'conflict'`, table, pk); err != nil {
			return fmt.Errorf("failed to drop conflict entries: %w", err)
		}
		row := syncapi.Row{PK: pk, SyncVersion: remoteVersion, LastModifiedAt: time.Now().UTC(), Deleted: !remote.Valid}
		if remote.Valid {
			row.Data = json.RawMessage(remote.String)
		}
		if err := e.writeRemoteRowInTx(ctx, tx, info, row); err != nil {
			return err
		}
		return tx.Commit()
	})
	e.refreshStatus(ctx)
	return err
}
