// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// tablePull tracks one table across the pages of a phase.
type tablePull struct {
	table   string
	info    *TableInfo
	full    bool // replace local contents after the last page
	after   *time.Time
	afterPK string
	seen    map[string]struct{}
	done    bool
}

// pull runs the metadata phase to completion before building catalog
// requests, so catalog parameters can depend on freshly pulled metadata.
// A catalog failure leaves the committed metadata in place.
func (e *Engine) pull(ctx context.Context, opts SyncOptions, report *CycleReport, changed map[string]struct{}) error {
	params := map[string]any{syncrules.ParamUserID: e.userID}

	metadata := e.rules.TablesInPhase(syncrules.PhaseMetadata, e.tables...)
	if err := e.pullPhase(ctx, metadata, opts, params, report, changed); err != nil {
		return fmt.Errorf("metadata phase: %w", err)
	}

	catalog := e.rules.TablesInPhase(syncrules.PhaseCatalog, e.tables...)
	if len(catalog) == 0 {
		return nil
	}
	if e.config.Params != nil {
		extra, err := e.config.Params(ctx, e.db)
		if err != nil {
			return fmt.Errorf("failed to compute pull params: %w", err)
		}
		params = maps.Clone(extra)
		if params == nil {
			params = make(map[string]any)
		}
		params[syncrules.ParamUserID] = e.userID
	}
	if err := e.pullPhase(ctx, catalog, opts, params, report, changed); err != nil {
		return fmt.Errorf("catalog phase: %w", err)
	}
	return nil
}

func (e *Engine) pullPhase(ctx context.Context, tables []string, opts SyncOptions, params map[string]any, report *CycleReport, changed map[string]struct{}) error {
	if len(tables) == 0 {
		return nil
	}
	states := make(map[string]*tablePull, len(tables))
	for _, table := range tables {
		st, err := e.startTablePull(ctx, table, opts)
		if err != nil {
			return err
		}
		states[table] = st
	}

	for {
		req := &syncapi.PullRequest{
			UserID: e.userID,
			Params: params,
			Limit:  e.config.PullPageSize,
		}
		for _, table := range tables {
			st := states[table]
			if st.done {
				continue
			}
			req.Tables = append(req.Tables, syncapi.TableCursor{Name: table, AfterTimestamp: st.after, AfterPK: st.afterPK})
			if slices.Contains(opts.IgnoreChangeLog, table) {
				req.IgnoreChangeLog = append(req.IgnoreChangeLog, table)
			}
		}
		if len(req.Tables) == 0 {
			return nil
		}

		var resp *syncapi.PullResponse
		err := e.retry(ctx, "pull", func(ctx context.Context) error {
			r, err := e.transport.Pull(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, nil)
		if err != nil {
			return err
		}

		answered := 0
		n, err := e.withSuppressed(ctx, func(ctx context.Context) error {
			for _, page := range resp.Tables {
				st, ok := states[page.Name]
				if !ok || st.done {
					e.logger.Warn("Pull returned an unrequested table", "table", page.Name)
					continue
				}
				answered++
				applied, removed, err := e.applyPage(ctx, st, page)
				if err != nil {
					return err
				}
				report.Pulled += applied
				report.Removed += removed
				if applied > 0 || removed > 0 {
					changed[st.table] = struct{}{}
				}
			}
			return nil
		})
		report.Backfilled += n
		if err != nil {
			return err
		}
		if answered == 0 {
			return fmt.Errorf("%w: pull response had no requested tables", syncapi.ErrValidation)
		}
	}
}

// startTablePull decides between an incremental and a full pull.
func (e *Engine) startTablePull(ctx context.Context, table string, opts SyncOptions) (*tablePull, error) {
	info, err := e.tableInfo.get(ctx, e.db, table)
	if err != nil {
		return nil, err
	}
	st := &tablePull{table: table, info: info}

	after, afterPK, found, err := e.readCursor(ctx, table)
	if err != nil {
		return nil, err
	}
	if !found || opts.FullResync || slices.Contains(opts.IgnoreChangeLog, table) {
		st.full = true
		st.seen = make(map[string]struct{})
		return st, nil
	}
	st.after = &after
	st.afterPK = afterPK
	return st, nil
}

// applyPage writes one page in its own transaction. Incremental pulls move
// the cursor with every page; full pulls commit the cursor, and remove
// local rows that were not returned, only with the last page.
func (e *Engine) applyPage(ctx context.Context, st *tablePull, page syncapi.TableRows) (applied, removed int, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin apply tx: %w", err)
	}
	defer tx.Rollback()

	for _, row := range page.Rows {
		if st.full {
			st.seen[row.PK] = struct{}{}
		}
		ok, err := e.applyRowInTx(ctx, tx, st.info, row)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			applied++
		}
	}

	if page.HasMore && !cursorAdvances(st, page) {
		return 0, 0, fmt.Errorf("%w: pull cursor for %s did not advance", syncapi.ErrValidation, st.table)
	}
	if page.NewCursor != nil {
		t := page.NewCursor.UTC()
		st.after = &t
		st.afterPK = page.NewCursorPK
	}
	st.done = !page.HasMore

	if !st.full || st.done {
		if st.full {
			removed, err = e.replaceUnseenInTx(ctx, tx, st)
			if err != nil {
				return 0, 0, err
			}
		}
		cursor := time.Time{}
		if st.after != nil {
			cursor = *st.after
		}
		if st.after != nil || st.full {
			if err := e.writeCursorInTx(ctx, tx, st.table, cursor, st.afterPK); err != nil {
				return 0, 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit apply tx: %w", err)
	}
	return applied, removed, nil
}

// cursorAdvances reports whether a page moves the table's cursor forward.
// A page that promises more rows without moving it would be requested again
// forever.
func cursorAdvances(st *tablePull, page syncapi.TableRows) bool {
	if page.NewCursor == nil {
		return false
	}
	if st.after == nil {
		return true
	}
	next := page.NewCursor.UTC()
	if c := next.Compare(*st.after); c != 0 {
		return c > 0
	}
	return page.NewCursorPK > st.afterPK
}

// applyRowInTx writes a canonical row unless the local row carries an
// unacknowledged edit or already has this version.
func (e *Engine) applyRowInTx(ctx context.Context, tx *sql.Tx, info *TableInfo, row syncapi.Row) (bool, error) {
	var version int64
	var localWrite int
	err := tx.QueryRowContext(ctx,
		`SELECT sync_version, local_write FROM _sync_row_meta WHERE table_name = ? AND pk = ?`,
		info.Table, row.PK).Scan(&version, &localWrite)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read row meta: %w", err)
	}
	if localWrite == 1 {
		e.logger.Debug("Skipping row with a pending local edit", "table", info.Table, "pk", row.PK)
		return false, nil
	}
	if err == nil && version >= row.SyncVersion {
		return false, nil
	}
	if !row.Deleted && len(row.Data) == 0 {
		e.logger.Warn("Skipping row without data", "table", info.Table, "pk", row.PK)
		return false, nil
	}
	if err := e.writeRemoteRowInTx(ctx, tx, info, row); err != nil {
		return false, err
	}
	return true, nil
}

// writeRemoteRowInTx stores a canonical row and its meta. It must run inside
// a suppression window; the meta written here replaces what the touch
// triggers recorded so the write is not mistaken for a local one.
func (e *Engine) writeRemoteRowInTx(ctx context.Context, tx *sql.Tx, info *TableInfo, row syncapi.Row) error {
	if row.Deleted {
		if err := deleteRow(ctx, tx, info, row.PK); err != nil {
			return err
		}
	} else if err := upsertRow(ctx, tx, info, row.PK, row.Data); err != nil {
		return err
	}

	deleted := 0
	if row.Deleted {
		deleted = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_row_meta(table_name, pk, sync_version, last_modified_at, device_id, deleted, local_write)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(table_name, pk) DO UPDATE SET
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted,
			local_write = 0`,
		info.Table, row.PK, row.SyncVersion, row.LastModifiedAt.UnixMilli(), row.DeviceID, deleted); err != nil {
		return fmt.Errorf("failed to update row meta for %s(%s): %w", info.Table, row.PK, err)
	}
	return nil
}

// replaceUnseenInTx removes local rows a full pull did not return. Rows with
// queued or failed outbox entries are kept.
func (e *Engine) replaceUnseenInTx(ctx context.Context, tx *sql.Tx, st *tablePull) (int, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s AS t`, pkExpr(st.info, "t"), quoteIdent(st.info.Table)))
	if err != nil {
		return 0, fmt.Errorf("failed to list local rows: %w", err)
	}
	var unseen []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := st.seen[pk]; !ok {
			unseen = append(unseen, pk)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	removed := 0
	for _, pk := range unseen {
		var keep int
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM _sync_outbox WHERE table_name = ? AND pk = ?)
			    OR EXISTS (SELECT 1 FROM _sync_row_meta WHERE table_name = ? AND pk = ? AND local_write = 1)`,
			st.table, pk, st.table, pk).Scan(&keep); err != nil {
			return 0, err
		}
		if keep == 1 {
			continue
		}
		if err := deleteRow(ctx, tx, st.info, pk); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_row_meta WHERE table_name = ? AND pk = ?`, st.table, pk); err != nil {
			return 0, err
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("Removed rows no longer visible", "table", st.table, "count", removed)
	}
	return removed, nil
}

func (e *Engine) readCursor(ctx context.Context, table string) (time.Time, string, bool, error) {
	var text, pk string
	err := e.db.QueryRowContext(ctx,
		`SELECT last_pulled_at, last_pk FROM _sync_cursor WHERE user_id = ? AND table_name = ?`,
		e.userID, table).Scan(&text, &pk)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, "", false, nil
	}
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("failed to read cursor for %s: %w", table, err)
	}
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("corrupt cursor for %s: %w", table, err)
	}
	return t, pk, true, nil
}

func (e *Engine) writeCursorInTx(ctx context.Context, tx *sql.Tx, table string, at time.Time, pk string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_cursor(user_id, table_name, last_pulled_at, last_pk) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, table_name) DO UPDATE SET last_pulled_at = excluded.last_pulled_at, last_pk = excluded.last_pk`,
		e.userID, table, at.UTC().Format(time.RFC3339Nano), pk); err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", table, err)
	}
	return nil
}

// Cursor returns the stored pull position of table.
func (e *Engine) Cursor(ctx context.Context, table string) (time.Time, bool, error) {
	t, _, ok, err := e.readCursor(ctx, table)
	return t, ok, err
}
