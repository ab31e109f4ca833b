// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-tablesync/conflict"
	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// canonicalRow is the stored state of one row.
type canonicalRow struct {
	payload  json.RawMessage
	version  int64
	editedAt time.Time
	deviceID string
	deleted  bool
}

func (r *canonicalRow) asVersion() conflict.Version {
	return conflict.Version{
		SyncVersion: r.version,
		ModifiedAt:  r.editedAt,
		DeviceID:    r.deviceID,
		Data:        r.payload,
		Deleted:     r.deleted,
	}
}

// wireSnapshot hides the payload of tombstones.
func (r *canonicalRow) wireSnapshot() json.RawMessage {
	if r.deleted {
		return nil
	}
	return r.payload
}

// ProcessPush applies a batch of changes for userID from deviceID. Every
// change gets exactly one result, in request order. Only an oversized batch
// is refused as a whole.
func (s *Service) ProcessPush(ctx context.Context, userID, deviceID string, req *syncapi.PushRequest) (*syncapi.PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != userID {
		return nil, fmt.Errorf("%w: push for user %q", ErrForbidden, req.UserID)
	}

	if s.config.MaxPushBatch > 0 && len(req.Changes) > s.config.MaxPushBatch {
		msg := fmt.Sprintf("batch too large: changes=%d limit=%d", len(req.Changes), s.config.MaxPushBatch)
		results := make([]syncapi.Result, len(req.Changes))
		for i, ch := range req.Changes {
			results[i] = syncapi.Result{
				MutationID: ch.MutationID,
				Outcome:    syncapi.OutcomeRejected,
				Reason:     syncapi.ReasonBatchTooLarge,
				Message:    msg,
			}
		}
		return &syncapi.PushResponse{Accepted: false, Results: results}, nil
	}

	var (
		results   []syncapi.Result
		written   []string
		conflicts conflictLog
	)
	err := s.withRepeatableRead(ctx, func(tx pgx.Tx) error {
		// A retried transaction starts from scratch.
		results = make([]syncapi.Result, len(req.Changes))
		written = written[:0]
		conflicts.reset()

		if s.config.LockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", max(s.config.LockTimeout.Milliseconds(), 1))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}

		for i := range req.Changes {
			ch := req.Changes[i]
			def, err := s.validateChange(&ch)
			if err != nil {
				s.logger.Warn("Push validation failed",
					"user_id", userID, "device_id", deviceID, "table", ch.Table, "pk", ch.PK,
					"operation", ch.Operation, "error", err)
				results[i] = rejection(ch.MutationID, err)
				continue
			}
			res, wrote, err := s.applyChange(ctx, tx, &conflicts, userID, deviceID, i, ch, def)
			if err != nil {
				return fmt.Errorf("failed to apply %s %s/%s: %w", ch.Operation, ch.Table, ch.PK, err)
			}
			results[i] = res
			if wrote && !slices.Contains(written, def.Name) {
				written = append(written, def.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}

	conflicts.emit(s.logger)
	s.logger.Debug("Push processed", "user_id", userID, "device_id", deviceID,
		"changes", len(req.Changes), "tables_written", written)
	s.publish(ctx, deviceID, written)
	return &syncapi.PushResponse{Accepted: true, Results: results}, nil
}

// applyChange runs one change under its own savepoint. wrote reports whether
// the canonical row changed. A returned error aborts the whole batch.
func (s *Service) applyChange(ctx context.Context, tx pgx.Tx, conflicts *conflictLog, userID, deviceID string, idx int, ch syncapi.Change, def syncrules.TableDef) (syncapi.Result, bool, error) {
	if prev, ok, err := s.appliedResult(ctx, tx, userID, ch.MutationID); err != nil || ok {
		return prev, false, err
	}
	mark := conflicts.size()

	sp := pgx.Identifier{fmt.Sprintf("sp_%d", idx)}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return syncapi.Result{}, false, fmt.Errorf("failed to create savepoint: %w", err)
	}

	res, wrote, err := s.decideAndWrite(ctx, tx, conflicts, userID, deviceID, ch, def)
	if err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		conflicts.truncate(mark)
		if !isIntegrityError(err) {
			return res, false, err
		}
		s.logger.Warn("Push rejected by constraint", "table", ch.Table, "pk", ch.PK, "error", err)
		res = syncapi.Result{MutationID: ch.MutationID, Outcome: syncapi.OutcomeRejected,
			Reason: syncapi.ReasonInternal, Message: err.Error()}
		wrote = false
	} else if res.Outcome != syncapi.OutcomeRejected {
		// Rejections are not recorded: a retry after the rules change is
		// evaluated again.
		if err := s.recordApplied(ctx, tx, userID, ch, res); err != nil {
			return res, false, err
		}
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return res, false, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return res, wrote, nil
}

func (s *Service) decideAndWrite(ctx context.Context, tx pgx.Tx, conflicts *conflictLog, userID, deviceID string, ch syncapi.Change, def syncrules.TableDef) (syncapi.Result, bool, error) {
	res := syncapi.Result{MutationID: ch.MutationID}

	cur, err := s.loadRowForUpdate(ctx, tx, ch.Table, ch.PK)
	if err != nil {
		return res, false, err
	}

	if err := s.checkPushRule(ctx, tx, userID, def, ch, cur); err != nil {
		if errors.Is(err, ErrForbidden) {
			s.logger.Warn("Push denied", "user_id", userID, "table", ch.Table, "pk", ch.PK,
				"rule", def.Push.String(), "error", err)
			return rejection(ch.MutationID, err), false, nil
		}
		return res, false, err
	}

	capturedAt := ch.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	outcome := syncapi.OutcomeAccepted
	if cur != nil && ch.ClientVersion != cur.version {
		local := conflict.Version{
			SyncVersion: ch.ClientVersion,
			ModifiedAt:  capturedAt,
			DeviceID:    deviceID,
			Data:        ch.Snapshot,
			Deleted:     ch.Operation == syncapi.OpDelete,
		}
		remote := cur.asVersion()
		d, err := conflict.Resolve(local, remote, conflict.PolicyFor(def.Conflict))
		var unresolved *conflict.UnresolvedConflict
		switch {
		case errors.As(err, &unresolved):
			d = conflict.Decision{Strategy: conflict.Manual, LocalVersion: local.SyncVersion, RemoteVersion: remote.SyncVersion}
			if err := s.auditConflict(ctx, tx, conflicts, userID, deviceID, ch, local, remote, d, "unresolved"); err != nil {
				return res, false, err
			}
			res.Outcome = syncapi.OutcomeUnresolved
			res.ResolvedSnapshot = cur.wireSnapshot()
			res.ResolvedDeleted = cur.deleted
			res.NewVersion = cur.version
			res.Message = unresolved.Error()
			return res, false, nil
		case err != nil:
			return res, false, err
		}

		if err := s.auditConflict(ctx, tx, conflicts, userID, deviceID, ch, local, remote, d, d.Winner.String()); err != nil {
			return res, false, err
		}
		res.Winner = d.Winner.String()
		if d.Winner == conflict.Remote {
			res.Outcome = syncapi.OutcomeResolved
			res.ResolvedSnapshot = cur.wireSnapshot()
			res.ResolvedDeleted = cur.deleted
			res.NewVersion = cur.version
			return res, false, nil
		}
		outcome = syncapi.OutcomeResolved
	}

	var newVersion int64
	if ch.Operation == syncapi.OpDelete {
		if cur == nil {
			// Never reached the canonical store; nothing to tombstone.
			res.Outcome = outcome
			return res, false, nil
		}
		err = tx.QueryRow(ctx, `
			UPDATE sync.sync_rows
			SET sync_version = sync_version + 1,
			    last_modified_at = clock_timestamp(),
			    edited_at = $3,
			    device_id = $4,
			    deleted = TRUE
			WHERE table_name = $1 AND pk = $2
			RETURNING sync_version`,
			ch.Table, ch.PK, capturedAt, deviceID).Scan(&newVersion)
	} else {
		err = tx.QueryRow(ctx, `
			INSERT INTO sync.sync_rows (table_name, pk, payload, sync_version, last_modified_at, edited_at, device_id, deleted)
			VALUES ($1, $2, $3::jsonb, 1, clock_timestamp(), $4, $5, FALSE)
			ON CONFLICT (table_name, pk) DO UPDATE SET
			    payload = EXCLUDED.payload,
			    sync_version = sync.sync_rows.sync_version + 1,
			    last_modified_at = clock_timestamp(),
			    edited_at = EXCLUDED.edited_at,
			    device_id = EXCLUDED.device_id,
			    deleted = FALSE
			RETURNING sync_version`,
			ch.Table, ch.PK, string(ch.Snapshot), capturedAt, deviceID).Scan(&newVersion)
	}
	if err != nil {
		return res, false, err
	}

	s.project(ctx, tx, ch, newVersion)

	res.Outcome = outcome
	res.NewVersion = newVersion
	return res, true, nil
}

func (s *Service) loadRowForUpdate(ctx context.Context, tx pgx.Tx, table, pk string) (*canonicalRow, error) {
	var r canonicalRow
	var payload []byte
	err := tx.QueryRow(ctx, `
		SELECT payload, sync_version, edited_at, device_id, deleted
		FROM sync.sync_rows
		WHERE table_name = $1 AND pk = $2
		FOR UPDATE`, table, pk).Scan(&payload, &r.version, &r.editedAt, &r.deviceID, &r.deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical row: %w", err)
	}
	r.payload = json.RawMessage(payload)
	return &r, nil
}

func (s *Service) appliedResult(ctx context.Context, tx pgx.Tx, userID, mutationID string) (syncapi.Result, bool, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT result FROM sync.applied_mutations
		WHERE user_id = $1 AND mutation_id = $2`, userID, mutationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncapi.Result{}, false, nil
	}
	if err != nil {
		return syncapi.Result{}, false, fmt.Errorf("idempotency gate check failed: %w", err)
	}
	var res syncapi.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return syncapi.Result{}, false, fmt.Errorf("corrupt stored result for %s: %w", mutationID, err)
	}
	return res, true, nil
}

func (s *Service) recordApplied(ctx context.Context, tx pgx.Tx, userID string, ch syncapi.Change, res syncapi.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sync.applied_mutations (user_id, mutation_id, table_name, pk, result)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (user_id, mutation_id) DO NOTHING`,
		userID, ch.MutationID, ch.Table, ch.PK, string(raw))
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	return nil
}

// auditConflict stores the conflict in the audit table and queues its log
// record for after the commit.
func (s *Service) auditConflict(ctx context.Context, tx pgx.Tx, conflicts *conflictLog, userID, deviceID string, ch syncapi.Change, local, remote conflict.Version, d conflict.Decision, winner string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.conflict_audit
		    (user_id, device_id, table_name, pk, strategy, winner, local_version, remote_version, local_payload, remote_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)`,
		userID, deviceID, ch.Table, ch.PK, string(d.Strategy), winner,
		local.SyncVersion, remote.SyncVersion, jsonOrNil(local.Data, local.Deleted), jsonOrNil(remote.Data, remote.Deleted))
	if err != nil {
		return fmt.Errorf("failed to audit conflict: %w", err)
	}
	conflicts.add(append(conflict.AuditAttrs(ch.Table, ch.PK, local, remote, d), "user_id", userID, "outcome", winner))
	return nil
}

// conflictLog holds conflict log records of one push attempt. Records of a
// retried attempt or a rolled back savepoint never reach the log.
type conflictLog struct {
	records [][]any
}

func (l *conflictLog) add(attrs []any) { l.records = append(l.records, attrs) }

func (l *conflictLog) size() int { return len(l.records) }

func (l *conflictLog) truncate(n int) { l.records = l.records[:n] }

func (l *conflictLog) reset() { l.records = l.records[:0] }

func (l *conflictLog) emit(logger *slog.Logger) {
	for _, attrs := range l.records {
		logger.Info("Conflict detected", attrs...)
	}
}

func jsonOrNil(data json.RawMessage, deleted bool) *string {
	if deleted || len(data) == 0 {
		return nil
	}
	s := string(data)
	return &s
}

// project mirrors an accepted write into business tables, best effort.
func (s *Service) project(ctx context.Context, tx pgx.Tx, ch syncapi.Change, version int64) {
	p, ok := s.config.Projectors[ch.Table]
	if !ok {
		return
	}
	if _, err := tx.Exec(ctx, "SAVEPOINT projection"); err != nil {
		s.logger.Warn("Business projection skipped", "error", err, "table", ch.Table, "pk", ch.PK)
		return
	}
	deleted := ch.Operation == syncapi.OpDelete
	if err := p.Project(ctx, tx, ch.Table, ch.PK, ch.Snapshot, deleted); err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT projection")
		s.logger.Warn("Business projection failed; sync still applied",
			"error", err, "table", ch.Table, "pk", ch.PK, "sync_version", version)
	}
	_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT projection")
}
