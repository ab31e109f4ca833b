// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-tablesync/conflict"
	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// push sends one batch per table, metadata tables first. When a table had
// more pending entries than the batch size a follow-up cycle is requested.
func (e *Engine) push(ctx context.Context, report *CycleReport, changed map[string]struct{}) error {
	order := append(e.rules.TablesInPhase(syncrules.PhaseMetadata, e.tables...),
		e.rules.TablesInPhase(syncrules.PhaseCatalog, e.tables...)...)

	followUp := false
	for _, table := range order {
		entries, more, err := e.loadBatch(ctx, table, e.config.PushBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		followUp = followUp || more

		groups, err := e.prepareGroups(ctx, table, entries, report)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			continue
		}
		if err := e.pushTable(ctx, table, groups, report, changed); err != nil {
			return err
		}
	}
	if followUp {
		e.Trigger()
	}
	return nil
}

// prepareGroups coalesces entries, drops local-only groups and renders the
// wire changes. Groups whose snapshot cannot be encoded are failed on the
// spot so they do not block the batch.
func (e *Engine) prepareGroups(ctx context.Context, table string, entries []outboxEntry, report *CycleReport) ([]*changeGroup, error) {
	groups := coalesce(entries)
	if err := e.loadBaseVersions(ctx, groups); err != nil {
		return nil, err
	}
	info, err := e.tableInfo.get(ctx, e.db, table)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dispatch tx: %w", err)
	}
	defer tx.Rollback()

	var out []*changeGroup
	for _, g := range groups {
		if g.localOnly() {
			if err := dropLocalOnlyInTx(ctx, tx, g); err != nil {
				return nil, err
			}
			e.logger.Debug("Dropped local-only row", "table", table, "pk", g.pk)
			continue
		}
		wire, err := g.change(info)
		if err != nil {
			if err := markGroupInTx(ctx, tx, g, statusFailed, syncapi.ReasonBadPayload+": "+err.Error(), nil, 0); err != nil {
				return nil, err
			}
			report.Rejected++
			continue
		}
		g.wire = wire
		out = append(out, g)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dispatch tx: %w", err)
	}
	return out, nil
}

// pushTable sends groups, halving the chunk whenever the worker reports the
// batch as too large.
func (e *Engine) pushTable(ctx context.Context, table string, groups []*changeGroup, report *CycleReport, changed map[string]struct{}) error {
	chunkSize := len(groups)
	for start := 0; start < len(groups); {
		if chunkSize > len(groups)-start {
			chunkSize = len(groups) - start
		}
		chunk := groups[start : start+chunkSize]

		resp, sent, err := e.sendWithRetry(ctx, table, chunk)
		tooLarge := errors.Is(err, syncapi.ErrCapacity) ||
			(err == nil && !resp.Accepted && containsBatchTooLarge(resp))
		if tooLarge {
			if chunkSize > 1 {
				newSize := max(chunkSize/2, 1)
				e.logger.Warn("Worker rejected batch as too large; reducing chunk size",
					"table", table, "from", chunkSize, "to", newSize, "pending", len(groups)-start)
				chunkSize = newSize
				continue
			}
			if err := e.failGroups(ctx, chunk, syncapi.ReasonBatchTooLarge, report); err != nil {
				return err
			}
			start += chunkSize
			continue
		}

		switch {
		case err == nil:
			if err := e.applyResults(ctx, table, sent, resp, report, changed); err != nil {
				return err
			}
		case errors.Is(err, syncapi.ErrValidation):
			// The worker refused the request as a whole.
			if err := e.failGroups(ctx, sent, err.Error(), report); err != nil {
				return err
			}
		default:
			return err
		}
		start += chunkSize
	}
	return nil
}

// sendWithRetry pushes groups, retrying transient failures with backoff.
// Attempts are persisted per entry; groups that exhaust their budget are
// failed and left out of later tries. sent is the set actually answered.
func (e *Engine) sendWithRetry(ctx context.Context, table string, groups []*changeGroup) (*syncapi.PushResponse, []*changeGroup, error) {
	sent := groups
	var resp *syncapi.PushResponse
	err := e.retry(ctx, "push "+table, func(ctx context.Context) error {
		req := &syncapi.PushRequest{UserID: e.userID, Changes: make([]syncapi.Change, len(sent))}
		for i, g := range sent {
			req.Changes[i] = g.wire
		}
		r, err := e.transport.Push(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(cause error) error {
		remaining, err := e.recordAttempt(context.WithoutCancel(ctx), sent, cause)
		if err != nil {
			return err
		}
		sent = remaining
		if len(sent) == 0 {
			return fmt.Errorf("%w: retry budget exhausted for %s: %v", syncapi.ErrNetwork, table, cause)
		}
		return nil
	})
	if err != nil {
		return nil, sent, err
	}
	return resp, sent, nil
}

func containsBatchTooLarge(resp *syncapi.PushResponse) bool {
	for _, r := range resp.Results {
		if r.Outcome == syncapi.OutcomeRejected && r.Reason == syncapi.ReasonBatchTooLarge {
			return true
		}
	}
	return false
}

func (e *Engine) failGroups(ctx context.Context, groups []*changeGroup, reason string, report *CycleReport) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, g := range groups {
		if err := markGroupInTx(ctx, tx, g, statusFailed, reason, nil, 0); err != nil {
			return err
		}
		report.Rejected++
	}
	return tx.Commit()
}

// applyResults records per-change outcomes. Changes without a result stay
// pending for the next cycle.
func (e *Engine) applyResults(ctx context.Context, table string, groups []*changeGroup, resp *syncapi.PushResponse, report *CycleReport, changed map[string]struct{}) error {
	byMutation := make(map[string]*changeGroup, len(groups))
	for _, g := range groups {
		byMutation[g.wire.MutationID] = g
	}

	type remoteWin struct {
		group  *changeGroup
		result syncapi.Result
	}
	var remoteWins []remoteWin

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range resp.Results {
		g, ok := byMutation[r.MutationID]
		if !ok {
			e.logger.Warn("Push result for unknown mutation", "table", table, "mutation_id", r.MutationID)
			continue
		}
		switch r.Outcome {
		case syncapi.OutcomeAccepted:
			if err := ackGroupInTx(ctx, tx, g, r.NewVersion); err != nil {
				return err
			}
			report.Pushed++
			changed[table] = struct{}{}
		case syncapi.OutcomeResolved:
			if err := ackGroupInTx(ctx, tx, g, r.NewVersion); err != nil {
				return err
			}
			report.Pushed++
			changed[table] = struct{}{}
			if r.Winner == conflict.Remote.String() {
				remoteWins = append(remoteWins, remoteWin{g, r})
			}
		case syncapi.OutcomeRejected:
			reason := r.Reason
			if r.Message != "" {
				reason += ": " + r.Message
			}
			if err := markGroupInTx(ctx, tx, g, statusFailed, reason, nil, 0); err != nil {
				return err
			}
			report.Rejected++
			e.logger.Warn("Change rejected", "table", table, "pk", g.pk, "reason", reason)
		case syncapi.OutcomeUnresolved:
			if err := markGroupInTx(ctx, tx, g, statusConflict, "unresolved conflict", r.ResolvedSnapshot, r.NewVersion); err != nil {
				return err
			}
			report.Conflicts++
		default:
			e.logger.Warn("Unknown push outcome", "table", table, "outcome", r.Outcome)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack tx: %w", err)
	}

	if len(remoteWins) == 0 {
		return nil
	}

	// The canonical store kept its own version: bring the local row in line
	// unless a newer local edit is already queued behind it.
	n, err := e.withSuppressed(ctx, func(ctx context.Context) error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		info, err := e.tableInfo.get(ctx, tx, table)
		if err != nil {
			return err
		}
		for _, w := range remoteWins {
			var queued int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM _sync_outbox WHERE table_name = ? AND pk = ?`, table, w.group.pk).Scan(&queued); err != nil {
				return err
			}
			if queued > 0 {
				continue
			}
			row := syncapi.Row{
				PK:             w.group.pk,
				Data:           w.result.ResolvedSnapshot,
				SyncVersion:    w.result.NewVersion,
				LastModifiedAt: time.Now().UTC(),
				Deleted:        w.result.ResolvedDeleted,
			}
			if err := e.writeRemoteRowInTx(ctx, tx, info, row); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	report.Backfilled += n
	return err
}
