// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// isIntegrityError reports constraint violations (class 23) that reject one
// change without aborting the batch.
func isIntegrityError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.SQLState()) == 5 && pgErr.SQLState()[:2] == "23"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRepeatableRead runs fn in a REPEATABLE READ transaction, starting over
// on serialization failures and deadlocks. fn must be safe to re-run.
func (s *Service) withRepeatableRead(ctx context.Context, fn func(tx pgx.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}
	var err error
	for attempt := 0; ; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, opts, fn)
		if err == nil || !isRetryablePGTxError(err) || attempt >= s.config.TxRetries {
			return err
		}
		s.logger.Debug("Retrying sync transaction", "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, s.config.TxBackoff*time.Duration(attempt+1)); serr != nil {
			return serr
		}
	}
}
