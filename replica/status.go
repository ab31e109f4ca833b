// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

// State is the user-visible sync state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Status is a snapshot of the engine state for UIs.
type Status struct {
	State    State
	Failures int // entries failed or waiting on a conflict decision
	Pending  int // entries still queued for push
	Halted   bool
	LastSync time.Time
	LastErr  error
}

func (s Status) String() string {
	if s.State == StateError {
		return fmt.Sprintf("error(%d)", s.Failures)
	}
	return string(s.State)
}

// OnStatus registers an observer called on every status change.
func (e *Engine) OnStatus(fn func(Status)) {
	e.mu.Lock()
	e.statusObservers = append(e.statusObservers, fn)
	e.mu.Unlock()
}

// OnChange registers an observer called after a cycle with the categories
// of tables that had rows applied or acknowledged.
func (e *Engine) OnChange(fn func(categories []string)) {
	e.mu.Lock()
	e.changeObservers = append(e.changeObservers, fn)
	e.mu.Unlock()
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// PendingCount counts queued entries.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_outbox WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (e *Engine) countOutbox(ctx context.Context) (pending, failures int, err error) {
	err = e.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed','conflict') THEN 1 ELSE 0 END), 0)
		FROM _sync_outbox`).Scan(&pending, &failures)
	return pending, failures, err
}

func (e *Engine) setState(s State) {
	e.update(func(st *Status) { st.State = s })
}

// finishCycle settles the state after a cycle. Transient errors inside the
// retry budget leave the engine idle; they are not shown as failures.
func (e *Engine) finishCycle(ctx context.Context, cycleErr error) {
	pending, failures, err := e.countOutbox(ctx)
	if err != nil {
		e.logger.Error("Failed to count outbox", "error", err)
	}
	if errors.Is(cycleErr, syncapi.ErrAuth) {
		e.halted.Store(true)
		e.logger.Warn("Sync halted until reauthenticated", "error", cycleErr)
	}
	e.update(func(st *Status) {
		st.Pending = pending
		st.Failures = failures
		st.Halted = e.halted.Load()
		st.LastErr = cycleErr
		switch {
		case st.Halted:
			st.State = StateError
		case failures > 0:
			st.State = StateError
		case cycleErr == nil:
			st.State = StateSynced
			st.LastSync = time.Now()
		case syncapi.IsRetryable(cycleErr) || errors.Is(cycleErr, context.Canceled):
			st.State = StateIdle
		default:
			st.State = StateError
		}
	})
}

// refreshStatus recomputes counters after out-of-cycle outbox changes.
func (e *Engine) refreshStatus(ctx context.Context) {
	pending, failures, err := e.countOutbox(ctx)
	if err != nil {
		e.logger.Error("Failed to count outbox", "error", err)
		return
	}
	e.update(func(st *Status) {
		st.Pending = pending
		st.Failures = failures
		if st.State == StateSyncing {
			return
		}
		switch {
		case failures > 0 || st.Halted:
			st.State = StateError
		case st.State == StateError:
			st.State = StateIdle
		}
	})
}

func (e *Engine) update(fn func(*Status)) {
	e.mu.Lock()
	before := e.status
	fn(&e.status)
	after := e.status
	observers := append([]func(Status){}, e.statusObservers...)
	e.mu.Unlock()

	if before.State == after.State && before.Pending == after.Pending &&
		before.Failures == after.Failures && before.Halted == after.Halted {
		return
	}
	for _, fn := range observers {
		fn(after)
	}
}

func (e *Engine) notifyChange(categories []string) {
	e.mu.Lock()
	observers := append([]func([]string){}, e.changeObservers...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(append([]string(nil), categories...))
	}
}
