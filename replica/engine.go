// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package replica is the client side of table sync: it captures local
// writes to SQLite tables into an outbox, pushes them to a sync worker,
// pulls visible canonical rows back and applies them without echoing them
// into the outbox.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-tablesync/realtime"
	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// Engine manages one local replica and its sync cycles.
type Engine struct {
	db        *sql.DB
	rules     *syncrules.Registry
	transport Transport
	config    *Config
	logger    *slog.Logger
	userID    string
	deviceID  string
	tables    []string // synced tables in registry order
	tableInfo *tableInfoProvider

	// sleep waits between retries; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	cycleMu sync.Mutex // one cycle at a time
	wake    chan struct{}
	online  atomic.Bool
	halted  atomic.Bool

	mu              sync.Mutex
	cancelCycle     context.CancelFunc
	status          Status
	statusObservers []func(Status)
	changeObservers []func(categories []string)
}

// SyncOptions tune a single cycle.
type SyncOptions struct {
	// FullResync pulls every table from scratch and replaces local contents.
	FullResync bool
	// IgnoreChangeLog lists tables whose cursor is bypassed for this cycle,
	// typically after a visibility parameter changed.
	IgnoreChangeLog []string
}

// CycleReport summarizes what a cycle did.
type CycleReport struct {
	Pushed     int // changes acknowledged by the worker
	Rejected   int
	Conflicts  int
	Pulled     int // canonical rows applied locally
	Removed    int // local rows dropped by full-pull replacement
	Backfilled int
	Categories []string
}

// New installs sync bookkeeping and capture triggers into db and returns an
// engine for userID. Every synced table must have a rule in rules.
func New(ctx context.Context, db *sql.DB, rules *syncrules.Registry, transport Transport, userID string, config *Config) (*Engine, error) {
	if db == nil || rules == nil || transport == nil {
		return nil, fmt.Errorf("db, rules and transport are required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	config = config.withDefaults()

	tables := rules.Tables()
	if len(config.Tables) > 0 {
		if err := rules.Require(config.Tables...); err != nil {
			return nil, err
		}
		tables = nil
		for _, t := range rules.Tables() {
			if slices.Contains(config.Tables, t) {
				tables = append(tables, t)
			}
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deviceID, err := ensureState(ctx, db, userID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:        db,
		rules:     rules,
		transport: transport,
		config:    config,
		logger:    logger.With("device_id", deviceID),
		userID:    userID,
		deviceID:  deviceID,
		tables:    tables,
		tableInfo: newTableInfoProvider(),
		sleep:     sleepWithContext,
		wake:      make(chan struct{}, 1),
		status:    Status{State: StateIdle},
	}
	e.online.Store(true)

	for _, table := range tables {
		if err := e.createTriggers(ctx, table); err != nil {
			return nil, err
		}
	}

	// A window left open by a crash is closed with a backfill.
	if n, err := e.ResumeCapture(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover capture state: %w", err)
	} else if n > 0 {
		e.logger.Warn("Recovered writes from an interrupted apply", "count", n)
	}

	e.refreshStatus(ctx)
	return e, nil
}

// DeviceID returns the persisted device id of this replica.
func (e *Engine) DeviceID() string { return e.deviceID }

// UserID returns the user the replica belongs to.
func (e *Engine) UserID() string { return e.userID }

// Tables returns the synced tables.
func (e *Engine) Tables() []string { return slices.Clone(e.tables) }

// Sync runs one push/pull cycle. Concurrent calls are serialized.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (*CycleReport, error) {
	if e.halted.Load() {
		return nil, fmt.Errorf("%w: sync halted until reauthenticated", syncapi.ErrAuth)
	}
	if !e.online.Load() {
		return nil, fmt.Errorf("%w: offline", syncapi.ErrNetwork)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelCycle = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelCycle = nil
		e.mu.Unlock()
		cancel()
	}()

	e.setState(StateSyncing)
	started := time.Now()

	report := &CycleReport{}
	changed := make(map[string]struct{})
	err := e.push(cycleCtx, report, changed)
	if err == nil {
		err = e.pull(cycleCtx, opts, report, changed)
	}

	tables := make([]string, 0, len(changed))
	for t := range changed {
		tables = append(tables, t)
	}
	report.Categories = e.rules.Categories(tables)

	e.finishCycle(context.WithoutCancel(ctx), err)
	e.logger.Info("Sync cycle finished",
		"pushed", report.Pushed, "pulled", report.Pulled, "rejected", report.Rejected,
		"conflicts", report.Conflicts, "backfilled", report.Backfilled,
		"duration", time.Since(started), "error", err)

	if len(report.Categories) > 0 {
		e.notifyChange(report.Categories)
	}
	return report, err
}

// Trigger asks the Run loop for a cycle. Requests made while one is pending
// coalesce into a single follow-up.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// SetOnline records the host's connectivity signal. Going offline cancels
// the cycle in flight; coming back online triggers one.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if !online {
		e.mu.Lock()
		if e.cancelCycle != nil {
			e.cancelCycle()
		}
		e.mu.Unlock()
		return
	}
	if !was {
		e.Trigger()
	}
}

// Reauthenticated lifts the halt caused by an auth failure.
func (e *Engine) Reauthenticated() {
	if e.halted.Swap(false) {
		e.logger.Info("Sync resumed after reauthentication")
		e.update(func(st *Status) {
			st.Halted = false
			st.State = StateIdle
			if st.Failures > 0 {
				st.State = StateError
			}
		})
		e.Trigger()
	}
}

// Halted reports whether an auth failure stopped syncing.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Run drives cycles from the periodic timer, Trigger calls and realtime
// sources until ctx is done.
func (e *Engine) Run(ctx context.Context, sources ...realtime.Source) error {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for _, src := range sources {
		go e.watch(ctx, src)
	}

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
		if !e.online.Load() || e.halted.Load() {
			continue
		}
		if _, err := e.Sync(ctx, SyncOptions{}); err != nil && ctx.Err() == nil {
			e.logger.Warn("Sync cycle failed", "error", err)
		}
	}
}

// watch turns realtime events into wakeups. Events caused by this device
// and events for tables this replica does not sync are ignored.
func (e *Engine) watch(ctx context.Context, src realtime.Source) {
	for ev := range src.Events(ctx) {
		if ev.DeviceID != "" && ev.DeviceID == e.deviceID {
			continue
		}
		if len(ev.Tables) > 0 && !slices.ContainsFunc(ev.Tables, func(t string) bool {
			return slices.Contains(e.tables, t)
		}) {
			continue
		}
		e.Trigger()
	}
}

// backoff returns the delay before retry number attempt (1-based).
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.config.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// callTimeout bounds a single network call.
func (e *Engine) callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.RequestTimeout)
}

// retry runs call with exponential backoff while it fails with a retryable
// error, up to MaxAttempts calls. onFailure, when set, runs after every
// retryable failure and may stop the loop by returning an error.
func (e *Engine) retry(ctx context.Context, op string, call func(ctx context.Context) error, onFailure func(err error) error) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := e.callTimeout(ctx)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !syncapi.IsRetryable(err) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s timed out: %v", syncapi.ErrNetwork, op, err)
		}
		if onFailure != nil {
			if ferr := onFailure(err); ferr != nil {
				return ferr
			}
		}
		if attempt >= e.config.MaxAttempts {
			return err
		}
		delay := e.backoff(attempt)
		e.logger.Warn("Retrying after transient failure", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
