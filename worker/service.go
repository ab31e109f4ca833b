// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package worker is the server side of table sync: it keeps canonical rows in
// Postgres, accepts pushed changes, resolves conflicts, answers pulls through
// the visibility rules and announces committed changes to realtime listeners.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-tablesync/realtime"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

var (
	// ErrBadPayload marks a malformed request; answered with 400.
	ErrBadPayload = errors.New("bad_payload")
	// ErrUnregisteredTable marks a table without rules; answered with 400.
	ErrUnregisteredTable = errors.New("unregistered_table")
	// ErrForbidden marks a request made on behalf of another user; answered with 403.
	ErrForbidden = errors.New("forbidden")
	ErrServiceClosed     = errors.New("service is closed")
)

// Projector mirrors accepted canonical writes into business tables. It runs
// inside the push transaction under its own savepoint; a failure is logged
// and never rejects the change.
type Projector interface {
	Project(ctx context.Context, tx pgx.Tx, table, pk string, payload json.RawMessage, deleted bool) error
}

// ServiceConfig holds worker limits and hooks.
type ServiceConfig struct {
	AppName string
	// MaxPushBatch refuses larger pushes as batch_too_large; 0 disables the limit.
	MaxPushBatch     int
	DefaultPullLimit int
	MaxPullLimit     int
	// PullConcurrency bounds tables queried in parallel per pull.
	PullConcurrency int
	// TxRetries is how many times a push transaction is retried after a
	// serialization failure or deadlock.
	TxRetries int
	TxBackoff time.Duration
	// LockTimeout bounds row lock waits in a push transaction; a timeout is
	// retried like a serialization failure. 0 leaves the server setting.
	LockTimeout time.Duration
	// Projectors by table name.
	Projectors map[string]Projector
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:          "go-tablesync",
		MaxPushBatch:     500,
		DefaultPullLimit: 500,
		MaxPullLimit:     1000,
		PullConcurrency:  4,
		TxRetries:        3,
		TxBackoff:        25 * time.Millisecond,
		LockTimeout:      3 * time.Second,
	}
}

// Service processes push and pull requests against the canonical store.
type Service struct {
	pool      *pgxpool.Pool
	rules     *syncrules.Registry
	publisher realtime.Publisher
	config    *ServiceConfig
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewService bootstraps the sync schema and returns a ready service. A nil
// publisher disables change announcements.
func NewService(ctx context.Context, pool *pgxpool.Pool, rules *syncrules.Registry, publisher realtime.Publisher, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("rules are required")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}
	for table := range config.Projectors {
		if !rules.Has(table) {
			return nil, fmt.Errorf("%w: projector for %s", ErrUnregisteredTable, table)
		}
	}

	s := &Service{
		pool:      pool,
		rules:     rules,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	logger.Info("Sync worker initialized", "app", config.AppName, "tables", rules.Tables())
	return s, nil
}

// Rules returns the registry the service enforces.
func (s *Service) Rules() *syncrules.Registry {
	return s.rules
}

// Close stops accepting requests. The pool is owned by the caller.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// PruneMutations forgets idempotency records older than age and returns how
// many were removed. A replay older than that is applied again.
func (s *Service) PruneMutations(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sync.applied_mutations WHERE applied_at < now() - make_interval(secs => $1)`,
		age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune applied mutations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) publish(ctx context.Context, deviceID string, tables []string) {
	if len(tables) == 0 {
		return
	}
	ev := realtime.Event{Tables: tables, DeviceID: deviceID, At: time.Now().UTC()}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish change event", "error", err, "tables", tables)
	}
}
