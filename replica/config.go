// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// ParamsFunc supplies serverComputed parameters (other than userId) for a
// pull. It runs after the metadata phase has committed, so it may read
// freshly pulled metadata from db.
type ParamsFunc func(ctx context.Context, db *sql.DB) (map[string]any, error)

// Config holds configuration for the replica engine.
type Config struct {
	// Tables restricts syncing to a subset of the registry; empty means all.
	Tables []string

	PushBatchSize  int           // entries read per table per cycle, 100
	PullPageSize   int           // rows requested per table page, 1000
	BackoffMin     time.Duration // 1s
	BackoffMax     time.Duration // 60s
	MaxAttempts    int           // per entry before it is flagged failed, 5
	RequestTimeout time.Duration // per network call, 30s
	SyncInterval   time.Duration // periodic cycle in Run, 5m

	Params ParamsFunc
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with the standard limits.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize:  100,
		PullPageSize:   1000,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		MaxAttempts:    5,
		RequestTimeout: 30 * time.Second,
		SyncInterval:   5 * time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PushBatchSize <= 0 {
		out.PushBatchSize = d.PushBatchSize
	}
	if out.PullPageSize <= 0 {
		out.PullPageSize = d.PullPageSize
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = d.BackoffMin
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = d.BackoffMax
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = d.MaxAttempts
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = d.RequestTimeout
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = d.SyncInterval
	}
	return &out
}
