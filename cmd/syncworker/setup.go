// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-tablesync/internal/config"
	"github.com/mobiletoly/go-tablesync/realtime"
	"github.com/mobiletoly/go-tablesync/syncrules"
	"github.com/mobiletoly/go-tablesync/worker"
)

// components is everything serve needs, built from the environment.
type components struct {
	Pool    *pgxpool.Pool
	Service *worker.Service
	Hub     *realtime.Hub
	JWTAuth *worker.JWTAuth
	Handler http.Handler
	Logger  *slog.Logger

	redis  *redis.Client
	cancel context.CancelFunc
}

func (c *components) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Service != nil {
		c.Service.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func loadWorkerConfig(cmd *cobra.Command) (*config.Worker, error) {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadDotEnv(files...); err != nil {
		return nil, err
	}
	return config.LoadWorker()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// setup connects the store, the realtime fan-out and the HTTP surface.
// With REDIS_URL set, events go through Redis so every worker instance
// streams every change to its own SSE clients.
func setup(ctx context.Context, cfg *config.Worker, logger *slog.Logger) (*components, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &components{Logger: logger, cancel: cancel}

	rules, err := syncrules.LoadFile(cfg.RulesFile)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Pool, err = worker.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName, cfg.MaxConns)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Hub = realtime.NewHub(logger)
	var publisher realtime.Publisher = c.Hub
	if cfg.RedisURL != "" {
		c.redis, err = realtime.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		publisher = realtime.NewRedisPublisher(c.redis, cfg.RedisChannel)
		go c.Hub.Follow(ctx, &realtime.RedisSource{Client: c.redis, Channel: cfg.RedisChannel, Logger: logger})
	}

	svcCfg := worker.DefaultServiceConfig()
	svcCfg.AppName = cfg.AppName
	svcCfg.LockTimeout = cfg.LockTimeout
	c.Service, err = worker.NewService(ctx, c.Pool, rules, publisher, svcCfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.JWTAuth = worker.NewJWTAuth(cfg.JWTSecret, logger)
	router := worker.NewRouter(worker.NewHTTPHandlers(c.Service, logger), c.JWTAuth, c.Hub.ServeSSE)
	c.Handler = requestLogger(logger, router)
	return c, nil
}

// requestLogger writes one line per request. Event streams are logged when
// they end.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/health" {
			return
		}
		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
		)
	})
}

func describeRules(rules *syncrules.Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-12s %-40s %-28s %s\n", "TABLE", "PHASE", "CATEGORY", "PULL", "PUSH", "CONFLICT")
	for _, s := range rules.Describe() {
		category := s.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(&b, "%-20s %-10s %-12s %-40s %-28s %s\n", s.Table, s.Phase, category, s.Pull, s.Push, s.Conflict)
	}
	return b.String()
}
