// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-tablesync/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync worker HTTP server",
		Long: `Serve the sync protocol:

  GET  /health        liveness
  POST /sync/push     apply a batch of captured changes
  POST /sync/pull     read visible rows after a cursor
  GET  /sync/events   server-sent change hints`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides LISTEN_ADDR)")
	cmd.Flags().String("rules", "", "Rule file (overrides RULES_FILE)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkerConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if rules, _ := cmd.Flags().GetString("rules"); rules != "" {
		cfg.RulesFile = rules
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("Server setup failed", "error", err)
		return err
	}
	defer comps.Close()

	if cfg.PruneAfter > 0 {
		go pruneLoop(ctx, comps.Service, cfg.PruneAfter, logger)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           comps.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open event streams let go on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sync worker listening", "addr", cfg.ListenAddr, "rules", cfg.RulesFile, "redis", cfg.RedisURL != "")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	comps.Service.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", "error", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// pruneLoop forgets old idempotency records once an hour.
func pruneLoop(ctx context.Context, svc *worker.Service, age time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := svc.PruneMutations(ctx, age)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("Pruning applied mutations failed", "error", err)
		case n > 0:
			logger.Info("Pruned applied mutations", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
