// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-tablesync/internal/config"
	"github.com/mobiletoly/go-tablesync/replica"
	"github.com/mobiletoly/go-tablesync/syncrules"
	"github.com/mobiletoly/go-tablesync/worker"
)

// settings merges flags over the environment.
type settings struct {
	config.Client
	Params  map[string]string
	Verbose bool
}

func loadSettings(cmd *cobra.Command) (*settings, error) {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadDotEnv(files...); err != nil {
		return nil, err
	}
	s := &settings{Client: *config.LoadClient()}
	override := func(flag string, dst *string) {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}
	override("db", &s.DBPath)
	override("server", &s.ServerURL)
	override("rules", &s.RulesFile)
	override("user", &s.UserID)
	override("token", &s.Token)
	if tables, _ := cmd.Flags().GetStringSlice("tables"); len(tables) > 0 {
		s.Tables = tables
	}
	s.Params, _ = cmd.Flags().GetStringToString("param")
	s.Verbose, _ = cmd.Flags().GetBool("verbose")

	if s.UserID == "" {
		return nil, fmt.Errorf("user id is required (--user or TABLESYNC_USER)")
	}
	return s, nil
}

// openDB opens the replica file the way the engine expects: WAL, a busy
// timeout and a single connection.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	return db, nil
}

type session struct {
	db     *sql.DB
	engine *replica.Engine
	s      *settings
}

func (s *session) Close() { _ = s.db.Close() }

// tokenSource returns the static token when one is configured; otherwise
// it mints short-lived tokens for this replica's device from JWT_SECRET.
func (s *session) tokenSource(ctx context.Context) (string, error) {
	if s.s.Token != "" {
		return s.s.Token, nil
	}
	if s.s.JWTSecret == "" {
		return "", fmt.Errorf("no token: set --token, TABLESYNC_TOKEN or JWT_SECRET")
	}
	return worker.NewJWTAuth(s.s.JWTSecret, nil).GenerateToken(s.s.UserID, s.engine.DeviceID(), time.Hour)
}

// openSession opens the replica and its engine. Opening installs capture
// triggers, so the synced tables must exist.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	st, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	return openSessionWith(ctx, st, cmd.ErrOrStderr())
}

func openSessionWith(ctx context.Context, st *settings, logOut io.Writer) (*session, error) {
	rules, err := syncrules.LoadFile(st.RulesFile)
	if err != nil {
		return nil, err
	}
	db, err := openDB(st.DBPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if st.Verbose {
		level = slog.LevelDebug
	}
	if logOut == nil {
		logOut = os.Stderr
	}

	sess := &session{db: db, s: st}
	cfg := replica.DefaultConfig()
	cfg.Tables = st.Tables
	cfg.Logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	if len(st.Params) > 0 {
		params := make(map[string]any, len(st.Params))
		for k, v := range st.Params {
			params[k] = v
		}
		cfg.Params = func(context.Context, *sql.DB) (map[string]any, error) { return params, nil }
	}

	sess.engine, err = replica.New(ctx, db, rules, replica.NewHTTPTransport(st.ServerURL, sess.tokenSource), st.UserID, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sess, nil
}
