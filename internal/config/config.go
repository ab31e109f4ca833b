// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config reads binary settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Worker configures cmd/syncworker.
type Worker struct {
	ListenAddr   string
	DatabaseURL  string
	RedisURL     string // empty keeps realtime events in-process
	RedisChannel string
	JWTSecret    string
	JWTExpiry    time.Duration
	RulesFile    string
	AppName      string
	MaxConns     int32
	PruneAfter   time.Duration // applied-mutation retention, 0 disables pruning
	LockTimeout  time.Duration // row lock wait bound for push transactions
	LogLevel     string
}

// Client configures cmd/syncctl.
type Client struct {
	ServerURL string
	DBPath    string
	RulesFile string
	UserID    string
	Token     string // static bearer token; when empty one is minted from JWTSecret
	JWTSecret string
	Tables    []string
}

// LoadDotEnv loads the given files (".env" when none are named) without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadWorker reads the worker settings.
func LoadWorker() (*Worker, error) {
	expiry, err := time.ParseDuration(getEnv("JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}
	prune, err := time.ParseDuration(getEnv("PRUNE_AFTER", "720h"))
	if err != nil {
		return nil, errors.New("invalid PRUNE_AFTER format")
	}
	lockTimeout, err := time.ParseDuration(getEnv("LOCK_TIMEOUT", "3s"))
	if err != nil || lockTimeout < 0 {
		return nil, errors.New("invalid LOCK_TIMEOUT format")
	}
	maxConns, err := strconv.ParseInt(getEnv("DB_MAX_CONNS", "10"), 10, 32)
	if err != nil || maxConns <= 0 {
		return nil, errors.New("invalid DB_MAX_CONNS")
	}

	cfg := &Worker{
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		RedisChannel: getEnv("REDIS_CHANNEL", "tablesync:changes"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTExpiry:    expiry,
		RulesFile:    getEnv("RULES_FILE", "rules.yaml"),
		AppName:      getEnv("APP_NAME", "tablesync-worker"),
		MaxConns:     int32(maxConns),
		PruneAfter:   prune,
		LockTimeout:  lockTimeout,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

// LoadClient reads the syncctl settings. Nothing is required here; each
// command checks what it needs.
func LoadClient() *Client {
	return &Client{
		ServerURL: getEnv("TABLESYNC_URL", "http://localhost:8080"),
		DBPath:    getEnv("TABLESYNC_DB", "replica.db"),
		RulesFile: getEnv("RULES_FILE", "rules.yaml"),
		UserID:    os.Getenv("TABLESYNC_USER"),
		Token:     os.Getenv("TABLESYNC_TOKEN"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Tables:    splitList(os.Getenv("TABLESYNC_TABLES")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
