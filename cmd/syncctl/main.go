// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Drive a local SQLite replica against a sync worker",
		Long: `syncctl opens a local SQLite replica, captures writes made to its synced
tables and exchanges them with a sync worker.

Flags fall back to the environment: TABLESYNC_DB, TABLESYNC_URL,
TABLESYNC_USER, TABLESYNC_TOKEN (or JWT_SECRET to mint one), RULES_FILE
and TABLESYNC_TABLES.`,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.String("db", "", "Replica database file")
	f.String("server", "", "Worker base URL")
	f.String("rules", "", "Rule file shared with the worker")
	f.String("user", "", "User id the replica belongs to")
	f.String("token", "", "Bearer token")
	f.StringSlice("tables", nil, "Sync only these tables")
	f.StringToString("param", nil, "Pull parameter for server-computed rules (key=value)")
	f.StringSlice("env-file", nil, "Load variables from these files (default .env)")
	f.BoolP("verbose", "v", false, "Log engine activity to stderr")

	root.AddCommand(initCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(failuresCmd())
	root.AddCommand(dismissCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(tokenCmd())
	return root
}
