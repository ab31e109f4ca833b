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
		Use:   "syncworker",
		Short: "Table sync worker",
		Long: `syncworker keeps the canonical copy of every synced table in Postgres.
Devices push captured changes and pull the rows their rules let them see.

Settings come from the environment (DATABASE_URL, JWT_SECRET, REDIS_URL,
RULES_FILE, LISTEN_ADDR, ...), optionally seeded from a .env file.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSlice("env-file", nil, "Load variables from these files (default .env)")

	root.AddCommand(serveCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(pruneCmd())
	return root
}
