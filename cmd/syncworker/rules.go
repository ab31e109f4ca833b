// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-tablesync/internal/config"
	"github.com/mobiletoly/go-tablesync/syncrules"
	"github.com/mobiletoly/go-tablesync/worker"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect sync rules",
	}
	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a rule file and print the effective rules",
		Long: `Load a rule file the same way serve does and print one line per table
with its phase, category, pull rule, push rule and conflict strategy.
Without an argument RULES_FILE is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRulesCheck,
	}
	cmd.AddCommand(check)
	return cmd
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		files, _ := cmd.Flags().GetStringSlice("env-file")
		if err := config.LoadDotEnv(files...); err != nil {
			return err
		}
		path = config.LoadClient().RulesFile
	}
	rules, err := syncrules.LoadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), describeRules(rules))
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id> <device-id>",
		Short: "Mint a development JWT signed with JWT_SECRET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, _ := cmd.Flags().GetStringSlice("env-file")
			if err := config.LoadDotEnv(files...); err != nil {
				return err
			}
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = config.LoadClient().JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := worker.NewJWTAuth(secret, nil).GenerateToken(args[0], args[1], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Signing secret (overrides JWT_SECRET)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget idempotency records older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkerConfig(cmd)
			if err != nil {
				return err
			}
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				age = cfg.PruneAfter
			}
			if age <= 0 {
				return fmt.Errorf("nothing to do: retention is disabled")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			comps, err := setup(ctx, cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer comps.Close()

			n, err := comps.Service.PruneMutations(ctx, age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d applied mutation(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "Retention (defaults to PRUNE_AFTER)")
	return cmd
}
