// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-tablesync/realtime"
	"github.com/mobiletoly/go-tablesync/replica"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the replica and install change capture",
		Long: `Create the replica database (when missing), run an optional schema file
for the application tables, then install the sync bookkeeping tables and
capture triggers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
				if err := applySchema(st.DBPath, schema); err != nil {
					return err
				}
			}
			sess, err := openSessionWith(cmd.Context(), st, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()

			pending, err := sess.engine.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replica %s ready: device %s, %d table(s), %d pending\n",
				st.DBPath, sess.engine.DeviceID(), len(sess.engine.Tables()), pending)
			return nil
		},
	}
	cmd.Flags().String("schema", "", "SQL file creating the application tables")
	return cmd
}

func applySchema(dbPath, schemaPath string) error {
	ddl, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.Exec(string(ddl)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle (or keep syncing with --watch)",
		Long: `Push captured changes, then pull the rows this user may see.

  syncctl sync                        # one incremental cycle
  syncctl sync --full                 # re-download everything, drop unseen rows
  syncctl sync --ignore-changelog item,genre
  syncctl sync --watch                # follow the worker's event stream`,
		RunE: runSync,
	}
	cmd.Flags().Bool("full", false, "Full resync of every table")
	cmd.Flags().StringSlice("ignore-changelog", nil, "Tables to re-download in full")
	cmd.Flags().Bool("watch", false, "Keep running, syncing on worker events and every --interval")
	cmd.Flags().Duration("interval", 5*time.Minute, "Periodic sync interval with --watch")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	full, _ := cmd.Flags().GetBool("full")
	ignore, _ := cmd.Flags().GetStringSlice("ignore-changelog")
	report, err := sess.engine.Sync(ctx, replica.SyncOptions{FullResync: full, IgnoreChangeLog: ignore})
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		printStatus(cmd.OutOrStdout(), sess.engine.Status(), nil)
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return watchLoop(cmd, sess)
	}
	return nil
}

func watchLoop(cmd *cobra.Command, sess *session) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	sess.engine.OnStatus(func(s replica.Status) {
		if s.State != replica.StateSyncing {
			printStatus(out, s, nil)
		}
	})
	sess.engine.OnChange(func(categories []string) {
		fmt.Fprintf(out, "changed: %v\n", categories)
	})

	interval, _ := cmd.Flags().GetDuration("interval")
	events := &realtime.SSESource{URL: sess.s.ServerURL + "/sync/events", Token: sess.tokenSource}
	ticker := realtime.Ticker{Interval: interval}
	fmt.Fprintln(out, "watching for changes, Ctrl-C to stop")
	return sess.engine.Run(ctx, events, ticker)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, queue size and cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			cursors := make([]tableCursor, 0, len(sess.engine.Tables()))
			for _, table := range sess.engine.Tables() {
				at, ok, err := sess.engine.Cursor(ctx, table)
				if err != nil {
					return err
				}
				cursors = append(cursors, tableCursor{Table: table, At: at, Pulled: ok})
			}
			printStatus(cmd.OutOrStdout(), sess.engine.Status(), cursors)
			return nil
		},
	}
}

func failuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "List queued changes that need attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			failures, err := sess.engine.Failures(cmd.Context())
			if err != nil {
				return err
			}
			printFailures(cmd.OutOrStdout(), failures)
			return nil
		},
	}
}

func dismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <id>...",
		Short: "Abandon failed changes; the next pull restores canonical rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if all, _ := cmd.Flags().GetBool("all"); all {
				failures, err := sess.engine.Failures(cmd.Context())
				if err != nil {
					return err
				}
				for _, f := range failures {
					ids = append(ids, f.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("nothing to dismiss: pass ids or --all")
			}
			n, err := sess.engine.Dismiss(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dismissed %d change(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Dismiss every failure")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed changes with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			n, err := sess.engine.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d change(s)\n", n)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle a manual conflict",
		Long: `Settle a conflict left by a table with the manual strategy.

  syncctl resolve 12 --keep local    # push the local row again on top of the remote version
  syncctl resolve 12 --keep remote   # take the worker's row and drop the local edit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetString("keep")
			if keep != "local" && keep != "remote" {
				return fmt.Errorf("--keep must be local or remote")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			sess, err := openSession(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.ResolveConflict(cmd.Context(), id, keep == "local"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conflict %d resolved, kept %s\n", id, keep)
			return nil
		},
	}
	cmd.Flags().String("keep", "", "Which side wins: local or remote")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the bearer token this replica sends (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			sess, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			token, err := sess.tokenSource(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
