// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/mobiletoly/go-tablesync/replica"
)

type tableCursor struct {
	Table  string
	At     time.Time
	Pulled bool
}

func stateColor(s replica.State) *color.Color {
	switch s {
	case replica.StateSynced:
		return color.New(color.FgHiGreen)
	case replica.StateSyncing:
		return color.New(color.FgCyan)
	case replica.StateError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printStatus(w io.Writer, s replica.Status, cursors []tableCursor) {
	fmt.Fprintf(w, "status:   %s\n", stateColor(s.State).Sprint(s.String()))
	if s.Halted {
		fmt.Fprintf(w, "          %s\n", color.New(color.FgYellow).Sprint("halted: token rejected, reauthenticate"))
	}
	fmt.Fprintf(w, "pending:  %d\n", s.Pending)
	if s.Failures > 0 {
		fmt.Fprintf(w, "failures: %s\n", color.New(color.FgRed).Sprintf("%d (see syncctl failures)", s.Failures))
	} else {
		fmt.Fprintf(w, "failures: 0\n")
	}
	if !s.LastSync.IsZero() {
		fmt.Fprintf(w, "last:     %s\n", s.LastSync.Local().Format(time.DateTime))
	}
	if s.LastErr != nil {
		fmt.Fprintf(w, "error:    %s\n", color.New(color.FgRed).Sprint(s.LastErr))
	}

	if len(cursors) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, c := range cursors {
		at := color.New(color.FgHiBlack).Sprint("never pulled")
		if c.Pulled {
			at = c.At.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %-24s %s\n", c.Table, at)
	}
}

func printFailures(w io.Writer, failures []replica.Failure) {
	if len(failures) == 0 {
		fmt.Fprintln(w, color.New(color.FgHiGreen).Sprint("no failures"))
		return
	}
	for _, f := range failures {
		tag := color.New(color.FgRed).Sprintf("[%s]", f.Status)
		if f.Status == "conflict" {
			tag = color.New(color.FgYellow).Sprintf("[%s]", f.Status)
		}
		fmt.Fprintf(w, "%-5d %s %s %s(%s) attempts=%d\n", f.ID, tag, f.Operation, f.Table, f.PK, f.Attempts)
		if f.Reason != "" {
			fmt.Fprintf(w, "      %s\n", color.New(color.FgHiBlack).Sprint(f.Reason))
		}
	}
}

func printReport(w io.Writer, r *replica.CycleReport) {
	fmt.Fprintf(w, "pushed %d, pulled %d", r.Pushed, r.Pulled)
	if r.Removed > 0 {
		fmt.Fprintf(w, ", removed %d", r.Removed)
	}
	if r.Backfilled > 0 {
		fmt.Fprintf(w, ", backfilled %d", r.Backfilled)
	}
	if r.Conflicts > 0 {
		fmt.Fprint(w, ", ", color.New(color.FgYellow).Sprintf("%d conflict(s)", r.Conflicts))
	}
	if r.Rejected > 0 {
		fmt.Fprint(w, ", ", color.New(color.FgRed).Sprintf("%d rejected", r.Rejected))
	}
	fmt.Fprintln(w)
	if len(r.Categories) > 0 {
		fmt.Fprintf(w, "changed: %v\n", r.Categories)
	}
}
