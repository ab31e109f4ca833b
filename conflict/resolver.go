// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package conflict decides the winner between a local and a remote version of
// the same row. Resolution is a pure function of its inputs: it never reads
// the clock and never touches storage.
package conflict

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Winner identifies which side of a conflict is kept.
type Winner int

const (
	Remote Winner = iota
	Local
)

func (w Winner) String() string {
	if w == Local {
		return "local"
	}
	return "remote"
}

// DefaultTieWinner breaks last-write-wins ties when both versions carry the
// same modification time. The canonical store is authoritative on ties.
const DefaultTieWinner = Remote

// Strategy names a resolution policy.
type Strategy string

const (
	LastWriteWins Strategy = "lww"
	LocalWins     Strategy = "local-wins"
	RemoteWins    Strategy = "remote-wins"
	Manual        Strategy = "manual"
)

// ParseStrategy accepts the textual strategy names used in rule files.
// An empty string selects LastWriteWins.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", LastWriteWins:
		return LastWriteWins, nil
	case LocalWins:
		return LocalWins, nil
	case RemoteWins:
		return RemoteWins, nil
	case Manual:
		return Manual, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Policy is a strategy plus the tie-break it applies.
type Policy struct {
	Strategy  Strategy
	TieWinner Winner
}

// DefaultPolicy is last-write-wins with DefaultTieWinner.
func DefaultPolicy() Policy {
	return Policy{Strategy: LastWriteWins, TieWinner: DefaultTieWinner}
}

// PolicyFor returns the policy for s using DefaultTieWinner.
func PolicyFor(s Strategy) Policy {
	return Policy{Strategy: s, TieWinner: DefaultTieWinner}
}

// Version is one side of a conflict.
type Version struct {
	SyncVersion int64
	ModifiedAt  time.Time
	DeviceID    string
	Data        json.RawMessage
	Deleted     bool
}

// Decision records the outcome of a resolution. It is a value, not a side
// effect: callers persist or log it as they see fit.
type Decision struct {
	Winner        Winner
	Strategy      Strategy
	LocalVersion  int64
	RemoteVersion int64
	// Merged is the winning row content; nil when the winner is a delete.
	Merged  json.RawMessage
	Deleted bool
}

// UnresolvedConflict is returned by the Manual strategy. It carries both
// versions so a human can decide later.
type UnresolvedConflict struct {
	Local  Version
	Remote Version
}

func (u *UnresolvedConflict) Error() string {
	return fmt.Sprintf("unresolved conflict: local version %d vs remote version %d",
		u.Local.SyncVersion, u.Remote.SyncVersion)
}

// Resolve picks a winner between local and remote under policy p.
// The Manual strategy yields a zero Decision and an *UnresolvedConflict.
func Resolve(local, remote Version, p Policy) (Decision, error) {
	d := Decision{
		Strategy:      p.Strategy,
		LocalVersion:  local.SyncVersion,
		RemoteVersion: remote.SyncVersion,
	}

	switch p.Strategy {
	case LastWriteWins, "":
		d.Strategy = LastWriteWins
		switch {
		case local.ModifiedAt.After(remote.ModifiedAt):
			d.Winner = Local
		case remote.ModifiedAt.After(local.ModifiedAt):
			d.Winner = Remote
		default:
			d.Winner = p.TieWinner
		}
	case LocalWins:
		d.Winner = Local
	case RemoteWins:
		d.Winner = Remote
	case Manual:
		return Decision{}, &UnresolvedConflict{Local: local, Remote: remote}
	default:
		return Decision{}, fmt.Errorf("unknown conflict strategy %q", p.Strategy)
	}

	win := remote
	if d.Winner == Local {
		win = local
	}
	d.Deleted = win.Deleted
	if !win.Deleted {
		d.Merged = win.Data
	}
	return d, nil
}

// AuditAttrs returns slog key/value pairs describing both versions and the
// decision, so every conflict leaves one structured log line.
func AuditAttrs(table, pk string, local, remote Version, d Decision) []any {
	return []any{
		"table", table,
		"pk", pk,
		"strategy", string(d.Strategy),
		"winner", d.Winner.String(),
		"local_version", local.SyncVersion,
		"local_modified_at", local.ModifiedAt,
		"local_device", local.DeviceID,
		"local_deleted", local.Deleted,
		"local_data", string(local.Data),
		"remote_version", remote.SyncVersion,
		"remote_modified_at", remote.ModifiedAt,
		"remote_device", remote.DeviceID,
		"remote_deleted", remote.Deleted,
		"remote_data", string(remote.Data),
	}
}
