// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncapi defines the JSON wire contract between the client engine
// and the sync worker.
package syncapi

import (
	"encoding/json"
	"time"
)

// Operation is the kind of captured mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Outcome is the per-change result of a push.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeResolved Outcome = "conflict-resolved"
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnresolved is returned for tables using the manual strategy.
	OutcomeUnresolved Outcome = "unresolved"
)

// Rejection reasons
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnregisteredTable = "unregistered_table"
	ReasonForbidden         = "forbidden"
	ReasonBatchTooLarge     = "batch_too_large"
	ReasonInternal          = "internal_error"
)

// PushRequest carries captured local changes for one table.
type PushRequest struct {
	UserID  string   `json:"userId"`
	Changes []Change `json:"changes"`
}

// Change is one coalesced outbox entry.
type Change struct {
	Table         string          `json:"table"`
	PK            string          `json:"pk"`
	Operation     Operation       `json:"operation"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	ClientVersion int64           `json:"clientVersion"`
	MutationID    string          `json:"mutationId"`
	// CapturedAt is when the device made the edit; last-write-wins compares it.
	CapturedAt time.Time `json:"capturedAt"`
}

// PushResponse answers a PushRequest.
type PushResponse struct {
	// Accepted is false when the whole batch was refused (see ReasonBatchTooLarge).
	Accepted bool     `json:"accepted"`
	Results  []Result `json:"results"`
}

// Result is the outcome of one Change.
type Result struct {
	MutationID       string          `json:"mutationId"`
	Outcome          Outcome         `json:"outcome"`
	Winner           string          `json:"winner,omitempty"`
	ResolvedSnapshot json.RawMessage `json:"resolvedSnapshot,omitempty"`
	ResolvedDeleted  bool            `json:"resolvedDeleted,omitempty"`
	NewVersion       int64           `json:"newVersion,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// PullRequest asks for visible rows of several tables.
type PullRequest struct {
	UserID          string         `json:"userId"`
	Tables          []TableCursor  `json:"tables"`
	IgnoreChangeLog []string       `json:"ignoreChangeLog,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Limit           int            `json:"limit,omitempty"`
}

// TableCursor names a table and, for incremental pulls, where to resume.
type TableCursor struct {
	Name           string     `json:"name"`
	AfterTimestamp *time.Time `json:"afterTimestamp,omitempty"`
	AfterPK        string     `json:"afterPk,omitempty"`
}

// PullResponse returns one page per requested table, in request order.
type PullResponse struct {
	Tables []TableRows `json:"tables"`
}

// TableRows is one page of a table.
type TableRows struct {
	Name        string     `json:"name"`
	Rows        []Row      `json:"rows"`
	NewCursor   *time.Time `json:"newCursor,omitempty"`
	NewCursorPK string     `json:"newCursorPk,omitempty"`
	HasMore     bool       `json:"hasMore,omitempty"`
}

// Row is a canonical row with its version metadata.
type Row struct {
	PK             string          `json:"pk"`
	Data           json.RawMessage `json:"data,omitempty"`
	SyncVersion    int64           `json:"syncVersion"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	DeviceID       string          `json:"deviceId"`
	Deleted        bool            `json:"deleted,omitempty"`
}

// ErrorResponse is the body of every non-2xx worker response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
