// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncrules

import (
	"fmt"
	"strings"
)

// PullRule decides which canonical rows of a table are visible to a user.
// The set of implementations is closed: OwnerEquals, OwnerNullableEquals,
// MemberOf, ServerComputed and Unrestricted.
type PullRule interface {
	pullRule()
	String() string
}

// OwnerEquals shows rows whose Column equals the caller's user id.
type OwnerEquals struct{ Column string }

// OwnerNullableEquals shows rows whose Column equals the caller's user id or
// is null (shared rows).
type OwnerNullableEquals struct{ Column string }

// MemberOf shows rows whose Column value belongs to the named Collection for
// the caller.
type MemberOf struct {
	Column     string
	Collection string
}

// ServerComputed delegates visibility to a server-side function that
// receives the declared Params in order.
type ServerComputed struct {
	Function string
	Params   []string
}

// Unrestricted shows every row. Used for read-only reference data.
type Unrestricted struct{}

func (OwnerEquals) pullRule()         {}
func (OwnerNullableEquals) pullRule() {}
func (MemberOf) pullRule()            {}
func (ServerComputed) pullRule()      {}
func (Unrestricted) pullRule()        {}

func (r OwnerEquals) String() string         { return "ownerEquals(" + r.Column + ")" }
func (r OwnerNullableEquals) String() string { return "ownerNullableEquals(" + r.Column + ")" }
func (r MemberOf) String() string            { return "memberOf(" + r.Column + ", " + r.Collection + ")" }
func (r ServerComputed) String() string {
	return "serverComputed(" + r.Function + ", [" + strings.Join(r.Params, ", ") + "])"
}
func (Unrestricted) String() string { return "unrestricted" }

// PushRule decides whether a user may write a row.
type PushRule interface {
	pushRule()
	String() string
}

// OwnerCheck accepts writes whose Column equals the caller's user id, both in
// the incoming snapshot and in the existing canonical row.
type OwnerCheck struct{ Column string }

// MemberCheck accepts writes whose Column value belongs to Collection for the
// caller.
type MemberCheck struct {
	Column     string
	Collection string
}

// Denied rejects every write.
type Denied struct{}

// Open accepts every write from an authenticated caller.
type Open struct{}

func (OwnerCheck) pushRule()  {}
func (MemberCheck) pushRule() {}
func (Denied) pushRule()      {}
func (Open) pushRule()        {}

func (r OwnerCheck) String() string  { return "owner(" + r.Column + ")" }
func (r MemberCheck) String() string { return "member(" + r.Column + ", " + r.Collection + ")" }
func (Denied) String() string        { return "denied" }
func (Open) String() string          { return "open" }

// defaultPushRule derives the write policy from the visibility policy.
// Shared rows of ownerNullableEquals tables stay read-only because the owner
// column must equal the caller.
func defaultPushRule(pull PullRule) PushRule {
	switch r := pull.(type) {
	case OwnerEquals:
		return OwnerCheck{Column: r.Column}
	case OwnerNullableEquals:
		return OwnerCheck{Column: r.Column}
	case MemberOf:
		return MemberCheck{Column: r.Column, Collection: r.Collection}
	default:
		return Denied{}
	}
}

// Phase orders pulls within a cycle. Metadata tables commit before catalog
// tables are requested.
type Phase string

const (
	PhaseMetadata Phase = "metadata"
	PhaseCatalog  Phase = "catalog"
)

func parsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(s))) {
	case "", PhaseCatalog:
		return PhaseCatalog, nil
	case PhaseMetadata:
		return PhaseMetadata, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// Collection is a named membership set: the values of Member in rows of
// Table whose Owner column equals the user.
type Collection struct {
	Name   string
	Table  string
	Member string
	Owner  string
}

// ParamUserID is the serverComputed parameter bound to the authenticated user.
const ParamUserID = "userId"
