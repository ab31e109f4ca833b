// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncrules holds the per-table pull/push rules, phases and change
// categories shared by the client engine and the sync worker. A Registry is
// built once and never mutated afterwards.
package syncrules

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mobiletoly/go-tablesync/conflict"
)

var (
	ErrMissingRule = errors.New("missing_rule")
	ErrInvalidRule = errors.New("invalid_rule")
)

// TableDef declares one synced table.
type TableDef struct {
	Name     string
	Phase    Phase
	Category string
	Pull     PullRule
	// Push defaults to a rule derived from Pull when nil.
	Push     PushRule
	Conflict conflict.Strategy
}

// Registry maps table names to their rules.
type Registry struct {
	tables      map[string]TableDef
	order       []string
	collections map[string]Collection
}

// New validates defs and collections and returns an immutable registry.
// Every problem found is reported; a table without a pull rule is always an
// error.
func New(defs []TableDef, collections []Collection) (*Registry, error) {
	r := &Registry{
		tables:      make(map[string]TableDef, len(defs)),
		collections: make(map[string]Collection, len(collections)),
	}
	var errs []error

	for _, c := range collections {
		c.Name = strings.TrimSpace(c.Name)
		if !isIdentifier(c.Name) {
			errs = append(errs, fmt.Errorf("%w: collection name %q", ErrInvalidRule, c.Name))
			continue
		}
		if !isIdentifier(c.Table) || !isIdentifier(c.Member) || !isIdentifier(c.Owner) {
			errs = append(errs, fmt.Errorf("%w: collection %s needs table, member and owner identifiers", ErrInvalidRule, c.Name))
			continue
		}
		if _, dup := r.collections[c.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate collection %s", ErrInvalidRule, c.Name))
			continue
		}
		r.collections[c.Name] = c
	}

	for _, d := range defs {
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		if !isIdentifier(d.Name) {
			errs = append(errs, fmt.Errorf("%w: table name %q", ErrInvalidRule, d.Name))
			continue
		}
		if _, dup := r.tables[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate table %s", ErrInvalidRule, d.Name))
			continue
		}
		if d.Pull == nil {
			errs = append(errs, fmt.Errorf("%w: table %s has no pull rule", ErrMissingRule, d.Name))
			continue
		}
		if d.Phase == "" {
			d.Phase = PhaseCatalog
		}
		if d.Phase != PhaseCatalog && d.Phase != PhaseMetadata {
			errs = append(errs, fmt.Errorf("%w: table %s phase %q", ErrInvalidRule, d.Name, d.Phase))
			continue
		}
		if d.Conflict == "" {
			d.Conflict = conflict.LastWriteWins
		}
		if _, err := conflict.ParseStrategy(string(d.Conflict)); err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s: %v", ErrInvalidRule, d.Name, err))
			continue
		}
		if err := r.checkPull(d.Pull); err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s pull: %v", ErrInvalidRule, d.Name, err))
			continue
		}
		if d.Push == nil {
			d.Push = defaultPushRule(d.Pull)
		}
		if err := r.checkPush(d.Push); err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s push: %v", ErrInvalidRule, d.Name, err))
			continue
		}
		if sc, ok := d.Pull.(ServerComputed); ok {
			sc.Params = slices.Clone(sc.Params)
			d.Pull = sc
		}
		r.tables[d.Name] = d
		r.order = append(r.order, d.Name)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) checkPull(rule PullRule) error {
	switch p := rule.(type) {
	case OwnerEquals:
		return checkColumn(p.Column)
	case OwnerNullableEquals:
		return checkColumn(p.Column)
	case MemberOf:
		if err := checkColumn(p.Column); err != nil {
			return err
		}
		if _, ok := r.collections[p.Collection]; !ok {
			return fmt.Errorf("unknown collection %q", p.Collection)
		}
	case ServerComputed:
		if !isFunctionName(p.Function) {
			return fmt.Errorf("invalid function name %q", p.Function)
		}
		for _, name := range p.Params {
			if !isParamName(name) {
				return fmt.Errorf("invalid parameter name %q", name)
			}
		}
	case Unrestricted:
	default:
		return fmt.Errorf("unsupported rule %T", rule)
	}
	return nil
}

func (r *Registry) checkPush(rule PushRule) error {
	switch p := rule.(type) {
	case OwnerCheck:
		return checkColumn(p.Column)
	case MemberCheck:
		if err := checkColumn(p.Column); err != nil {
			return err
		}
		if _, ok := r.collections[p.Collection]; !ok {
			return fmt.Errorf("unknown collection %q", p.Collection)
		}
	case Denied, Open:
	default:
		return fmt.Errorf("unsupported rule %T", rule)
	}
	return nil
}

// Lookup returns the definition of a table.
func (r *Registry) Lookup(table string) (TableDef, bool) {
	d, ok := r.tables[strings.ToLower(table)]
	if !ok {
		return TableDef{}, false
	}
	if sc, isSC := d.Pull.(ServerComputed); isSC {
		sc.Params = slices.Clone(sc.Params)
		d.Pull = sc
	}
	return d, true
}

// Has reports whether table is registered.
func (r *Registry) Has(table string) bool {
	_, ok := r.tables[strings.ToLower(table)]
	return ok
}

// Require fails when any of tables has no rule.
func (r *Registry) Require(tables ...string) error {
	var missing []string
	for _, t := range tables {
		if !r.Has(t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: no rule for synced tables %s", ErrMissingRule, strings.Join(missing, ", "))
	}
	return nil
}

// Tables returns registered tables in declaration order.
func (r *Registry) Tables() []string {
	return slices.Clone(r.order)
}

// TablesInPhase returns the tables of phase p in declaration order,
// restricted to subset when subset is non-empty.
func (r *Registry) TablesInPhase(p Phase, subset ...string) []string {
	var out []string
	for _, name := range r.order {
		if r.tables[name].Phase != p {
			continue
		}
		if len(subset) > 0 && !slices.Contains(subset, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Collection returns a named membership collection.
func (r *Registry) Collection(name string) (Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Categories returns the distinct non-empty change categories of tables,
// sorted.
func (r *Registry) Categories(tables []string) []string {
	seen := make(map[string]struct{})
	for _, t := range tables {
		if d, ok := r.tables[strings.ToLower(t)]; ok && d.Category != "" {
			seen[d.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// TableSummary is a printable view of one table's rules.
type TableSummary struct {
	Table    string `json:"table"`
	Phase    string `json:"phase"`
	Category string `json:"category,omitempty"`
	Pull     string `json:"pull"`
	Push     string `json:"push"`
	Conflict string `json:"conflict"`
}

// Describe summarizes every table in declaration order.
func (r *Registry) Describe() []TableSummary {
	out := make([]TableSummary, 0, len(r.order))
	for _, name := range r.order {
		d := r.tables[name]
		out = append(out, TableSummary{
			Table:    name,
			Phase:    string(d.Phase),
			Category: d.Category,
			Pull:     d.Pull.String(),
			Push:     d.Push.String(),
			Conflict: string(d.Conflict),
		})
	}
	return out
}

func checkColumn(name string) error {
	if !isIdentifier(name) {
		return fmt.Errorf("invalid column name %q", name)
	}
	return nil
}

// isIdentifier checks ^[a-z_][a-z0-9_]*$
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// isFunctionName accepts an identifier optionally qualified by one schema.
func isFunctionName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !isIdentifier(p) {
			return false
		}
	}
	return true
}

func isParamName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
