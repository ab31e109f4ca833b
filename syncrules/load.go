// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncrules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-tablesync/conflict"
)

// ruleFile is the on-disk layout:
//
//	collections:
//	  my_decks: {table: deck_member, member: deck_id, owner: user_id}
//	tables:
//	  - name: item
//	    phase: catalog
//	    category: catalog
//	    pull: {serverComputed: {function: visible_items, params: [userId]}}
//	    push: {owner: user_id}
//	    conflict: lww
type ruleFile struct {
	Collections map[string]collectionDoc `yaml:"collections"`
	Tables      []tableDoc               `yaml:"tables"`
}

type collectionDoc struct {
	Table  string `yaml:"table"`
	Member string `yaml:"member"`
	Owner  string `yaml:"owner"`
}

type tableDoc struct {
	Name     string    `yaml:"name"`
	Phase    string    `yaml:"phase"`
	Category string    `yaml:"category"`
	Pull     yaml.Node `yaml:"pull"`
	Push     yaml.Node `yaml:"push"`
	Conflict string    `yaml:"conflict"`
}

type pullDoc struct {
	OwnerEquals         *string      `yaml:"ownerEquals"`
	OwnerNullableEquals *string      `yaml:"ownerNullableEquals"`
	MemberOf            *memberDoc   `yaml:"memberOf"`
	ServerComputed      *computedDoc `yaml:"serverComputed"`
}

type pushDoc struct {
	Owner  *string    `yaml:"owner"`
	Member *memberDoc `yaml:"member"`
}

type memberDoc struct {
	Column     string `yaml:"column"`
	Collection string `yaml:"collection"`
}

type computedDoc struct {
	Function string   `yaml:"function"`
	Params   []string `yaml:"params"`
}

// LoadFile reads a YAML rule file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", path, err)
	}
	defer f.Close()
	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return reg, nil
}

// Load parses YAML rules from r and builds a Registry.
func Load(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc ruleFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty rule file", ErrMissingRule)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	names := make([]string, 0, len(doc.Collections))
	for name := range doc.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	collections := make([]Collection, 0, len(names))
	for _, name := range names {
		c := doc.Collections[name]
		collections = append(collections, Collection{Name: name, Table: c.Table, Member: c.Member, Owner: c.Owner})
	}

	var errs []error
	defs := make([]TableDef, 0, len(doc.Tables))
	for _, t := range doc.Tables {
		def := TableDef{Name: t.Name, Category: strings.TrimSpace(t.Category)}

		phase, err := parsePhase(t.Phase)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s: %v", ErrInvalidRule, t.Name, err))
			continue
		}
		def.Phase = phase

		strategy, err := conflict.ParseStrategy(t.Conflict)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s: %v", ErrInvalidRule, t.Name, err))
			continue
		}
		def.Conflict = strategy

		if def.Pull, err = decodePull(&t.Pull); err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s pull: %v", ErrInvalidRule, t.Name, err))
			continue
		}
		if def.Push, err = decodePush(&t.Push); err != nil {
			errs = append(errs, fmt.Errorf("%w: table %s push: %v", ErrInvalidRule, t.Name, err))
			continue
		}
		defs = append(defs, def)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return New(defs, collections)
}

// decodePull returns nil for an absent node so New reports the missing rule.
func decodePull(n *yaml.Node) (PullRule, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if n.Value == "unrestricted" {
			return Unrestricted{}, nil
		}
		return nil, fmt.Errorf("unknown rule %q", n.Value)
	case yaml.MappingNode:
	default:
		return nil, fmt.Errorf("rule must be a scalar or a mapping (line %d)", n.Line)
	}

	var d pullDoc
	if err := n.Decode(&d); err != nil {
		return nil, err
	}
	var rules []PullRule
	if d.OwnerEquals != nil {
		rules = append(rules, OwnerEquals{Column: *d.OwnerEquals})
	}
	if d.OwnerNullableEquals != nil {
		rules = append(rules, OwnerNullableEquals{Column: *d.OwnerNullableEquals})
	}
	if d.MemberOf != nil {
		rules = append(rules, MemberOf{Column: d.MemberOf.Column, Collection: d.MemberOf.Collection})
	}
	if d.ServerComputed != nil {
		rules = append(rules, ServerComputed{Function: d.ServerComputed.Function, Params: d.ServerComputed.Params})
	}
	if len(rules) != 1 {
		return nil, fmt.Errorf("expected exactly one rule kind, got %d (line %d)", len(rules), n.Line)
	}
	return rules[0], nil
}

// decodePush returns nil for an absent node so New derives the default.
func decodePush(n *yaml.Node) (PushRule, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		switch n.Value {
		case "denied":
			return Denied{}, nil
		case "open":
			return Open{}, nil
		}
		return nil, fmt.Errorf("unknown rule %q", n.Value)
	case yaml.MappingNode:
	default:
		return nil, fmt.Errorf("rule must be a scalar or a mapping (line %d)", n.Line)
	}

	var d pushDoc
	if err := n.Decode(&d); err != nil {
		return nil, err
	}
	switch {
	case d.Owner != nil && d.Member == nil:
		return OwnerCheck{Column: *d.Owner}, nil
	case d.Member != nil && d.Owner == nil:
		return MemberCheck{Column: d.Member.Column, Collection: d.Member.Collection}, nil
	default:
		return nil, fmt.Errorf("expected exactly one of owner or member (line %d)", n.Line)
	}
}
