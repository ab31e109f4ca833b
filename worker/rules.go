// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// queryArgs numbers positional parameters as they are appended.
type queryArgs []any

func (a *queryArgs) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// visibilityPredicate renders rule as a condition on the sync_rows alias r.
// JSON keys and values are always bound, never inlined.
func (s *Service) visibilityPredicate(rule syncrules.PullRule, userID string, params map[string]any, args *queryArgs) (string, error) {
	switch p := rule.(type) {
	case syncrules.OwnerEquals:
		return fmt.Sprintf("r.payload->>%s::text = %s", args.add(p.Column), args.add(userID)), nil
	case syncrules.OwnerNullableEquals:
		col := args.add(p.Column)
		return fmt.Sprintf("(r.payload->>%s::text = %s OR r.payload->>%s::text IS NULL)", col, args.add(userID), col), nil
	case syncrules.MemberOf:
		c, ok := s.rules.Collection(p.Collection)
		if !ok {
			return "", fmt.Errorf("%w: unknown collection %q", ErrBadPayload, p.Collection)
		}
		return fmt.Sprintf(
			"r.payload->>%s::text IN (SELECT m.payload->>%s::text FROM sync.sync_rows m WHERE m.table_name = %s AND NOT m.deleted AND m.payload->>%s::text = %s)",
			args.add(p.Column), args.add(c.Member), args.add(c.Table), args.add(c.Owner), args.add(userID)), nil
	case syncrules.ServerComputed:
		placeholders := make([]string, 0, len(p.Params))
		for _, name := range p.Params {
			v, ok := params[name]
			if !ok {
				return "", fmt.Errorf("%w: missing parameter %q for %s", ErrBadPayload, name, p.Function)
			}
			text, err := paramText(v)
			if err != nil {
				return "", fmt.Errorf("%w: parameter %q: %v", ErrBadPayload, name, err)
			}
			placeholders = append(placeholders, args.add(text)+"::text")
		}
		return fmt.Sprintf("r.pk IN (SELECT vis.pk::text FROM %s(%s) AS vis(pk))",
			functionIdent(p.Function), strings.Join(placeholders, ", ")), nil
	case syncrules.Unrestricted:
		return "TRUE", nil
	default:
		return "", fmt.Errorf("unsupported pull rule %T", rule)
	}
}

// functionIdent quotes a possibly schema-qualified function name.
func functionIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// paramText renders a pull parameter for a text-typed function argument.
func paramText(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("null value")
	case string:
		return x, nil
	case float64, bool, json.Number, int, int64:
		return fmt.Sprint(x), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// checkPushRule returns an ErrForbidden-wrapped error when userID may not
// apply ch. Both the incoming snapshot and the stored row must pass, so a
// write can neither claim nor take over someone else's row.
func (s *Service) checkPushRule(ctx context.Context, tx pgx.Tx, userID string, def syncrules.TableDef, ch syncapi.Change, cur *canonicalRow) error {
	switch def.Push.(type) {
	case syncrules.Open:
		return nil
	case syncrules.Denied:
		return fmt.Errorf("%w: table %s is read-only", ErrForbidden, def.Name)
	}

	if ch.Operation != syncapi.OpDelete {
		if err := s.rowAllowed(ctx, tx, userID, def.Push, ch.Snapshot, "incoming"); err != nil {
			return err
		}
	}
	if cur != nil {
		if err := s.rowAllowed(ctx, tx, userID, def.Push, cur.payload, "existing"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rowAllowed(ctx context.Context, tx pgx.Tx, userID string, rule syncrules.PushRule, payload json.RawMessage, which string) error {
	obj, err := decodeObject(payload)
	if err != nil {
		return fmt.Errorf("%w: %s row: %v", ErrForbidden, which, err)
	}
	switch r := rule.(type) {
	case syncrules.OwnerCheck:
		v, ok := scalarText(obj[r.Column])
		if !ok || v != userID {
			return fmt.Errorf("%w: %s row %s is not owned by the caller", ErrForbidden, which, r.Column)
		}
		return nil
	case syncrules.MemberCheck:
		v, ok := scalarText(obj[r.Column])
		if !ok {
			return fmt.Errorf("%w: %s row has no %s", ErrForbidden, which, r.Column)
		}
		c, ok := s.rules.Collection(r.Collection)
		if !ok {
			return fmt.Errorf("unknown collection %q", r.Collection)
		}
		var member bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sync.sync_rows
				WHERE table_name = $1 AND NOT deleted
				  AND payload->>$2::text = $3 AND payload->>$4::text = $5
			)`, c.Table, c.Member, v, c.Owner, userID).Scan(&member)
		if err != nil {
			return fmt.Errorf("membership check failed: %w", err)
		}
		if !member {
			return fmt.Errorf("%w: %s row %s=%s is outside %s", ErrForbidden, which, r.Column, v, c.Name)
		}
		return nil
	default:
		return fmt.Errorf("unsupported push rule %T", rule)
	}
}
