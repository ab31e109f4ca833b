// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// ProcessPull returns one page per requested table, in request order.
// Tables are queried concurrently; each page is ordered by
// (last_modified_at, pk) and resumes strictly after the given cursor. A
// table without a cursor gets a full listing without tombstones. Tables in
// IgnoreChangeLog are listings on every page: the cursor only positions the
// page and tombstones are left out.
func (s *Service) ProcessPull(ctx context.Context, userID string, req *syncapi.PullRequest) (*syncapi.PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != userID {
		return nil, fmt.Errorf("%w: pull for user %q", ErrForbidden, req.UserID)
	}
	if len(req.Tables) == 0 {
		return nil, fmt.Errorf("%w: no tables requested", ErrBadPayload)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.DefaultPullLimit
	}
	if s.config.MaxPullLimit > 0 && limit > s.config.MaxPullLimit {
		limit = s.config.MaxPullLimit
	}

	params := make(map[string]any, len(req.Params)+1)
	maps.Copy(params, req.Params)
	// The caller cannot impersonate another user through parameters.
	params[syncrules.ParamUserID] = userID

	defs := make([]syncrules.TableDef, len(req.Tables))
	seen := make(map[string]struct{}, len(req.Tables))
	for i, tc := range req.Tables {
		def, ok := s.rules.Lookup(tc.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnregisteredTable, tc.Name)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("%w: table %s requested twice", ErrBadPayload, def.Name)
		}
		seen[def.Name] = struct{}{}
		if tc.AfterTimestamp == nil && tc.AfterPK != "" {
			return nil, fmt.Errorf("%w: afterPk without afterTimestamp for %s", ErrBadPayload, def.Name)
		}
		defs[i] = def
	}

	pages := make([]syncapi.TableRows, len(req.Tables))
	g, gctx := errgroup.WithContext(ctx)
	if s.config.PullConcurrency > 0 {
		g.SetLimit(s.config.PullConcurrency)
	}
	for i, tc := range req.Tables {
		i, tc := i, tc
		listing := tc.AfterTimestamp == nil || slices.ContainsFunc(req.IgnoreChangeLog, func(name string) bool {
			return strings.EqualFold(name, defs[i].Name)
		})
		g.Go(func() error {
			page, err := s.pullTable(gctx, userID, defs[i], tc, listing, params, limit)
			if err != nil {
				return fmt.Errorf("pull %s: %w", defs[i].Name, err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("Pull processed", "user_id", userID, "tables", len(pages), "limit", limit)
	return &syncapi.PullResponse{Tables: pages}, nil
}

// pullQuery builds the page query for one table. It asks for limit+1 rows so
// the caller can tell whether more remain. A listing leaves tombstones out.
func (s *Service) pullQuery(userID string, def syncrules.TableDef, tc syncapi.TableCursor, listing bool, params map[string]any, limit int) (string, []any, error) {
	var args queryArgs
	var where []string
	where = append(where, "r.table_name = "+args.add(def.Name))

	pred, err := s.visibilityPredicate(def.Pull, userID, params, &args)
	if err != nil {
		return "", nil, err
	}
	where = append(where, pred)

	if tc.AfterTimestamp != nil {
		where = append(where, fmt.Sprintf("(r.last_modified_at, r.pk) > (%s::timestamptz, %s::text)",
			args.add(*tc.AfterTimestamp), args.add(tc.AfterPK)))
	}
	if listing {
		where = append(where, "NOT r.deleted")
	}

	query := fmt.Sprintf(`SELECT r.pk, r.payload, r.sync_version, r.last_modified_at, r.device_id, r.deleted
FROM sync.sync_rows r
WHERE %s
ORDER BY r.last_modified_at, r.pk
LIMIT %s`, strings.Join(where, "\n  AND "), args.add(limit+1))
	return query, args, nil
}

func (s *Service) pullTable(ctx context.Context, userID string, def syncrules.TableDef, tc syncapi.TableCursor, listing bool, params map[string]any, limit int) (syncapi.TableRows, error) {
	page := syncapi.TableRows{Name: def.Name, Rows: []syncapi.Row{}}

	query, args, err := s.pullQuery(userID, def, tc, listing, params, limit)
	if err != nil {
		return page, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("query visible rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row     syncapi.Row
			payload []byte
		)
		if err := rows.Scan(&row.PK, &payload, &row.SyncVersion, &row.LastModifiedAt, &row.DeviceID, &row.Deleted); err != nil {
			return page, fmt.Errorf("scan visible row: %w", err)
		}
		if !row.Deleted {
			row.Data = json.RawMessage(payload)
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("read visible rows: %w", err)
	}

	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		page.HasMore = true
	}
	if n := len(page.Rows); n > 0 {
		last := page.Rows[n-1]
		ts := last.LastModifiedAt
		page.NewCursor = &ts
		page.NewCursorPK = last.PK
	}
	return page, nil
}
