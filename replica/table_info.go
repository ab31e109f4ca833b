// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// queryer is satisfied by *sql.DB and *sql.Tx. Code running inside a
// transaction must pass the tx: with MaxOpenConns(1) a second connection
// request would deadlock.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table      string
	Columns    []ColumnInfo
	PrimaryKey ColumnInfo
	byName     map[string]int
}

// Column looks a column up case-insensitively.
func (t *TableInfo) Column(name string) (ColumnInfo, bool) {
	i, ok := t.byName[strings.ToLower(name)]
	if !ok {
		return ColumnInfo{}, false
	}
	return t.Columns[i], true
}

// tableInfoProvider caches PRAGMA table_info per table. One provider per
// engine, so separate databases never share cache entries.
type tableInfoProvider struct {
	mu    sync.RWMutex
	cache map[string]*TableInfo
}

func newTableInfoProvider() *tableInfoProvider {
	return &tableInfoProvider{cache: make(map[string]*TableInfo)}
}

func (p *tableInfoProvider) get(ctx context.Context, q queryer, table string) (*TableInfo, error) {
	key := strings.ToLower(table)

	p.mu.RLock()
	info, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return info, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info = &TableInfo{Table: key, byName: make(map[string]int)}
	pkCount := 0
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		col := ColumnInfo{Name: name, DeclaredType: declaredType, IsPrimaryKey: pk > 0}
		info.byName[strings.ToLower(name)] = len(info.Columns)
		info.Columns = append(info.Columns, col)
		if col.IsPrimaryKey {
			pkCount++
			info.PrimaryKey = col
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}

	switch {
	case len(info.Columns) == 0:
		return nil, fmt.Errorf("table %s does not exist", table)
	case pkCount == 0:
		return nil, fmt.Errorf("table %s has no declared primary key", table)
	case pkCount > 1:
		return nil, fmt.Errorf("table %s has a composite primary key", table)
	}

	p.cache[key] = info
	return info, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
