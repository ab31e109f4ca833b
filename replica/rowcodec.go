// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// The row codec is the only place that interprets snapshots. It maps JSON
// objects to SQLite columns and back; the rest of the engine moves snapshots
// around as opaque bytes.

// pkValue converts the text primary key back into a bind value.
func pkValue(info *TableInfo, pk string) (any, error) {
	if !info.PrimaryKey.IsBlob() {
		return pk, nil
	}
	b, err := hex.DecodeString(pk)
	if err != nil {
		return nil, fmt.Errorf("invalid blob primary key %q: %w", pk, err)
	}
	return b, nil
}

// serializeRow loads a row and renders it the way capture triggers do.
// found is false when the row does not exist.
func serializeRow(ctx context.Context, q queryer, info *TableInfo, pk string) (json.RawMessage, bool, error) {
	key, err := pkValue(info, pk)
	if err != nil {
		return nil, false, err
	}

	cols := make([]string, len(info.Columns))
	for i, c := range info.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
		strings.Join(cols, ", "), quoteIdent(info.Table), quoteIdent(info.PrimaryKey.Name))

	rows, err := q.QueryContext(ctx, query, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("failed to scan row: %w", err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range info.Columns {
		name := strings.ToLower(col.Name)
		switch v := values[i].(type) {
		case []byte:
			if col.IsBlob() {
				row[name] = hex.EncodeToString(v)
			} else {
				row[name] = string(v)
			}
		default:
			row[name] = v
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal row to JSON: %w", err)
	}
	return data, true, nil
}

// decodeSnapshot parses a JSON object keeping numbers exact.
func decodeSnapshot(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("invalid snapshot: not an object")
	}
	return obj, nil
}

// bindValue converts a decoded JSON value into something go-sqlite3 binds.
func bindValue(col ColumnInfo, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("column %s: bad number %q", col.Name, x)
		}
		return f, nil
	case string:
		if col.IsBlob() {
			return decodeBlobBytesFromString(x)
		}
		return x, nil
	case bool:
		return x, nil
	default:
		// Nested JSON is stored as text.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		return string(b), nil
	}
}

// upsertRow writes snapshot into the table by primary key. Keys that are not
// local columns are ignored so newer peers can add fields.
func upsertRow(ctx context.Context, q queryer, info *TableInfo, pk string, snapshot []byte) error {
	obj, err := decodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	pkName := strings.ToLower(info.PrimaryKey.Name)
	if _, ok := obj[pkName]; !ok {
		key, err := pkValue(info, pk)
		if err != nil {
			return err
		}
		obj[pkName] = key
	}

	var cols, marks, sets []string
	var args []any
	for _, col := range info.Columns {
		v, ok := obj[strings.ToLower(col.Name)]
		if !ok {
			continue
		}
		if b, isBytes := v.([]byte); isBytes {
			args = append(args, b)
		} else {
			bound, err := bindValue(col, v)
			if err != nil {
				return err
			}
			args = append(args, bound)
		}
		name := quoteIdent(col.Name)
		cols = append(cols, name)
		marks = append(marks, "?")
		if !col.IsPrimaryKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}

	conflictAction := "DO NOTHING"
	if len(sets) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s`,
		quoteIdent(info.Table), strings.Join(cols, ", "), strings.Join(marks, ", "),
		quoteIdent(info.PrimaryKey.Name), conflictAction)

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s(%s): %w", info.Table, pk, err)
	}
	return nil
}

func deleteRow(ctx context.Context, q queryer, info *TableInfo, pk string) error {
	key, err := pkValue(info, pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(info.Table), quoteIdent(info.PrimaryKey.Name))
	if _, err := q.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s(%s): %w", info.Table, pk, err)
	}
	return nil
}

// snapshotForWire converts hex-encoded BLOB fields (as captured by triggers)
// to base64 for the worker.
func snapshotForWire(info *TableInfo, snapshot []byte) (json.RawMessage, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	hasBlob := false
	for _, c := range info.Columns {
		if c.IsBlob() {
			hasBlob = true
			break
		}
	}
	if !hasBlob {
		return json.RawMessage(snapshot), nil
	}

	obj, err := decodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	for _, col := range info.Columns {
		if !col.IsBlob() {
			continue
		}
		name := strings.ToLower(col.Name)
		if s, ok := obj[name].(string); ok && s != "" {
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("failed to decode hex for column %s: %w", col.Name, err)
			}
			obj[name] = base64.StdEncoding.EncodeToString(b)
		}
	}
	return json.Marshal(obj)
}

func isHexStringValue(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func tryDecodeBase64Exact(s string) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	// Avoid treating arbitrary strings as base64: ensure round-trip equality.
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, false
	}
	return decoded, true
}

// decodeBlobBytesFromString accepts UUID text, base64 or hex.
func decodeBlobBytesFromString(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	if parsed, err := uuid.Parse(s); err == nil {
		return parsed[:], nil
	}
	if decoded, ok := tryDecodeBase64Exact(s); ok {
		return decoded, nil
	}
	hs := strings.TrimSpace(s)
	if len(hs)%2 == 0 && isHexStringValue(hs) {
		if decoded, err := hex.DecodeString(hs); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("invalid blob encoding")
}
