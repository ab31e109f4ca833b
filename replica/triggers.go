// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// triggerData holds the data needed for trigger template rendering
type triggerData struct {
	Table      string
	QTable     string
	PKExprNew  string
	PKExprOld  string
	NewRowJSON string
	Now        string
}

// Capture triggers append to the outbox only while capture is enabled.
const captureWhen = `WHEN COALESCE((SELECT capture_suppressed FROM _sync_state WHERE id = 1), 0) = 0`

var captureTemplates = []struct {
	name string
	text string
}{
	{"capture_insert", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_capture_insert
AFTER INSERT ON {{.QTable}}
` + captureWhen + `
BEGIN
	INSERT INTO _sync_outbox(table_name, pk, op, snapshot, captured_at, device_id, mutation_id)
	VALUES ('{{.Table}}', {{.PKExprNew}}, 'insert', {{.NewRowJSON}}, {{.Now}},
		(SELECT device_id FROM _sync_state WHERE id = 1), lower(hex(randomblob(16))));
END`},
	{"capture_update", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_capture_update
AFTER UPDATE ON {{.QTable}}
` + captureWhen + `
BEGIN
	INSERT INTO _sync_outbox(table_name, pk, op, snapshot, captured_at, device_id, mutation_id)
	VALUES ('{{.Table}}', {{.PKExprNew}}, 'update', {{.NewRowJSON}}, {{.Now}},
		(SELECT device_id FROM _sync_state WHERE id = 1), lower(hex(randomblob(16))));
END`},
	{"capture_delete", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_capture_delete
AFTER DELETE ON {{.QTable}}
` + captureWhen + `
BEGIN
	INSERT INTO _sync_outbox(table_name, pk, op, snapshot, captured_at, device_id, mutation_id)
	VALUES ('{{.Table}}', {{.PKExprOld}}, 'delete', NULL, {{.Now}},
		(SELECT device_id FROM _sync_state WHERE id = 1), lower(hex(randomblob(16))));
END`},

	// Touch triggers always fire. They keep lastModifiedAt and the local
	// write marker current even inside a suppression window, which is what
	// backfill scans. Remote apply overwrites the meta row right after.
	{"touch_insert", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_touch_insert
AFTER INSERT ON {{.QTable}}
BEGIN
	INSERT OR IGNORE INTO _sync_row_meta(table_name, pk) VALUES ('{{.Table}}', {{.PKExprNew}});
	UPDATE _sync_row_meta
	SET last_modified_at = {{.Now}}, device_id = (SELECT device_id FROM _sync_state WHERE id = 1), deleted = 0, local_write = 1
	WHERE table_name = '{{.Table}}' AND pk = {{.PKExprNew}};
END`},
	{"touch_update", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_touch_update
AFTER UPDATE ON {{.QTable}}
BEGIN
	INSERT OR IGNORE INTO _sync_row_meta(table_name, pk) VALUES ('{{.Table}}', {{.PKExprNew}});
	UPDATE _sync_row_meta
	SET last_modified_at = {{.Now}}, device_id = (SELECT device_id FROM _sync_state WHERE id = 1), deleted = 0, local_write = 1
	WHERE table_name = '{{.Table}}' AND pk = {{.PKExprNew}};
END`},
	{"touch_delete", `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_touch_delete
AFTER DELETE ON {{.QTable}}
BEGIN
	INSERT OR IGNORE INTO _sync_row_meta(table_name, pk) VALUES ('{{.Table}}', {{.PKExprOld}});
	UPDATE _sync_row_meta
	SET last_modified_at = {{.Now}}, device_id = (SELECT device_id FROM _sync_state WHERE id = 1), deleted = 1, local_write = 1
	WHERE table_name = '{{.Table}}' AND pk = {{.PKExprOld}};
END`},
}

var parsedTriggers = func() []*template.Template {
	out := make([]*template.Template, 0, len(captureTemplates))
	for _, t := range captureTemplates {
		out = append(out, template.Must(template.New(t.name).Parse(t.text)))
	}
	return out
}()

// buildJSONObjectExpr renders json_object(...) over the row, hex-encoding
// BLOB columns so the snapshot stays valid JSON.
func buildJSONObjectExpr(info *TableInfo, prefix string) string {
	pairs := make([]string, 0, len(info.Columns))
	for _, col := range info.Columns {
		ref := prefix + "." + quoteIdent(col.Name)
		expr := ref
		if col.IsBlob() {
			expr = fmt.Sprintf("CASE WHEN %[1]s IS NULL THEN NULL ELSE lower(hex(%[1]s)) END", ref)
		}
		pairs = append(pairs, fmt.Sprintf("'%s', %s", strings.ToLower(col.Name), expr))
	}
	return "json_object(" + strings.Join(pairs, ", ") + ")"
}

// pkExpr renders the text form of the primary key stored in the outbox and
// row meta.
func pkExpr(info *TableInfo, prefix string) string {
	ref := prefix + "." + quoteIdent(info.PrimaryKey.Name)
	if info.PrimaryKey.IsBlob() {
		return fmt.Sprintf("lower(hex(%s))", ref)
	}
	return fmt.Sprintf("CAST(%s AS TEXT)", ref)
}

// renderTriggers returns the CREATE TRIGGER statements for one table.
func renderTriggers(info *TableInfo) ([]string, error) {
	data := triggerData{
		Table:      info.Table,
		QTable:     quoteIdent(info.Table),
		PKExprNew:  pkExpr(info, "NEW"),
		PKExprOld:  pkExpr(info, "OLD"),
		NewRowJSON: buildJSONObjectExpr(info, "NEW"),
		Now:        nowMillis,
	}
	out := make([]string, 0, len(parsedTriggers))
	for _, t := range parsedTriggers {
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to execute %s trigger template for table %s: %w", t.Name(), info.Table, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

func (e *Engine) createTriggers(ctx context.Context, table string) error {
	info, err := e.tableInfo.get(ctx, e.db, table)
	if err != nil {
		return err
	}
	stmts, err := renderTriggers(info)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger for table %s: %w", table, err)
		}
	}
	return nil
}
