package replica

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-tablesync/conflict"
	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

// fakeRow is a canonical row held by fakeWorker.
type fakeRow struct {
	data     json.RawMessage
	version  int64
	modified time.Time
	edited   time.Time
	device   string
	deleted  bool
}

// fakeWorker is an in-memory canonical store speaking the worker protocol.
// It has no visibility rules: every row is visible to every user.
type fakeWorker struct {
	mu         sync.Mutex
	rows       map[string]map[string]*fakeRow
	applied    map[string]syncapi.Result
	strategies map[string]conflict.Strategy
	clock      time.Time

	maxBatch int                                  // >0 rejects larger pushes as batch_too_large
	reject   func(ch syncapi.Change) string       // non-empty reason rejects a change
	pushErr  func(call int) error                 // injected transport failure
	pullErr  func(req *syncapi.PullRequest) error // injected transport failure
	onPull   func(req *syncapi.PullRequest)       // observes pull requests
	pushes   []syncapi.PushRequest
	pulls    []syncapi.PullRequest
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		rows:       make(map[string]map[string]*fakeRow),
		applied:    make(map[string]syncapi.Result),
		strategies: make(map[string]conflict.Strategy),
		clock:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (w *fakeWorker) tick() time.Time {
	w.clock = w.clock.Add(time.Millisecond)
	return w.clock
}

// put writes a canonical row as if another device pushed it.
func (w *fakeWorker) put(table, pk string, data string, edited time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.table(table)
	r := t[pk]
	if r == nil {
		r = &fakeRow{}
		t[pk] = r
	}
	r.data = json.RawMessage(data)
	r.version++
	r.modified = w.tick()
	r.edited = edited
	r.device = "other-device"
	r.deleted = false
}

// remove tombstones a row as if another device deleted it.
func (w *fakeWorker) remove(table, pk string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.table(table)[pk]
	r.deleted = true
	r.version++
	r.modified = w.tick()
	r.device = "other-device"
}

// drop removes a row without a tombstone, as when it leaves the user's
// visibility.
func (w *fakeWorker) drop(table, pk string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.table(table), pk)
}

func (w *fakeWorker) get(table, pk string) *fakeRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.table(table)[pk]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (w *fakeWorker) pushCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pushes)
}

func (w *fakeWorker) table(name string) map[string]*fakeRow {
	t, ok := w.rows[name]
	if !ok {
		t = make(map[string]*fakeRow)
		w.rows[name] = t
	}
	return t
}

func (w *fakeWorker) Push(ctx context.Context, req *syncapi.PushRequest) (*syncapi.PushResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pushes = append(w.pushes, *req)
	if w.pushErr != nil {
		if err := w.pushErr(len(w.pushes)); err != nil {
			return nil, err
		}
	}
	if w.maxBatch > 0 && len(req.Changes) > w.maxBatch {
		return &syncapi.PushResponse{Accepted: false, Results: []syncapi.Result{{
			Outcome: syncapi.OutcomeRejected, Reason: syncapi.ReasonBatchTooLarge,
		}}}, nil
	}

	resp := &syncapi.PushResponse{Accepted: true}
	for _, ch := range req.Changes {
		if prev, ok := w.applied[ch.MutationID]; ok {
			resp.Results = append(resp.Results, prev)
			continue
		}
		res := w.apply(ch)
		w.applied[ch.MutationID] = res
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (w *fakeWorker) apply(ch syncapi.Change) syncapi.Result {
	res := syncapi.Result{MutationID: ch.MutationID}
	if w.reject != nil {
		if reason := w.reject(ch); reason != "" {
			res.Outcome = syncapi.OutcomeRejected
			res.Reason = reason
			return res
		}
	}
	t := w.table(ch.Table)
	cur := t[ch.PK]
	var curVersion int64
	if cur != nil {
		curVersion = cur.version
	}

	outcome := syncapi.OutcomeAccepted
	if ch.ClientVersion != curVersion && cur != nil {
		local := conflict.Version{SyncVersion: ch.ClientVersion, ModifiedAt: ch.CapturedAt, Data: ch.Snapshot, Deleted: ch.Operation == syncapi.OpDelete}
		remote := conflict.Version{SyncVersion: cur.version, ModifiedAt: cur.edited, DeviceID: cur.device, Data: cur.data, Deleted: cur.deleted}
		strategy := w.strategies[ch.Table]
		if strategy == "" {
			strategy = conflict.LastWriteWins
		}
		d, err := conflict.Resolve(local, remote, conflict.PolicyFor(strategy))
		var unresolved *conflict.UnresolvedConflict
		if errors.As(err, &unresolved) {
			res.Outcome = syncapi.OutcomeUnresolved
			res.ResolvedSnapshot = cur.data
			res.ResolvedDeleted = cur.deleted
			res.NewVersion = cur.version
			return res
		}
		res.Winner = d.Winner.String()
		if d.Winner == conflict.Remote {
			res.Outcome = syncapi.OutcomeResolved
			res.ResolvedSnapshot = cur.data
			res.ResolvedDeleted = cur.deleted
			res.NewVersion = cur.version
			return res
		}
		outcome = syncapi.OutcomeResolved
	}

	if cur == nil {
		cur = &fakeRow{}
		t[ch.PK] = cur
	}
	cur.version++
	cur.modified = w.tick()
	cur.edited = ch.CapturedAt
	cur.device = "device"
	cur.deleted = ch.Operation == syncapi.OpDelete
	if !cur.deleted {
		cur.data = ch.Snapshot
	}
	res.Outcome = outcome
	res.NewVersion = cur.version
	return res
}

func (w *fakeWorker) Pull(ctx context.Context, req *syncapi.PullRequest) (*syncapi.PullResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pulls = append(w.pulls, *req)
	if w.onPull != nil {
		w.onPull(req)
	}
	if w.pullErr != nil {
		if err := w.pullErr(req); err != nil {
			return nil, err
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}

	resp := &syncapi.PullResponse{}
	for _, tc := range req.Tables {
		type keyed struct {
			pk  string
			row *fakeRow
		}
		// Same rules as the worker: tables without a cursor and tables in
		// IgnoreChangeLog are listings without tombstones, and a cursor
		// always positions the page.
		listing := tc.AfterTimestamp == nil || slices.Contains(req.IgnoreChangeLog, tc.Name)
		var rows []keyed
		for pk, r := range w.table(tc.Name) {
			if listing && r.deleted {
				continue
			}
			if tc.AfterTimestamp != nil && (r.modified.Before(*tc.AfterTimestamp) ||
				(r.modified.Equal(*tc.AfterTimestamp) && pk <= tc.AfterPK)) {
				continue
			}
			rows = append(rows, keyed{pk, r})
		}
		slices.SortFunc(rows, func(a, b keyed) int {
			if c := a.row.modified.Compare(b.row.modified); c != 0 {
				return c
			}
			return cmp.Compare(a.pk, b.pk)
		})

		page := syncapi.TableRows{Name: tc.Name, Rows: []syncapi.Row{}}
		if len(rows) > limit {
			rows = rows[:limit]
			page.HasMore = true
		}
		for _, k := range rows {
			page.Rows = append(page.Rows, syncapi.Row{
				PK: k.pk, Data: k.row.data, SyncVersion: k.row.version,
				LastModifiedAt: k.row.modified, DeviceID: k.row.device, Deleted: k.row.deleted,
			})
		}
		if n := len(rows); n > 0 {
			last := rows[n-1]
			ts := last.row.modified
			page.NewCursor = &ts
			page.NewCursorPK = last.pk
		}
		resp.Tables = append(resp.Tables, page)
	}
	return resp, nil
}

// testRules registers user_profile (metadata), item and note (catalog).
func testRules(t *testing.T) *syncrules.Registry {
	t.Helper()
	r, err := syncrules.New([]syncrules.TableDef{
		{Name: "user_profile", Phase: syncrules.PhaseMetadata, Category: "profile", Pull: syncrules.OwnerEquals{Column: "user_id"}},
		{Name: "item", Phase: syncrules.PhaseCatalog, Category: "catalog", Pull: syncrules.OwnerEquals{Column: "user_id"}},
		{Name: "note", Phase: syncrules.PhaseCatalog, Category: "notes", Pull: syncrules.OwnerEquals{Column: "user_id"}, Conflict: conflict.Manual},
	}, nil)
	require.NoError(t, err)
	return r
}

const testSchema = `
CREATE TABLE user_profile (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, name TEXT);
CREATE TABLE item (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT, qty INTEGER);
CREATE TABLE note (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, body TEXT);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

type testEnv struct {
	db     *sql.DB
	engine *Engine
	worker *fakeWorker
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, openTestDB(t), newFakeWorker(), mutate)
}

func newTestEnvWith(t *testing.T, db *sql.DB, worker *fakeWorker, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(context.Background(), db, testRules(t), worker, "user-1", cfg)
	require.NoError(t, err)
	env := &testEnv{db: db, engine: e, worker: worker}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func (env *testEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := env.db.Exec(query, args...)
	require.NoError(t, err)
}

func (env *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (env *testEnv) outboxCount(t *testing.T) int {
	return env.count(t, `SELECT COUNT(*) FROM _sync_outbox`)
}

func (env *testEnv) sync(t *testing.T) *CycleReport {
	t.Helper()
	report, err := env.engine.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	return report
}

func itemJSON(id, title string, qty int) string {
	return fmt.Sprintf(`{"id":%q,"user_id":"user-1","title":%q,"qty":%d}`, id, title, qty)
}
