package replica

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

func TestPull_AppliesWithoutEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	past := time.Now().Add(-time.Hour)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), past)
	env.worker.put("item", "r2", itemJSON("r2", "two", 2), past)
	env.worker.put("user_profile", "p1", `{"id":"p1","user_id":"user-1","name":"Ann"}`, past)

	var notified []string
	env.engine.OnChange(func(categories []string) { notified = categories })

	report := env.sync(t)
	assert.Equal(t, 3, report.Pulled)
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(*) FROM item`))
	assert.Equal(t, 0, env.outboxCount(t), "applied rows are not captured")
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM _sync_row_meta WHERE local_write = 1`))
	assert.Equal(t, []string{"catalog", "profile"}, notified)

	var title string
	require.NoError(t, env.db.QueryRow(`SELECT title FROM item WHERE id = 'r2'`).Scan(&title))
	assert.Equal(t, "two", title)

	_, ok, err := env.engine.Cursor(context.Background(), "item")
	require.NoError(t, err)
	assert.True(t, ok)

	report = env.sync(t)
	assert.Equal(t, 0, report.Pulled)
	last := env.worker.pulls[len(env.worker.pulls)-1]
	require.Len(t, last.Tables, 2)
	assert.NotNil(t, last.Tables[0].AfterTimestamp, "second cycle is incremental")
}

func TestPull_ReapplyIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.sync(t)

	// Lose the cursor: the full pull returns rows already applied.
	env.exec(t, `DELETE FROM _sync_cursor`)
	report := env.sync(t)
	assert.Equal(t, 0, report.Pulled)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM item`))
	assert.Equal(t, 0, env.outboxCount(t))
}

func TestPull_PagesThroughLargeTables(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PullPageSize = 2 })
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		env.worker.put("item", id, itemJSON(id, "x", i), time.Now())
	}

	report := env.sync(t)
	assert.Equal(t, 5, report.Pulled)
	assert.Equal(t, 5, env.count(t, `SELECT COUNT(*) FROM item`))

	itemRequests := 0
	for _, p := range env.worker.pulls {
		for _, tc := range p.Tables {
			if tc.Name == "item" {
				itemRequests++
			}
		}
	}
	assert.Equal(t, 3, itemRequests)
}

func TestPull_TombstoneDeletesLocalRow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.sync(t)

	env.worker.remove("item", "r1")
	report := env.sync(t)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM item`))
	assert.Equal(t, 0, env.outboxCount(t))
	assert.Equal(t, 1, env.count(t, `SELECT deleted FROM _sync_row_meta WHERE pk = 'r1'`))
}

func TestPull_SkipsRowsWithPendingLocalEdits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.sync(t)

	env.exec(t, `UPDATE item SET title = 'mine' WHERE id = 'r1'`)
	env.worker.put("item", "r1", itemJSON("r1", "theirs", 1), time.Now())

	report := &CycleReport{}
	require.NoError(t, env.engine.pull(context.Background(), SyncOptions{}, report, map[string]struct{}{}))
	assert.Equal(t, 0, report.Pulled)

	var title string
	require.NoError(t, env.db.QueryRow(`SELECT title FROM item WHERE id = 'r1'`).Scan(&title))
	assert.Equal(t, "mine", title)
	assert.Equal(t, 1, env.outboxCount(t))
}

func TestPull_FullResyncRemovesRowsNoLongerVisible(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.worker.put("item", "r2", itemJSON("r2", "two", 2), time.Now())
	env.sync(t)

	env.worker.drop("item", "r2")
	report, err := env.engine.Sync(context.Background(), SyncOptions{FullResync: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM item`))
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM _sync_row_meta WHERE pk = 'r2'`))
	assert.Equal(t, 0, env.outboxCount(t))
}

func TestPull_IgnoreChangeLogBypassesCursor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.sync(t)

	_, err := env.engine.Sync(context.Background(), SyncOptions{IgnoreChangeLog: []string{"item"}})
	require.NoError(t, err)

	last := env.worker.pulls[len(env.worker.pulls)-1]
	assert.Equal(t, []string{"item"}, last.IgnoreChangeLog)
	for _, tc := range last.Tables {
		if tc.Name == "item" {
			assert.Nil(t, tc.AfterTimestamp)
		} else {
			assert.NotNil(t, tc.AfterTimestamp)
		}
	}
}

func TestPull_IgnoreChangeLogPagesThroughListing(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PullPageSize = 2 })
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		env.worker.put("item", id, itemJSON(id, "x", i), time.Now())
	}
	env.sync(t)
	require.Equal(t, 5, env.count(t, `SELECT COUNT(*) FROM item`))

	// A row that becomes visible with an old timestamp sits behind the
	// cursor, and a row that leaves visibility sends no tombstone.
	env.worker.put("item", "late", itemJSON("late", "late", 9), time.Now())
	env.worker.rows["item"]["late"].modified = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.worker.drop("item", "r0")
	env.sync(t)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM item WHERE id = 'late'`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM item WHERE id = 'r0'`))

	before := len(env.worker.pulls)
	report, err := env.engine.Sync(context.Background(), SyncOptions{IgnoreChangeLog: []string{"item"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM item WHERE id = 'late'`))
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM item WHERE id = 'r0'`))
	assert.Equal(t, 5, env.count(t, `SELECT COUNT(*) FROM item`))

	// One metadata page, then three listing pages of item.
	pulls := env.worker.pulls[before:]
	require.Len(t, pulls, 4)
	for i, req := range pulls[1:] {
		assert.Equal(t, []string{"item"}, req.IgnoreChangeLog)
		assert.Equal(t, "item", req.Tables[0].Name)
		if i == 0 {
			assert.Nil(t, req.Tables[0].AfterTimestamp)
		} else {
			assert.NotNil(t, req.Tables[0].AfterTimestamp, "later pages resume after the previous one")
		}
	}

	_, ok, err := env.engine.Cursor(context.Background(), "item")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCursorAdvances(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	later := at.Add(time.Millisecond)
	cases := []struct {
		name  string
		after *time.Time
		pk    string
		next  *time.Time
		nextK string
		want  bool
	}{
		{"first page", nil, "", &at, "a", true},
		{"no cursor returned", &at, "a", nil, "", false},
		{"same position", &at, "a", &at, "a", false},
		{"same time, later pk", &at, "a", &at, "b", true},
		{"later time", &at, "z", &later, "a", true},
		{"earlier time", &later, "a", &at, "z", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &tablePull{after: tc.after, afterPK: tc.pk}
			page := syncapi.TableRows{NewCursor: tc.next, NewCursorPK: tc.nextK, HasMore: true}
			assert.Equal(t, tc.want, cursorAdvances(st, page))
		})
	}
}

func TestPull_StuckCursorFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PullPageSize = 1 })
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.worker.put("item", "r2", itemJSON("r2", "two", 2), time.Now())
	// Forget every cursor so each page starts over.
	env.worker.onPull = func(req *syncapi.PullRequest) {
		for i := range req.Tables {
			req.Tables[i].AfterTimestamp = nil
			req.Tables[i].AfterPK = ""
		}
	}

	_, err := env.engine.Sync(context.Background(), SyncOptions{})
	require.ErrorIs(t, err, syncapi.ErrValidation)
	assert.Contains(t, err.Error(), "did not advance")
}

func TestPull_CatalogParamsSeeCommittedMetadata(t *testing.T) {
	db := openTestDB(t)
	worker := newFakeWorker()
	worker.put("user_profile", "p1", `{"id":"p1","user_id":"user-1","name":"Ann"}`, time.Now())
	worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())

	env := newTestEnvWith(t, db, worker, func(c *Config) {
		c.Params = func(ctx context.Context, db *sql.DB) (map[string]any, error) {
			var name string
			err := db.QueryRowContext(ctx, `SELECT name FROM user_profile WHERE id = 'p1'`).Scan(&name)
			if err != nil {
				return nil, err
			}
			return map[string]any{"profileName": name}, nil
		}
	})
	env.sync(t)

	require.Len(t, worker.pulls, 2)
	meta, catalog := worker.pulls[0], worker.pulls[1]
	require.Len(t, meta.Tables, 1)
	assert.Equal(t, "user_profile", meta.Tables[0].Name)
	assert.Equal(t, []string{"item", "note"}, []string{catalog.Tables[0].Name, catalog.Tables[1].Name})
	assert.Equal(t, "Ann", catalog.Params["profileName"])
	assert.Equal(t, "user-1", catalog.Params["userId"])
}

func TestPull_CatalogFailureKeepsMetadata(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("user_profile", "p1", `{"id":"p1","user_id":"user-1","name":"Ann"}`, time.Now())
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	env.worker.pullErr = func(req *syncapi.PullRequest) error {
		if req.Tables[0].Name == "item" {
			return fmt.Errorf("%w: bad params", syncapi.ErrValidation)
		}
		return nil
	}

	_, err := env.engine.Sync(context.Background(), SyncOptions{})
	require.ErrorIs(t, err, syncapi.ErrValidation)

	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM user_profile`))
	_, ok, err := env.engine.Cursor(context.Background(), "user_profile")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = env.engine.Cursor(context.Background(), "item")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateError, env.engine.Status().State)
}

func TestPull_RetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.put("item", "r1", itemJSON("r1", "one", 1), time.Now())
	calls := 0
	env.worker.pullErr = func(*syncapi.PullRequest) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("%w: 503", syncapi.ErrNetwork)
		}
		return nil
	}

	report := env.sync(t)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, []time.Duration{time.Second}, env.sleeps)
}
