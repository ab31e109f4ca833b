package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-tablesync/replica"
	"github.com/mobiletoly/go-tablesync/syncapi"
)

const testRules = `
tables:
  - name: note
    category: notes
    pull: {ownerEquals: user_id}
`

const testSchema = `CREATE TABLE IF NOT EXISTS note (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT);`

// fakeWorker accepts every change and answers pulls with no rows.
type fakeWorker struct {
	mu      sync.Mutex
	pushed  []syncapi.Change
	reject  bool
	authHdr string
}

func (f *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", postOnly(func(w http.ResponseWriter, r *http.Request) {
		var req syncapi.PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHdr = r.Header.Get("Authorization")
		resp := syncapi.PushResponse{Accepted: true}
		for _, ch := range req.Changes {
			f.pushed = append(f.pushed, ch)
			res := syncapi.Result{MutationID: ch.MutationID, Outcome: syncapi.OutcomeAccepted, NewVersion: 1}
			if f.reject {
				res = syncapi.Result{MutationID: ch.MutationID, Outcome: syncapi.OutcomeRejected, Reason: syncapi.ReasonForbidden, Message: "not yours"}
			}
			resp.Results = append(resp.Results, res)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	mux.HandleFunc("/sync/pull", postOnly(func(w http.ResponseWriter, r *http.Request) {
		var req syncapi.PullRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var resp syncapi.PullResponse
		for _, tc := range req.Tables {
			resp.Tables = append(resp.Tables, syncapi.TableRows{Name: tc.Name, Rows: []syncapi.Row{}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return mux
}

// postOnly rejects non-POST requests with 405, as a "POST /path" ServeMux
// pattern would on Go 1.22+.
func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

type cliEnv struct {
	dir    string
	db     string
	worker *fakeWorker
	server *httptest.Server
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(testRules), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.sql"), []byte(testSchema), 0o600))

	w := &fakeWorker{}
	server := httptest.NewServer(w.handler())
	t.Cleanup(server.Close)
	return &cliEnv{dir: dir, db: filepath.Join(dir, "replica.db"), worker: w, server: server}
}

func (env *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args,
		"--db", env.db,
		"--server", env.server.URL,
		"--rules", filepath.Join(env.dir, "rules.yaml"),
		"--user", "user-1",
		"--token", "static-token",
		"--env-file", filepath.Join(env.dir, "none.env"),
	))
	err := root.Execute()
	return out.String(), err
}

func (env *cliEnv) exec(t *testing.T, query string) {
	t.Helper()
	db, err := openDB(env.db)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(query)
	require.NoError(t, err)
}

func TestInitSyncStatus(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "init", "--schema", filepath.Join(env.dir, "schema.sql"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 table(s), 0 pending")

	env.exec(t, `INSERT INTO note (id, user_id, title) VALUES ('n1', 'user-1', 'hello')`)

	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:  1")
	assert.Contains(t, out, "never pulled")

	out, err = env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "pushed 1, pulled 0")
	require.Len(t, env.worker.pushed, 1)
	assert.Equal(t, "n1", env.worker.pushed[0].PK)
	assert.Equal(t, "Bearer static-token", env.worker.authHdr)

	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:  0")
	assert.NotContains(t, out, "never pulled")

	out, err = env.run(t, "failures")
	require.NoError(t, err)
	assert.Contains(t, out, "no failures")
}

func TestFailuresAndDismiss(t *testing.T) {
	env := newCLIEnv(t)
	env.worker.reject = true
	_, err := env.run(t, "init", "--schema", filepath.Join(env.dir, "schema.sql"))
	require.NoError(t, err)
	env.exec(t, `INSERT INTO note (id, user_id, title) VALUES ('n1', 'user-2', 'nope')`)

	out, err := env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 rejected")

	out, err = env.run(t, "failures")
	require.NoError(t, err)
	assert.Contains(t, out, "[failed] insert note(n1)")
	assert.Contains(t, out, syncapi.ReasonForbidden)

	_, err = env.run(t, "dismiss")
	require.Error(t, err)

	out, err = env.run(t, "dismiss", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "dismissed 1 change(s)")

	out, err = env.run(t, "failures")
	require.NoError(t, err)
	assert.Contains(t, out, "no failures")
}

func TestResolve_ValidatesArguments(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "resolve", "7")
	require.ErrorContains(t, err, "--keep")
	_, err = env.run(t, "resolve", "x", "--keep", "local")
	require.ErrorContains(t, err, "invalid id")
}

func TestToken_Static(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "init", "--schema", filepath.Join(env.dir, "schema.sql"))
	require.NoError(t, err)
	out, err := env.run(t, "token")
	require.NoError(t, err)
	assert.Equal(t, "static-token", strings.TrimSpace(out))
}

func TestLoadSettings_RequiresUser(t *testing.T) {
	t.Setenv("TABLESYNC_USER", "")
	root := rootCmd()
	root.SetArgs([]string{"status", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.ErrorContains(t, err, "user id is required")
}

func TestPrintStatus(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printStatus(&buf, replica.Status{State: replica.StateError, Failures: 2, Pending: 3, Halted: true}, []tableCursor{
		{Table: "note", At: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), Pulled: true},
		{Table: "tag"},
	})
	out := buf.String()
	assert.Contains(t, out, "status:   error(2)")
	assert.Contains(t, out, "halted")
	assert.Contains(t, out, "pending:  3")
	assert.Contains(t, out, "failures: 2 (see syncctl failures)")
	assert.Contains(t, out, "never pulled")
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printReport(&buf, &replica.CycleReport{Pushed: 2, Pulled: 5, Removed: 1, Conflicts: 1, Rejected: 1, Categories: []string{"notes"}})
	assert.Equal(t, "pushed 2, pulled 5, removed 1, 1 conflict(s), 1 rejected\nchanged: [notes]\n", buf.String())
}
