package worker

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

func testRegistry(t *testing.T) *syncrules.Registry {
	t.Helper()
	reg, err := syncrules.New([]syncrules.TableDef{
		{Name: "deck_member", Phase: syncrules.PhaseMetadata, Pull: syncrules.OwnerEquals{Column: "user_id"}},
		{Name: "tag", Pull: syncrules.OwnerNullableEquals{Column: "owner_id"}},
		{Name: "card", Pull: syncrules.MemberOf{Column: "deck_id", Collection: "my_decks"}},
		{Name: "item", Pull: syncrules.ServerComputed{Function: "app.visible_items", Params: []string{"userId", "genre"}}},
		{Name: "genre", Pull: syncrules.Unrestricted{}},
	}, []syncrules.Collection{{Name: "my_decks", Table: "deck_member", Member: "deck_id", Owner: "user_id"}})
	require.NoError(t, err)
	return reg
}

func newRulesOnlyService(t *testing.T) *Service {
	return &Service{rules: testRegistry(t), config: DefaultServiceConfig(), logger: slog.Default()}
}

func TestPullQuery_Predicates(t *testing.T) {
	s := newRulesOnlyService(t)
	params := map[string]any{"userId": "u1", "genre": json.Number("7")}

	cases := []struct {
		table string
		want  string
		args  []any
	}{
		{"deck_member", "r.payload->>$2::text = $3", []any{"deck_member", "user_id", "u1"}},
		{"tag", "(r.payload->>$2::text = $3 OR r.payload->>$2::text IS NULL)", []any{"tag", "owner_id", "u1"}},
		{"card", "r.payload->>$2::text IN (SELECT m.payload->>$3::text FROM sync.sync_rows m WHERE m.table_name = $4 AND NOT m.deleted AND m.payload->>$5::text = $6)",
			[]any{"card", "deck_id", "deck_id", "deck_member", "user_id", "u1"}},
		{"item", `r.pk IN (SELECT vis.pk::text FROM "app"."visible_items"($2::text, $3::text) AS vis(pk))`, []any{"item", "u1", "7"}},
		{"genre", "TRUE", []any{"genre"}},
	}
	for _, tc := range cases {
		t.Run(tc.table, func(t *testing.T) {
			def, ok := s.rules.Lookup(tc.table)
			require.True(t, ok)
			query, args, err := s.pullQuery("u1", def, syncapi.TableCursor{Name: tc.table}, true, params, 10)
			require.NoError(t, err)
			assert.Contains(t, query, "WHERE r.table_name = $1")
			assert.Contains(t, query, tc.want)
			assert.Contains(t, query, "NOT r.deleted", "full listings skip tombstones")
			assert.Contains(t, query, "ORDER BY r.last_modified_at, r.pk")
			assert.Equal(t, append(tc.args, 11), args)
		})
	}
}

func TestPullQuery_Cursor(t *testing.T) {
	s := newRulesOnlyService(t)
	def, _ := s.rules.Lookup("genre")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	query, args, err := s.pullQuery("u1", def, syncapi.TableCursor{Name: "genre", AfterTimestamp: &at, AfterPK: "g9"}, false, nil, 5)
	require.NoError(t, err)
	assert.Contains(t, query, "(r.last_modified_at, r.pk) > ($2::timestamptz, $3::text)")
	assert.NotContains(t, query, "NOT r.deleted", "incremental pulls carry tombstones")
	assert.Equal(t, []any{"genre", at, "g9", 6}, args)
}

func TestPullQuery_ListingPagesAfterCursor(t *testing.T) {
	s := newRulesOnlyService(t)
	def, _ := s.rules.Lookup("genre")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	query, args, err := s.pullQuery("u1", def, syncapi.TableCursor{Name: "genre", AfterTimestamp: &at, AfterPK: "g9"}, true, nil, 5)
	require.NoError(t, err)
	assert.Contains(t, query, "(r.last_modified_at, r.pk) > ($2::timestamptz, $3::text)", "later listing pages resume after the cursor")
	assert.Contains(t, query, "NOT r.deleted")
	assert.Equal(t, []any{"genre", at, "g9", 6}, args)
}

func TestPullQuery_MissingServerParam(t *testing.T) {
	s := newRulesOnlyService(t)
	def, _ := s.rules.Lookup("item")
	_, _, err := s.pullQuery("u1", def, syncapi.TableCursor{Name: "item"}, true, map[string]any{"userId": "u1"}, 5)
	require.ErrorIs(t, err, ErrBadPayload)
	assert.Contains(t, err.Error(), "genre")

	_, _, err = s.pullQuery("u1", def, syncapi.TableCursor{Name: "item"}, true, map[string]any{"userId": "u1", "genre": nil}, 5)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestValidateChange(t *testing.T) {
	s := newRulesOnlyService(t)
	good := syncapi.Change{Table: "TAG", PK: "t1", Operation: syncapi.OpInsert, MutationID: "m", Snapshot: json.RawMessage(`{"id":"t1"}`)}

	ch := good
	def, err := s.validateChange(&ch)
	require.NoError(t, err)
	assert.Equal(t, "tag", def.Name)
	assert.Equal(t, "tag", ch.Table)

	del := syncapi.Change{Table: "tag", PK: "t1", Operation: syncapi.OpDelete, MutationID: "m"}
	_, err = s.validateChange(&del)
	require.NoError(t, err, "deletes need no snapshot")

	bad := []struct {
		name   string
		mutate func(*syncapi.Change)
		want   error
	}{
		{"unregistered", func(c *syncapi.Change) { c.Table = "nope" }, ErrUnregisteredTable},
		{"operation", func(c *syncapi.Change) { c.Operation = "upsert" }, ErrBadPayload},
		{"pk", func(c *syncapi.Change) { c.PK = " " }, ErrBadPayload},
		{"mutation", func(c *syncapi.Change) { c.MutationID = "" }, ErrBadPayload},
		{"version", func(c *syncapi.Change) { c.ClientVersion = -1 }, ErrBadPayload},
		{"array snapshot", func(c *syncapi.Change) { c.Snapshot = json.RawMessage(`[1]`) }, ErrBadPayload},
		{"null snapshot", func(c *syncapi.Change) { c.Snapshot = json.RawMessage(`null`) }, ErrBadPayload},
		{"missing snapshot", func(c *syncapi.Change) { c.Snapshot = nil }, ErrBadPayload},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			ch := good
			tc.mutate(&ch)
			_, err := s.validateChange(&ch)
			require.ErrorIs(t, err, tc.want)

			res := rejection(ch.MutationID, err)
			assert.Equal(t, syncapi.OutcomeRejected, res.Outcome)
		})
	}
}

func TestScalarText(t *testing.T) {
	obj, err := decodeObject(json.RawMessage(`{"s":"x","n":42,"f":1.5,"b":true,"z":null,"o":{}}`))
	require.NoError(t, err)
	for key, want := range map[string]string{"s": "x", "n": "42", "f": "1.5", "b": "true"} {
		got, ok := scalarText(obj[key])
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	for _, key := range []string{"z", "o", "missing"} {
		_, ok := scalarText(obj[key])
		assert.False(t, ok, key)
	}
}
