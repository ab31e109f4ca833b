package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

type fakeProcessor struct {
	userID   string
	deviceID string
	push     *syncapi.PushRequest
	pull     *syncapi.PullRequest
	err      error
}

func (f *fakeProcessor) ProcessPush(_ context.Context, userID, deviceID string, req *syncapi.PushRequest) (*syncapi.PushResponse, error) {
	f.userID, f.deviceID, f.push = userID, deviceID, req
	if f.err != nil {
		return nil, f.err
	}
	resp := &syncapi.PushResponse{Accepted: true}
	for _, ch := range req.Changes {
		resp.Results = append(resp.Results, syncapi.Result{MutationID: ch.MutationID, Outcome: syncapi.OutcomeAccepted, NewVersion: 1})
	}
	return resp, nil
}

func (f *fakeProcessor) ProcessPull(_ context.Context, userID string, req *syncapi.PullRequest) (*syncapi.PullResponse, error) {
	f.userID, f.pull = userID, req
	if f.err != nil {
		return nil, f.err
	}
	return &syncapi.PullResponse{Tables: []syncapi.TableRows{{Name: "item", Rows: []syncapi.Row{}}}}, nil
}

type routerEnv struct {
	processor *fakeProcessor
	handlers  *HTTPHandlers
	server    *httptest.Server
	token     string
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret", nil)
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	p := &fakeProcessor{}
	h := NewHTTPHandlers(p, nil)
	events := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }
	server := httptest.NewServer(NewRouter(h, jwtAuth, events))
	t.Cleanup(server.Close)
	return &routerEnv{processor: p, handlers: h, server: server, token: token}
}

func (env *routerEnv) post(t *testing.T, path string, body []byte) (*http.Response, syncapi.ErrorResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var errBody syncapi.ErrorResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
	}
	return resp, errBody
}

func TestRouter_Health(t *testing.T) {
	env := newRouterEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_RequiresToken(t *testing.T) {
	env := newRouterEnv(t)
	for _, path := range []string{"/sync/push", "/sync/pull"} {
		resp, err := http.Post(env.server.URL+path, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, err := http.Get(env.server.URL + "/sync/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlePush_PassesIdentity(t *testing.T) {
	env := newRouterEnv(t)
	body, err := json.Marshal(syncapi.PushRequest{Changes: []syncapi.Change{
		{Table: "item", PK: "a", Operation: syncapi.OpInsert, MutationID: "m1", Snapshot: json.RawMessage(`{"id":"a"}`)},
	}})
	require.NoError(t, err)

	resp, _ := env.post(t, "/sync/push", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out syncapi.PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "m1", out.Results[0].MutationID)
	assert.Equal(t, "user-1", env.processor.userID)
	assert.Equal(t, "device-1", env.processor.deviceID)
}

func TestHandlePull_PassesRequest(t *testing.T) {
	env := newRouterEnv(t)
	resp, _ := env.post(t, "/sync/pull", []byte(`{"tables":[{"name":"item"}],"params":{"deck":"d1"},"limit":10}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, env.processor.pull)
	assert.Equal(t, 10, env.processor.pull.Limit)
	assert.Equal(t, "d1", env.processor.pull.Params["deck"])
	assert.Equal(t, "user-1", env.processor.userID)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: no tables", ErrBadPayload), http.StatusBadRequest, syncapi.ReasonBadPayload},
		{fmt.Errorf("%w: \"x\"", ErrUnregisteredTable), http.StatusBadRequest, syncapi.ReasonUnregisteredTable},
		{fmt.Errorf("%w: other user", ErrForbidden), http.StatusForbidden, syncapi.ReasonForbidden},
		{ErrServiceClosed, http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "pull_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			env := newRouterEnv(t)
			env.processor.err = tc.err
			resp, body := env.post(t, "/sync/pull", []byte(`{"tables":[{"name":"item"}]}`))
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, body.Error)
		})
	}
}

func TestHandlers_BadBody(t *testing.T) {
	env := newRouterEnv(t)
	resp, body := env.post(t, "/sync/push", []byte(`{"changes":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body.Error)
	assert.Nil(t, env.processor.push)
}

func TestHandlers_OversizedBody(t *testing.T) {
	env := newRouterEnv(t)
	env.handlers.MaxBodyBytes = 64
	payload := `{"changes":[{"table":"item","pk":"` + strings.Repeat("a", 200) + `"}]}`
	resp, body := env.post(t, "/sync/push", []byte(payload))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, syncapi.ReasonBatchTooLarge, body.Error)
}
