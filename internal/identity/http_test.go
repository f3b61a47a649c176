package identity

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	h := NewHandler(newTestService(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var failures atomic.Int64
	h.OnAuthFailure = func() { failures.Add(1) }

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &failures
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHTTP_RegisterLoginMe(t *testing.T) {
	srv, failures := newTestHandler(t)

	resp, body := postJSON(t, srv.URL+"/api/register", `{"username":"alice","password":"pw12"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.NotEmpty(t, body["token"])

	resp, body = postJSON(t, srv.URL+"/api/register", `{"username":"ALICE","password":"pw12"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, body = postJSON(t, srv.URL+"/api/register", `{"username":"a","password":"pw12"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "Username")

	resp, _ = postJSON(t, srv.URL+"/api/login", `{"username":"alice","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, failures.Load())

	resp, body = postJSON(t, srv.URL+"/api/login", `{"username":"Alice","password":"pw12"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["token"].(string)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer meResp.Body.Close()
	require.Equal(t, http.StatusOK, meResp.StatusCode)
	var me Identity
	require.NoError(t, json.NewDecoder(meResp.Body).Decode(&me))
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, user["id"], me.ID)
}

func TestHTTP_MeRequiresToken(t *testing.T) {
	srv, failures := newTestHandler(t)

	resp, err := http.Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 2, failures.Load())
}

func TestHTTP_BadBody(t *testing.T) {
	srv, _ := newTestHandler(t)
	resp, body := postJSON(t, srv.URL+"/api/login", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "bearer abc")
	token, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	r.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(r)
	assert.False(t, ok)
}
