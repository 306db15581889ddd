package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamiq/mcphub/internal/auth"
	"github.com/dynamiq/mcphub/internal/hub"
	"github.com/dynamiq/mcphub/internal/loader"
	"github.com/dynamiq/mcphub/internal/registry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// stubLoader mounts a fixed handler for every proxy definition, unless the
// id is in refuse.
type stubLoader struct {
	refuse map[string]bool
}

func (s *stubLoader) Kind() registry.ServerKind { return registry.KindProxy }

func (s *stubLoader) Load(_ context.Context, def *registry.ServerDefinition) (*loader.Handle, error) {
	if s.refuse[def.ID] {
		return nil, loader.NewLoadError(loader.FailConnect, "backend refused", nil)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"backend": def.ID, "path": r.URL.Path})
	})
	return loader.NewHandle(def, handler), nil
}

type testEnv struct {
	store  registry.Store
	hub    *hub.Hub
	router http.Handler
	stub   *stubLoader
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := registry.NewMemoryStore()
	stub := &stubLoader{refuse: make(map[string]bool)}
	h := hub.New(store, loader.NewSet(stub), hub.WithLoadTimeout(2*time.Second))
	t.Cleanup(func() { h.Shutdown() })

	tm := auth.NewTokenManager(testSecret, time.Hour, nil)
	token, err := tm.GenerateToken("test-admin", []auth.Scope{auth.ScopeAll})
	require.NoError(t, err)

	handlers := NewHandlers(store, h, tm)
	return &testEnv{
		store:  store,
		hub:    h,
		router: NewRouter(handlers),
		stub:   stub,
		token:  token,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitForState(t *testing.T, id string, want registry.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := e.store.GetStatus(context.Background(), id)
		return err == nil && status.State == want
	}, 5*time.Second, 10*time.Millisecond, "server %s never reached %s", id, want)
}

func proxyBody(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"name":    "server " + id,
		"kind":    "proxy",
		"enabled": true,
		"kindConfig": map[string]any{
			"url": "http://localhost:9000/mcp",
		},
	}
}

func TestCreateServer(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view ServerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "srv-1", view.ID)

	// Registration triggers the load in the background
	e.waitForState(t, "srv-1", registry.StateHealthy)
}

func TestCreateServerRequiresAuth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay open
	rec = e.do(t, http.MethodGet, "/api/v1/servers", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateServerConflictAndValidation(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)

	rec := e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	bad := proxyBody("srv-2")
	bad["kind"] = "mystery"
	rec = e.do(t, http.MethodPost, "/api/v1/servers", bad, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateServerGeneratesID(t *testing.T) {
	e := newTestEnv(t)

	body := proxyBody("")
	delete(body, "id")
	rec := e.do(t, http.MethodPost, "/api/v1/servers", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view ServerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.NotEmpty(t, view.ID)
}

func TestGetServerRedactsSecrets(t *testing.T) {
	e := newTestEnv(t)

	body := proxyBody("srv-1")
	body["authConfig"] = map[string]any{"type": "bearer", "token": "super-secret"}
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", body, true).Code)

	rec := e.do(t, http.MethodGet, "/api/v1/servers/srv-1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.Contains(t, rec.Body.String(), "***")

	// The stored definition keeps the real credential
	def, err := e.store.Get(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", def.AuthConfig.Token)
}

func TestGetServerNotFound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/servers/ghost", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListServersWithStatus(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	rec := e.do(t, http.MethodGet, "/api/v1/servers", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Servers []ServerView `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Servers, 1)
	require.NotNil(t, resp.Servers[0].Status)
	assert.Equal(t, registry.StateHealthy, resp.Servers[0].Status.State)
}

func TestListServersPagination(t *testing.T) {
	e := newTestEnv(t)

	for _, id := range []string{"srv-a", "srv-b", "srv-c"} {
		require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody(id), true).Code)
	}

	rec := e.do(t, http.MethodGet, "/api/v1/servers?limit=2", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Servers    []ServerView `json:"servers"`
		NextCursor string       `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Servers, 2)
	require.NotEmpty(t, page.NextCursor)

	rec = e.do(t, http.MethodGet, "/api/v1/servers?limit=2&cursor="+page.NextCursor, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Servers, 1)
	assert.Empty(t, page.NextCursor)

	rec = e.do(t, http.MethodGet, "/api/v1/servers?limit=nope", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchServers(t *testing.T) {
	e := newTestEnv(t)

	body := proxyBody("srv-gh")
	body["name"] = "GitHub Tools"
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", body, true).Code)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-x"), true).Code)

	rec := e.do(t, http.MethodGet, "/api/v1/servers/search?q=github", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Servers []ServerView `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Servers, 1)
	assert.Equal(t, "srv-gh", resp.Servers[0].ID)
}

func TestUpdateServer(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	body := proxyBody("srv-1")
	body["name"] = "renamed"
	rec := e.do(t, http.MethodPut, "/api/v1/servers/srv-1", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	def, err := e.store.Get(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", def.Name)

	rec = e.do(t, http.MethodPut, "/api/v1/servers/ghost", proxyBody("ghost"), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateServerPartialBody(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	// Only the changed field; everything else keeps its stored value.
	rec := e.do(t, http.MethodPut, "/api/v1/servers/srv-1", map[string]any{"name": "renamed"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	def, err := e.store.Get(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", def.Name)
	assert.Equal(t, registry.KindProxy, def.Kind)
	assert.Equal(t, "http://localhost:9000/mcp", def.KindConfig.URL)
	assert.True(t, def.Enabled)
}

func TestDeleteServer(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	rec := e.do(t, http.MethodDelete, "/api/v1/servers/srv-1", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, mounted := e.hub.Handle("srv-1")
	assert.False(t, mounted)

	rec = e.do(t, http.MethodDelete, "/api/v1/servers/srv-1", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableCycle(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	rec := e.do(t, http.MethodPost, "/api/v1/servers/srv-1/disable", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	e.waitForState(t, "srv-1", registry.StateDisabled)
	_, mounted := e.hub.Handle("srv-1")
	assert.False(t, mounted)

	rec = e.do(t, http.MethodPost, "/api/v1/servers/srv-1/enable", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)
	_, mounted = e.hub.Handle("srv-1")
	assert.True(t, mounted)
}

func TestReloadServer(t *testing.T) {
	e := newTestEnv(t)

	e.stub.refuse["srv-1"] = true
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateFailed)

	// Backend recovers
	delete(e.stub.refuse, "srv-1")
	rec := e.do(t, http.MethodPost, "/api/v1/servers/srv-1/reload", nil, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	rec = e.do(t, http.MethodPost, "/api/v1/servers/ghost/reload", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetServerStatus(t *testing.T) {
	e := newTestEnv(t)

	e.stub.refuse["srv-1"] = true
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateFailed)

	rec := e.do(t, http.MethodGet, "/api/v1/servers/srv-1/status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var status registry.RuntimeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, registry.StateFailed, status.State)
	assert.Contains(t, status.Error, "backend refused")
}

func TestMountedServerRouting(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateHealthy)

	rec := e.do(t, http.MethodPost, "/servers/srv-1/mcp", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "srv-1", resp["backend"])
	assert.Equal(t, "/mcp", resp["path"], "mount prefix is stripped before dispatch")
}

func TestMountedServerUnknownIDIs404(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/servers/ghost/mcp", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMountedServerFailedIs503WithReason(t *testing.T) {
	e := newTestEnv(t)

	e.stub.refuse["srv-1"] = true
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-1"), true).Code)
	e.waitForState(t, "srv-1", registry.StateFailed)

	rec := e.do(t, http.MethodPost, "/servers/srv-1/mcp", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")
	assert.Contains(t, rec.Body.String(), "backend refused")
}

func TestHealthAggregation(t *testing.T) {
	e := newTestEnv(t)

	// No servers at all is ok
	rec := e.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-ok"), true).Code)
	e.waitForState(t, "srv-ok", registry.StateHealthy)

	rec = e.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	// One failed backend degrades but does not take the hub down
	e.stub.refuse["srv-bad"] = true
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/servers", proxyBody("srv-bad"), true).Code)
	e.waitForState(t, "srv-bad", registry.StateFailed)

	rec = e.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	// Every enabled backend failed: unhealthy
	rec = e.do(t, http.MethodPost, "/api/v1/servers/srv-ok/disable", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	e.waitForState(t, "srv-ok", registry.StateDisabled)

	rec = e.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}
