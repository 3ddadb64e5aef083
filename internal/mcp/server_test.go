// ABOUTME: Tests for the MCP HTTP endpoint: session open, routing, close and auth modes
// ABOUTME: Runs the real session table and OAuth provider behind httptest

package mcp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/easel-gateway/internal/oauth"
	"github.com/2389/easel-gateway/internal/session"
	"github.com/2389/easel-gateway/internal/tools"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test","version":"0"}}}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type serverFixture struct {
	server   *Server
	sessions *session.Table
	provider *oauth.Provider
	clock    *testClock
	mux      *http.ServeMux
}

type fixtureOptions struct {
	staticKey string
	withOAuth bool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts fixtureOptions) *serverFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	sessions := session.NewTable(session.Config{
		IdleTimeout:  30 * time.Minute,
		CloseTimeout: time.Second,
		Now:          clock.Now,
		Logger:       testLogger(),
	})

	registry := tools.NewRegistry(testLogger())
	require.NoError(t, registry.RegisterPack(tools.InfoPack(tools.UpstreamInfo{Model: "image-model"})))

	var provider *oauth.Provider
	if opts.withOAuth {
		var err error
		provider, err = oauth.NewProvider(oauth.ProviderConfig{
			Registry: oauth.NewRegistry(clock.Now),
			Issuer:   "https://easel.example.com",
			TokenTTL: time.Hour,
			CodeTTL:  10 * time.Minute,
			Now:      clock.Now,
			Logger:   testLogger(),
		})
		require.NoError(t, err)
	}

	srv, err := NewServer(Config{
		Sessions:     sessions,
		Tools:        registry,
		Provider:     provider,
		StaticAPIKey: opts.staticKey,
		Server:       ServerInfo{Name: "easel-gateway", Version: "test"},
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &serverFixture{server: srv, sessions: sessions, provider: provider, clock: clock, mux: mux}
}

func (f *serverFixture) post(body, sessionID, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

// issueToken walks the provider through registration, approval and exchange.
func (f *serverFixture) issueToken(t *testing.T, secret string) (token, clientID string) {
	t.Helper()
	client := f.provider.Registry().Register(oauth.ClientRegistration{
		RedirectURIs: []string{"https://client.example.com/cb"},
	})
	redirect, err := f.provider.CompleteAuthorization(client, oauth.AuthorizationParams{
		RedirectURI:   "https://client.example.com/cb",
		CodeChallenge: oauth.S256Challenge("verifier"),
	}, secret)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	resp, err := f.provider.ExchangeCode(u.Query().Get("code"))
	require.NoError(t, err)
	return resp.AccessToken, client.ID
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// callInfo runs the info tool and returns its decoded output.
func (f *serverFixture) callInfo(t *testing.T, sessionID, bearer string) map[string]any {
	t.Helper()
	rr := f.post(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"info","arguments":{}}}`, sessionID, bearer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Result MCPCallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Result.Content, 1)
	require.False(t, resp.Result.IsError)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &info))
	return info
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Tools: tools.NewRegistry(nil)})
	assert.Error(t, err)
	_, err = NewServer(Config{Sessions: session.NewTable(session.Config{})})
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.post(initializeBody, "", "sk-passthrough-123456")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sessionID := rr.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, f.sessions.Len())

	result := decodeResponse(t, rr)["result"].(map[string]any)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
	assert.Equal(t, "easel-gateway", result["serverInfo"].(map[string]any)["name"])

	rr = f.post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`, sessionID, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Body.String())

	rr = f.post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, sessionID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"info"`)

	info := f.callInfo(t, sessionID, "")
	assert.Equal(t, true, info["api_key_bound"])
	assert.Equal(t, "****3456", info["api_key_suffix"])

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, sessionID)
	del := httptest.NewRecorder()
	f.mux.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Zero(t, f.sessions.Len())

	rr = f.post(`{"jsonrpc":"2.0","id":4,"method":"ping"}`, sessionID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMissingSessionID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "missing Mcp-Session-Id")
	assert.Zero(t, f.sessions.Len())

	// initialize sent as a notification does not open a session either.
	rr = f.post(`{"jsonrpc":"2.0","method":"initialize"}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rr := f.post(`{"jsonrpc":"2.0","id":2,"method":"ping"}`, "no-such-session", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Zero(t, f.sessions.Len())
}

func TestReclaimedSessionIsNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rr := f.post(initializeBody, "", "")
	sessionID := rr.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	f.clock.Advance(31 * time.Minute)
	require.Equal(t, 1, f.sessions.Sweep(f.clock.Now()))

	rr = f.post(`{"jsonrpc":"2.0","id":2,"method":"ping"}`, sessionID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidMessages(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.post(`{not json`, "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(JSONRPCParseError), decodeResponse(t, rr)["error"].(map[string]any)["code"])

	rr = f.post(initializeBody, "", "")
	sessionID := rr.Header().Get(SessionHeader)

	rr = f.post(`{"jsonrpc":"1.0","id":9,"method":"ping"}`, sessionID, "")
	resp := decodeResponse(t, rr)
	assert.Equal(t, float64(9), resp["id"])
	assert.Equal(t, float64(JSONRPCInvalidRequest), resp["error"].(map[string]any)["code"])

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set(SessionHeader, sessionID)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAndDeleteErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, "missing")
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStaticKeyTakesPrecedence(t *testing.T) {
	f := newFixture(t, fixtureOptions{staticKey: "static-key-abcdefgh", withOAuth: true})
	assert.Equal(t, "static", f.server.SecretMode())

	// No bearer needed: the provider is bypassed.
	rr := f.post(initializeBody, "", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sessionID := rr.Header().Get(SessionHeader)

	info := f.callInfo(t, sessionID, "")
	assert.Equal(t, "****efgh", info["api_key_suffix"])
}

func TestOAuthSessions(t *testing.T) {
	f := newFixture(t, fixtureOptions{withOAuth: true})
	assert.Equal(t, "oauth", f.server.SecretMode())

	rr := f.post(initializeBody, "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "resource_metadata=")
	assert.Zero(t, f.sessions.Len())

	rr = f.post(initializeBody, "", "made-up-token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, clientID := f.issueToken(t, `key&<"with-specials>`)
	rr = f.post(initializeBody, "", token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sessionID := rr.Header().Get(SessionHeader)

	snap := f.sessions.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, clientID, snap[0].ClientID)

	info := f.callInfo(t, sessionID, token)
	assert.Equal(t, true, info["api_key_bound"])

	// Another client cannot drive or close this session.
	other, _ := f.issueToken(t, "other-key")
	rr = f.post(`{"jsonrpc":"2.0","id":2,"method":"ping"}`, sessionID, other)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, sessionID)
	req.Header.Set("Authorization", "Bearer "+other)
	del := httptest.NewRecorder()
	f.mux.ServeHTTP(del, req)
	assert.Equal(t, http.StatusForbidden, del.Code)
	assert.Equal(t, 1, f.sessions.Len())
}

func TestExpiredTokenRejectedOnOpenSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{withOAuth: true})
	token, _ := f.issueToken(t, "sk-long-enough-key-9999")

	rr := f.post(initializeBody, "", token)
	require.Equal(t, http.StatusOK, rr.Code)
	sessionID := rr.Header().Get(SessionHeader)

	// Once the token expires the bearer check rejects the request before
	// it reaches the session.
	f.clock.Advance(2 * time.Hour)
	rr = f.post(`{"jsonrpc":"2.0","id":2,"method":"ping"}`, sessionID, token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 1, f.sessions.Len())
}

func TestPassthroughMode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	assert.Equal(t, "bearer-passthrough", f.server.SecretMode())

	rr := f.post(initializeBody, "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	info := f.callInfo(t, rr.Header().Get(SessionHeader), "")
	assert.Equal(t, false, info["api_key_bound"])
}
