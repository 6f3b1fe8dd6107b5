package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/freeagent-mcp/internal/auth"
	"github.com/alexjbarnes/freeagent-mcp/internal/freeagent"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServerURL = "https://mcp.example.com"
	testSecret    = "test-signing-secret-0123456789abcdef"
)

// fakeAPI records the upstream tokens the MCP tools were called with.
type fakeAPI struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakeAPI) GetCompany(_ context.Context, token string) (*freeagent.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return &freeagent.Company{Name: "Acme Widgets Ltd"}, nil
}

func (f *fakeAPI) GetCurrentUser(_ context.Context, token string) (*freeagent.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return &freeagent.User{FirstName: "Ada"}, nil
}

func (f *fakeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type testMux struct {
	handler http.Handler
	codec   *auth.Codec
	api     *fakeAPI
}

func newTestMux(t *testing.T, metrics http.Handler) *testMux {
	t.Helper()

	codec, err := auth.NewCodec([]byte(testSecret))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	proxy := auth.NewProxy(auth.ProxyConfig{
		Codec:    codec,
		Sessions: auth.NewMemorySessionStore(),
		Clients:  auth.NewClientDirectory(),
		Upstream: auth.NewOAuth2Upstream(auth.UpstreamConfig{
			ClientID:     "fa-client",
			ClientSecret: "fa-secret",
			BaseURL:      "http://127.0.0.1:1",
			RedirectURL:  auth.CallbackURL(testServerURL),
		}),
		Logger: logger,
	})

	api := &fakeAPI{}

	return &testMux{
		handler: NewMux(MuxConfig{
			Proxy:          proxy,
			API:            api,
			Logger:         logger,
			ServerURL:      testServerURL,
			Version:        "test",
			MetricsHandler: metrics,
		}),
		codec: codec,
		api:   api,
	}
}

func (m *testMux) accessToken(t *testing.T, upstream string) string {
	t.Helper()
	tok, err := m.codec.Encode(auth.Claims{
		ClientID:            "client-1",
		UpstreamAccessToken: upstream,
		Scopes:              []string{auth.ProxyScope},
	}, auth.KindAccess, time.Hour)
	require.NoError(t, err)
	return tok
}

func (m *testMux) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	m.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	m := newTestMux(t, nil)

	rec := m.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = m.do(httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetadataRoutes(t *testing.T) {
	m := newTestMux(t, nil)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
		"/.well-known/oauth-protected-resource/mcp",
	} {
		rec := m.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), path)
	}
}

func TestOAuthRoutesMounted(t *testing.T) {
	m := newTestMux(t, nil)

	rec := m.do(httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "authorize without client_id")

	rec = m.do(httptest.NewRequest(http.MethodGet, "/oauth/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "callback without state")

	rec = m.do(httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = m.do(httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader("token=x")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := newTestMux(t, nil)
	rec := m.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	m = newTestMux(t, metrics)
	rec = m.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())
}

func TestMCP_RequiresBearer(t *testing.T) {
	m := newTestMux(t, nil)

	rec := m.do(httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t,
		`Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
		rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = m.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMCP_Initialize(t *testing.T) {
	m := newTestMux(t, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+m.accessToken(t, "fa-access"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	rec := m.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"freeagent-mcp"`)
}

// bearerTransport adds a fixed Authorization header to every request.
type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(r)
}

func TestMCP_ToolCallUsesRequestUpstreamToken(t *testing.T) {
	m := newTestMux(t, nil)
	srv := httptest.NewServer(m.handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: m.accessToken(t, "fa-access-42")}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "freeagent_get_company",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"fa-access-42"}, m.api.seen())
}
