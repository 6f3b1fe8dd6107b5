package e2e_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/freeagent-mcp/internal/auth"
	"github.com/alexjbarnes/freeagent-mcp/internal/freeagent"
	"github.com/alexjbarnes/freeagent-mcp/internal/server"
	"github.com/alexjbarnes/freeagent-mcp/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	faClientID     = "fa-client"
	faClientSecret = "fa-secret"
	signingSecret  = "e2e-signing-secret-0123456789abcdef"
	pkceVerifier   = "e2e-test-pkce-verifier-that-is-long-enough"
	redirectURI    = "http://127.0.0.1:19876/callback"
	upstreamCode   = "fa-code"
)

// fakeFreeAgent emulates the FreeAgent token endpoint and the two API
// resources the MCP tools read.
type fakeFreeAgent struct {
	*httptest.Server

	mu     sync.Mutex
	issued map[string]bool
	seq    int
}

func newFakeFreeAgent(t *testing.T) *fakeFreeAgent {
	t.Helper()

	fa := &fakeFreeAgent{issued: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/token_endpoint", fa.handleToken)
	mux.HandleFunc("/v2/company", fa.requireToken(`{"company":{"url":"https://api.freeagent.com/v2/company","name":"Acme Widgets Ltd","currency":"GBP"}}`))
	mux.HandleFunc("/v2/users/me", fa.requireToken(`{"user":{"url":"https://api.freeagent.com/v2/users/1","first_name":"Ada","last_name":"Lovelace","email":"ada@example.com","permission_level":8}}`))

	fa.Server = httptest.NewServer(mux)
	t.Cleanup(fa.Close)

	return fa
}

func (fa *fakeFreeAgent) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != faClientID || pass != faClientSecret {
		writeJSON(w, http.StatusUnauthorized, `{"error":"invalid_client"}`)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_request"}`)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != upstreamCode {
			writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"authorization code expired"}`)
			return
		}
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "fa-refresh" {
			writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, `{"error":"unsupported_grant_type"}`)
		return
	}

	fa.mu.Lock()
	fa.seq++
	access := "fa-access-" + strings.Repeat("x", fa.seq)
	fa.issued[access] = true
	fa.mu.Unlock()

	body, _ := json.Marshal(map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": "fa-refresh",
	})
	writeJSON(w, http.StatusOK, string(body))
}

func (fa *fakeFreeAgent) requireToken(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		fa.mu.Lock()
		ok := fa.issued[token]
		fa.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, `{"errors":{"error":{"message":"Access token not recognised"}}}`)
			return
		}

		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// harness holds the full e2e test stack: a real HTTP server backed by
// the OAuth proxy and MCP tool server, talking to a fake FreeAgent.
type harness struct {
	URL       string
	Client    *http.Client
	FreeAgent *fakeFreeAgent
}

type harnessOptions struct {
	revocation bool
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil, harnessOptions{})
}

// newHarnessWith builds a proxy instance. Passing the fake of an earlier
// harness simulates a restart of the proxy against the same upstream.
func newHarnessWith(t *testing.T, fa *fakeFreeAgent, opts harnessOptions) *harness {
	t.Helper()

	if fa == nil {
		fa = newFakeFreeAgent(t)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	codec, err := auth.NewCodec([]byte(signingSecret))
	require.NoError(t, err)

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux (the callback URL is derived from it).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	proxyCfg := auth.ProxyConfig{
		Codec:    codec,
		Sessions: auth.NewMemorySessionStore(),
		Clients:  auth.NewClientDirectory(),
		Upstream: auth.NewOAuth2Upstream(auth.UpstreamConfig{
			ClientID:     faClientID,
			ClientSecret: faClientSecret,
			BaseURL:      fa.URL,
			RedirectURL:  auth.CallbackURL(serverURL),
		}),
		Logger: logger,
	}

	if opts.revocation {
		denylist, err := state.LoadAt(filepath.Join(t.TempDir(), "revoked.db"))
		require.NoError(t, err)
		t.Cleanup(func() { denylist.Close() })

		proxyCfg.Denylist = denylist
	}

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Proxy:     auth.NewProxy(proxyCfg),
		API:       freeagent.NewClient(fa.URL, nil, nil),
		Logger:    logger,
		ServerURL: serverURL,
		Version:   "e2e",
	})
	ts.Start()
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:       serverURL,
		Client:    client,
		FreeAgent: fa,
	}
}

// tokenResponse is the JSON body returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// oauthError is the JSON error body of the OAuth endpoints.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// registerDynamicClient registers a client via POST /oauth/register.
func (h *harness) registerDynamicClient(t *testing.T, redirectURIs []string) string {
	t.Helper()

	body := map[string][]string{"redirect_uris": redirectURIs}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/oauth/register", b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID     string   `json:"client_id"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)

	return result.ClientID
}

// authorize starts the flow and returns the proxy code the proxy sent
// upstream as state.
func (h *harness) authorize(t *testing.T, clientID string) string {
	t.Helper()

	authURL := h.URL + "/oauth/authorize?" + url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {pkceChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
		"resource":              {h.URL},
	}.Encode()

	resp := h.doGet(t, authURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, h.FreeAgent.URL+"/v2/approve_app", loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, faClientID, loc.Query().Get("client_id"))
	require.Equal(t, h.URL+"/oauth/callback", loc.Query().Get("redirect_uri"))

	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return state
}

// callback plays the upstream's redirect back to the proxy and returns
// the redirect the proxy sends to the client.
func (h *harness) callback(t *testing.T, params url.Values) *url.URL {
	t.Helper()

	resp := h.doGet(t, h.URL+"/oauth/callback?"+params.Encode())
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc
}

// authCodeFlow performs the full authorization code + PKCE flow with
// a freshly registered dynamic client and returns the client id and
// tokens.
func (h *harness) authCodeFlow(t *testing.T) (string, tokenResponse) {
	t.Helper()

	clientID := h.registerDynamicClient(t, []string{redirectURI})
	proxyCode := h.authorize(t, clientID)

	loc := h.callback(t, url.Values{"state": {proxyCode}, "code": {upstreamCode}})
	require.Equal(t, redirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, "e2e-state", loc.Query().Get("state"))
	require.Equal(t, h.URL, loc.Query().Get("iss"))

	code := loc.Query().Get("code")
	require.Equal(t, proxyCode, code)

	resp := h.doPostForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {pkceVerifier},
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return clientID, tr
}

// refresh exchanges a refresh token and returns the raw response.
func (h *harness) refresh(t *testing.T, clientID, refreshToken string) *http.Response {
	t.Helper()

	return h.doPostForm(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	})
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// postMCP sends a raw JSON-RPC body to /mcp with an optional token.
func (h *harness) postMCP(t *testing.T, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doGet performs a GET request with t.Context(). Redirects are not
// followed.
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON performs a POST with JSON body and t.Context().
func (h *harness) doPostJSON(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// extractTextContent returns the first text content of a tool result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}

func decodeOAuthError(t *testing.T, resp *http.Response) oauthError {
	t.Helper()

	var e oauthError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))

	return e
}
