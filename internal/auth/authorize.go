package auth

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/freeagent-mcp/internal/models"
)

// maxRequestBody caps form and JSON bodies on the OAuth endpoints.
const maxRequestBody = 64 * 1024

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// resourceMatches compares a client-supplied resource URI against the
// server's canonical URL. Trailing slashes are stripped before comparison
// because clients may include them (both forms are valid per RFC 3986).
func resourceMatches(resource, serverURL string) bool {
	return strings.TrimRight(resource, "/") == strings.TrimRight(serverURL, "/")
}

// appendQuery adds params to rawURL, keeping any existing query component
// (RFC 6749 Section 4.1.2).
func appendQuery(rawURL string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}

	return rawURL + sep + params.Encode()
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// HandleAuthorize returns the /oauth/authorize handler. It validates the
// caller's request, parks it in the session store, and sends the
// user-agent to the FreeAgent consent page. There is no local login: the
// user authenticates with FreeAgent.
func HandleAuthorize(proxy *Proxy, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		clientID := q.Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		lookup := proxy.LookupClient(r.Context(), clientID)
		if lookup.Status == ClientMissing {
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		client := lookup.Client

		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			// RFC 6749 Section 3.1.2.3: when only one redirect URI is
			// registered, use it. Otherwise require an explicit value.
			if len(client.RedirectURIs) == 1 {
				redirectURI = client.RedirectURIs[0]
			} else {
				http.Error(w, "redirect_uri is required", http.StatusBadRequest)
				return
			}
		} else if !validateRedirectURI(client, redirectURI) {
			logger.Warn("authorize: redirect_uri rejected",
				slog.String("client_id", clientID),
				slog.String("ip", remoteIP(r)),
			)
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)

			return
		}

		// Errors from here on go back to the client's redirect_uri.
		responseType := q.Get("response_type")
		state := q.Get("state")

		if responseType != "code" {
			errCode := "unsupported_response_type"
			if responseType == "" {
				errCode = "invalid_request"
			}

			redirectWithError(w, r, redirectURI, state, errCode, "response_type must be \"code\"")

			return
		}

		codeChallenge := q.Get("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		codeChallengeMethod := q.Get("code_challenge_method")
		if codeChallengeMethod != "" && codeChallengeMethod != "S256" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
			return
		}

		// RFC 8707: tolerate an absent resource, reject a foreign one.
		resource := q.Get("resource")
		if resource != "" && !resourceMatches(resource, serverURL) {
			redirectWithError(w, r, redirectURI, state, "invalid_target", "resource parameter does not match this server")
			return
		}

		upstreamURL, err := proxy.Authorize(r.Context(), client, AuthorizeParams{
			CodeChallenge: codeChallenge,
			RedirectURI:   redirectURI,
			State:         state,
		})
		if err != nil {
			logger.Error("authorize: starting upstream authorization failed",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()),
			)
			redirectWithError(w, r, redirectURI, state, "server_error", "could not start authorization with FreeAgent")

			return
		}

		http.Redirect(w, r, upstreamURL, http.StatusFound)
	}
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// For localhost URIs (http://127.0.0.1 or http://localhost), prefix
// matching is used so any port and path are accepted. This follows
// RFC 8252 Section 7.3 which allows dynamic ports for loopback redirects.
//
// A placeholder client carries no registered URIs, so any https or
// loopback URI is accepted for it. The code issued to that URI is still
// bound to the PKCE challenge and client id, and refresh re-derives the
// client from the signed token. A real client with no registered URIs is
// limited to loopback.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil || u.Host == "" {
			return false
		}

		if client.Placeholder && u.Scheme == "https" {
			return true
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		// Compare parsed hostnames to prevent DNS confusion
		// (e.g. 127.0.0.1.evil.com).
		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// (http://127.0.0.1 or http://localhost) without a port or path.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect checks if redirectURI is a loopback redirect matching
// the registered prefix by scheme and hostname.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
