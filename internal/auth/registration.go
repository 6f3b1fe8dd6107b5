package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/freeagent-mcp/internal/models"
)

// clientIDBytes is the number of random bytes in a registered client id.
const clientIDBytes = 16

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// HandleRegistration returns the /oauth/register handler. Only public
// clients are registered: the token endpoint authenticates nothing but
// PKCE, so a requested secret-based auth method is downgraded to "none".
func HandleRegistration(proxy *Proxy, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
			return
		}

		for _, uri := range req.RedirectURIs {
			if !acceptableRedirectURI(uri) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be https or loopback http URLs")
				return
			}
		}

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}

		for _, g := range grantTypes {
			if g != "authorization_code" && g != "refresh_token" {
				writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported grant type "+g)
				return
			}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		client := &models.OAuthClient{
			ClientID:                RandomHex(clientIDBytes),
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: "none",
		}

		if !proxy.Clients().Register(client) {
			logger.Warn("registration: client directory full")
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "too many registered clients")

			return
		}

		logger.Info("client registered",
			slog.String("client_id", client.ClientID),
			slog.String("client_name", client.ClientName),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(client)
	}
}

// acceptableRedirectURI allows absolute https URLs and http loopback URLs.
func acceptableRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
