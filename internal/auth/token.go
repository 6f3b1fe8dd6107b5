package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
)

// maxErrorDescription bounds how much of an upstream body is echoed back.
const maxErrorDescription = 1024

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

// HandleToken returns the /oauth/token handler. It supports the
// authorization_code and refresh_token grants for public clients.
func HandleToken(proxy *Proxy, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, err := parseTokenRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		if req.ClientID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
			return
		}

		lookup := proxy.LookupClient(r.Context(), req.ClientID)
		if lookup.Status == ClientMissing {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
			return
		}

		client := lookup.Client

		switch req.GrantType {
		case "authorization_code", "refresh_token":
			if !client.HasGrantType(req.GrantType) {
				writeJSONError(w, http.StatusBadRequest, "unauthorized_client", "grant type not registered for this client")
				return
			}
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
			return
		}

		var resp *TokenResponse

		switch req.GrantType {
		case "authorization_code":
			if req.Code == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
				return
			}

			resp, err = proxy.ExchangeAuthorizationCode(r.Context(), client, req.Code, req.CodeVerifier, req.RedirectURI)
		case "refresh_token":
			if req.RefreshToken == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
				return
			}

			resp, err = proxy.ExchangeRefreshToken(r.Context(), client, req.RefreshToken)
		}

		if err != nil {
			writeTokenError(w, logger, req.GrantType, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// parseTokenRequest accepts both JSON and form-encoded bodies. A client
// id presented through HTTP Basic auth is honoured when the body has none.
func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid request body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, errors.New("invalid form data")
		}

		req = tokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			ClientID:     r.PostFormValue("client_id"),
			RefreshToken: r.PostFormValue("refresh_token"),
		}
	}

	if req.ClientID == "" {
		if user, _, ok := r.BasicAuth(); ok {
			req.ClientID = user
		}
	}

	return req, nil
}

// writeTokenError maps a proxy error onto an RFC 6749 Section 5.2 error
// response. Upstream 4xx responses mean the grant is dead and the user
// must re-authorize; anything else is a server-side failure.
func writeTokenError(w http.ResponseWriter, logger *slog.Logger, grantType string, err error) {
	var ue *apperrors.UpstreamError

	switch {
	case errors.As(err, &ue):
		desc := upstreamDescription(ue)
		if ue.Status >= 400 && ue.Status < 500 {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", desc)
			return
		}

		logger.Error("token: upstream failure",
			slog.String("grant_type", grantType),
			slog.Int("upstream_status", ue.Status),
		)
		writeJSONError(w, http.StatusBadGateway, "server_error", desc)
	case errors.Is(err, apperrors.ErrInvalidGrant):
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", err.Error())
	default:
		logger.Error("token: request failed",
			slog.String("grant_type", grantType),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func upstreamDescription(ue *apperrors.UpstreamError) string {
	body := strings.TrimSpace(string(ue.Body))
	if body == "" {
		return ue.Kind.Error()
	}

	if len(body) > maxErrorDescription {
		body = body[:maxErrorDescription]
	}

	return ue.Kind.Error() + ": " + body
}
