package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
)

// CallbackPath is where FreeAgent returns the user-agent. The full URL is
// registered with FreeAgent and never varies per client.
const CallbackPath = "/oauth/callback"

// HandleCallback returns the /oauth/callback handler. FreeAgent echoes
// the proxy code as state; the handler attaches the upstream code to the
// parked authorization and redirects the user-agent to the original
// client with the proxy code as its authorization code.
func HandleCallback(proxy *Proxy, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		res, err := proxy.Callback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))
		if err != nil {
			if errors.Is(err, apperrors.ErrUnknownCode) {
				logger.Info("callback: authorization session not found",
					slog.String("ip", remoteIP(r)),
				)
				http.Error(w, "authorization session expired, please retry", http.StatusBadRequest)

				return
			}

			logger.Error("callback failed", slog.String("error", err.Error()))
			http.Error(w, "authorization failed", http.StatusInternalServerError)

			return
		}

		if res.Error != "" {
			redirectWithError(w, r, res.RedirectURI, res.State, res.Error, res.ErrorDescription)
			return
		}

		params := url.Values{}
		params.Set("code", res.Code)

		if res.State != "" {
			params.Set("state", res.State)
		}

		// RFC 9207: include the issuer identifier to prevent mix-up attacks.
		if serverURL != "" {
			params.Set("iss", serverURL)
		}

		http.Redirect(w, r, appendQuery(res.RedirectURI, params), http.StatusFound)
	}
}
