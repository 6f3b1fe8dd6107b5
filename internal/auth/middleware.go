package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
)

type contextKey int

const (
	ctxClientID contextKey = iota
	ctxRemoteIP
	ctxUpstreamToken
)

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// RequestUpstreamToken returns the FreeAgent access token extracted from
// the verified bearer token, or "".
func RequestUpstreamToken(ctx context.Context) string {
	v, _ := ctx.Value(ctxUpstreamToken).(string)
	return v
}

// WithUpstreamToken returns a context carrying an upstream access token,
// as Middleware would set it.
func WithUpstreamToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxUpstreamToken, token)
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
// Authenticated requests carry the client id, remote IP, and upstream
// access token in their context.
func Middleware(proxy *Proxy, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(serverURL, "/") + ProtectedResourceMetadataPath
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)
	wwwAuthExpired := fmt.Sprintf(`Bearer error="invalid_token", error_description="token expired", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimSpace(authHeader[7:])

			info, upstream, err := proxy.Authenticate(token)
			if err == nil {
				logger.Debug("middleware: authenticated via bearer token",
					slog.String("client_id", info.ClientID),
					slog.String("ip", ip),
				)

				// Downstream handlers (MCP tools) call FreeAgent with the
				// upstream token and log the client identity.
				ctx := r.Context()
				ctx = context.WithValue(ctx, ctxClientID, info.ClientID)
				ctx = context.WithValue(ctx, ctxRemoteIP, ip)
				ctx = context.WithValue(ctx, ctxUpstreamToken, upstream)

				next.ServeHTTP(w, r.WithContext(ctx))

				return
			}

			logger.Debug("middleware: bearer token rejected",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)

			if errors.Is(err, apperrors.ErrTokenExpired) {
				w.Header().Set("WWW-Authenticate", wwwAuthExpired)
			} else {
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
			}

			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}
