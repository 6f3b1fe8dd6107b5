// Package server provides HTTP server construction for freeagent-mcp.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/freeagent-mcp/internal/auth"
	"github.com/alexjbarnes/freeagent-mcp/internal/mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Proxy     *auth.Proxy
	API       mcpserver.API
	Logger    *slog.Logger
	ServerURL string
	Version   string

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, callback, token, revocation and MCP endpoints. The MCP
// endpoint is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	resourceMetadata := traced("metadata.resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.Handle(auth.ProtectedResourceMetadataPath, resourceMetadata)
	// RFC 9728 path-suffixed form, e.g. /.well-known/oauth-protected-resource/mcp.
	mux.Handle(auth.ProtectedResourceMetadataPath+"/", resourceMetadata)
	mux.Handle(auth.ServerMetadataPath, traced("metadata.server", auth.HandleServerMetadata(cfg.ServerURL)))
	mux.Handle("/oauth/register", traced("register", auth.HandleRegistration(cfg.Proxy, cfg.Logger)))
	mux.Handle("/oauth/authorize", traced("authorize", auth.HandleAuthorize(cfg.Proxy, cfg.Logger, cfg.ServerURL)))
	mux.Handle(auth.CallbackPath, traced("callback", auth.HandleCallback(cfg.Proxy, cfg.Logger, cfg.ServerURL)))
	mux.Handle("/oauth/token", traced("token", auth.HandleToken(cfg.Proxy, cfg.Logger)))
	mux.Handle("/oauth/revoke", traced("revoke", auth.HandleRevoke(cfg.Proxy)))

	authMiddleware := auth.Middleware(cfg.Proxy, cfg.Logger, cfg.ServerURL)
	mux.Handle("/mcp", traced("mcp", authMiddleware(NewMCPHandler(cfg.Version, cfg.API))))

	mux.HandleFunc("/healthz", handleHealth)

	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	return mux
}

// NewMCPHandler returns a stateless streamable HTTP handler. Each request
// gets its own MCP server bound to the upstream token the auth
// middleware placed in the request context.
func NewMCPHandler(version string, api mcpserver.API) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpserver.NewServer(version, api, auth.RequestUpstreamToken(r.Context()))
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})
}

func traced(operation string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "freeagent-mcp.http."+operation)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
