package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/freeagent-mcp/internal/auth"
	"github.com/alexjbarnes/freeagent-mcp/internal/config"
	"github.com/alexjbarnes/freeagent-mcp/internal/freeagent"
	"github.com/alexjbarnes/freeagent-mcp/internal/logging"
	"github.com/alexjbarnes/freeagent-mcp/internal/server"
	"github.com/alexjbarnes/freeagent-mcp/internal/state"
	"github.com/alexjbarnes/freeagent-mcp/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	upstreamHTTPTimeout = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("freeagent-mcp starting",
		slog.String("version", Version),
		slog.String("upstream", cfg.UpstreamBaseURL()),
		slog.String("server_url", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Metrics:        cfg.MetricsEnabled,
		ServiceVersion: Version,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.NewMetrics(tel.Tracer(), tel.Meter())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	secret, err := auth.ResolveSigningSecret(cfg.JWTSecret, logger)
	if err != nil {
		return err
	}

	codec, err := auth.NewCodec(secret)
	if err != nil {
		return err
	}

	httpClient := &http.Client{
		Timeout:   upstreamHTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	upstream := auth.NewOAuth2Upstream(auth.UpstreamConfig{
		ClientID:     cfg.FreeAgentClientID,
		ClientSecret: cfg.FreeAgentClientSecret,
		BaseURL:      cfg.UpstreamBaseURL(),
		RedirectURL:  cfg.CallbackURL(),
		HTTPClient:   httpClient,
		Metrics:      metrics,
	})

	proxyCfg := auth.ProxyConfig{
		Codec:          codec,
		Sessions:       auth.NewMemorySessionStore(),
		Clients:        auth.NewClientDirectory(),
		Upstream:       upstream,
		AccessTokenTTL: cfg.AccessTokenTTL,
		Logger:         logger,
		Metrics:        metrics,
	}

	if cfg.RevocationDBPath != "" {
		denylist, err := openDenylist(cfg.RevocationDBPath, logger)
		if err != nil {
			return err
		}
		defer denylist.Close()

		proxyCfg.Denylist = denylist
	}

	mux := server.NewMux(server.MuxConfig{
		Proxy:          auth.NewProxy(proxyCfg),
		API:            freeagent.NewClient(cfg.UpstreamBaseURL(), nil, metrics),
		Logger:         logger,
		ServerURL:      cfg.ServerURL,
		Version:        Version,
		MetricsHandler: tel.MetricsHandler(),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("callback_url", cfg.CallbackURL()),
			slog.Bool("revocation", cfg.RevocationDBPath != ""),
			slog.Bool("metrics", cfg.MetricsEnabled),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when the context is cancelled or the server fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openDenylist opens the revocation database and drops entries whose
// tokens have expired on their own.
func openDenylist(path string, logger *slog.Logger) (*state.State, error) {
	denylist, err := state.LoadAt(path)
	if err != nil {
		return nil, fmt.Errorf("opening revocation db: %w", err)
	}

	removed, err := denylist.Prune()
	if err != nil {
		logger.Warn("pruning revocation db", slog.String("error", err.Error()))
	}

	logger.Info("revocation enabled",
		slog.String("path", path),
		slog.Int("pruned", removed),
		slog.Int("entries", denylist.Count()),
	)

	return denylist, nil
}
