// Package telemetry wires OpenTelemetry tracing and metrics for the proxy.
// Tracing exports over OTLP/HTTP when an endpoint is configured; metrics
// are exposed in Prometheus format when enabled. With neither configured
// the no-op global providers are used and instrumentation costs nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "freeagent-mcp"

	// instrumentationName scopes the tracer and meter.
	instrumentationName = "github.com/alexjbarnes/freeagent-mcp"

	exportTimeout = 10 * time.Second
)

// Config selects which exporters to start.
type Config struct {
	// OTLPEndpoint is an http:// or https:// OTLP/HTTP collector URL.
	// Empty disables trace export.
	OTLPEndpoint string

	// Metrics enables the Prometheus exporter and MetricsHandler.
	Metrics bool

	ServiceVersion string
}

// Provider bundles the tracer and meter providers used by the process.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	sdkTracer      *sdktrace.TracerProvider
	sdkMeter       *sdkmetric.MeterProvider
	metricsHandler http.Handler
	logger         *slog.Logger
}

type otelErrorHandler struct {
	logger *slog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err != nil {
		h.logger.Warn("telemetry exporter error", slog.String("error", err.Error()))
	}
}

// Setup builds the providers for cfg and installs them as the otel
// globals. The returned Provider must be shut down on exit.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		logger:         logger,
	}

	if cfg.OTLPEndpoint == "" && !cfg.Metrics {
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if cfg.OTLPEndpoint != "" {
		tp, err := setupHTTPTracing(ctx, cfg.OTLPEndpoint, res)
		if err != nil {
			return nil, err
		}

		p.sdkTracer = tp
		p.TracerProvider = tp
		otel.SetTracerProvider(tp)
		logger.Info("telemetry tracing enabled", slog.String("endpoint", cfg.OTLPEndpoint))
	}

	if cfg.Metrics {
		registry := prometheus.NewRegistry()

		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		p.sdkMeter = mp
		p.MeterProvider = mp
		p.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		otel.SetMeterProvider(mp)
		logger.Info("telemetry metrics enabled")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	return p, nil
}

func setupHTTPTracing(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("telemetry: missing endpoint host in %q", endpoint)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "4318")
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(host),
		otlptracehttp.WithTimeout(exportTimeout),
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		opts = append(opts, otlptracehttp.WithInsecure())
	case "https":
	default:
		return nil, fmt.Errorf("telemetry: unsupported scheme %q (want http or https)", u.Scheme)
	}

	if path := strings.TrimSuffix(u.Path, "/"); path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(path))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}

// MetricsHandler returns the Prometheus scrape handler, or nil when
// metrics are disabled.
func (p *Provider) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// Tracer returns the proxy's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(instrumentationName)
}

// Meter returns the proxy's meter.
func (p *Provider) Meter() metric.Meter {
	return p.MeterProvider.Meter(instrumentationName)
}

// Shutdown flushes and stops any SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	if p.sdkMeter != nil {
		if err := p.sdkMeter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}

	if p.sdkTracer != nil {
		if err := p.sdkTracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}
