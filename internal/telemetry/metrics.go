package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Span and metric attribute keys. Never attach token or code values:
// only metadata such as client ids, grant types and outcomes. Client ids
// are caller supplied and go on spans only, never on metrics.
const (
	AttrClientID     = "oauth.client_id"
	AttrPlaceholder  = "oauth.client_placeholder"
	AttrGrantType    = "oauth.grant_type"
	AttrResult       = "oauth.result"
	AttrLookup       = "oauth.client_lookup"
	AttrOperation    = "upstream.operation"
	AttrUpstreamCode = "upstream.status_code"
)

// Metrics holds the proxy's metric instruments.
type Metrics struct {
	tracer trace.Tracer

	authorizations   metric.Int64Counter
	callbacks        metric.Int64Counter
	tokenGrants      metric.Int64Counter
	clientLookups    metric.Int64Counter
	directoryRestore metric.Int64Counter
	upstreamCalls    metric.Int64Counter
	upstreamDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter. A nil tracer or meter
// falls back to no-op implementations.
func NewMetrics(tracer trace.Tracer, meter metric.Meter) (*Metrics, error) {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}

	if meter == nil {
		meter = noop.NewMeterProvider().Meter(instrumentationName)
	}

	m := &Metrics{tracer: tracer}

	var err error

	m.authorizations, err = meter.Int64Counter("oauth.authorizations",
		metric.WithDescription("Authorization requests redirected upstream"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oauth.authorizations counter: %w", err)
	}

	m.callbacks, err = meter.Int64Counter("oauth.callbacks",
		metric.WithDescription("Upstream callbacks processed, by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oauth.callbacks counter: %w", err)
	}

	m.tokenGrants, err = meter.Int64Counter("oauth.token.grants",
		metric.WithDescription("Token endpoint grants, by grant type and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oauth.token.grants counter: %w", err)
	}

	m.clientLookups, err = meter.Int64Counter("oauth.client.lookups",
		metric.WithDescription("Client directory lookups, by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oauth.client.lookups counter: %w", err)
	}

	m.directoryRestore, err = meter.Int64Counter("oauth.client.restored",
		metric.WithDescription("Client directory entries restored from refresh tokens"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oauth.client.restored counter: %w", err)
	}

	m.upstreamCalls, err = meter.Int64Counter("upstream.requests",
		metric.WithDescription("Requests to the FreeAgent token endpoint and API, by operation and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream.requests counter: %w", err)
	}

	m.upstreamDuration, err = meter.Float64Histogram("upstream.request.duration",
		metric.WithDescription("FreeAgent request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream.request.duration histogram: %w", err)
	}

	return m, nil
}

// NopMetrics returns instruments backed by no-op providers.
func NopMetrics() *Metrics {
	m, err := NewMetrics(nil, nil)
	if err != nil {
		panic("noop metrics: " + err.Error())
	}

	return m
}

// StartSpan starts a span on the proxy's tracer.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

// RecordAuthorization counts an authorization redirected upstream,
// split by whether the client was a reconstructed placeholder.
func (m *Metrics) RecordAuthorization(ctx context.Context, placeholder bool) {
	m.authorizations.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrPlaceholder, placeholder)))
}

// RecordCallback counts a processed upstream callback.
func (m *Metrics) RecordCallback(ctx context.Context, err error) {
	m.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result(err))))
}

// RecordTokenGrant counts a token endpoint grant.
func (m *Metrics) RecordTokenGrant(ctx context.Context, grantType string, err error) {
	m.tokenGrants.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrResult, result(err)),
	))
}

// RecordClientLookup counts a directory lookup by outcome.
func (m *Metrics) RecordClientLookup(ctx context.Context, outcome string) {
	m.clientLookups.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLookup, outcome)))
}

// RecordDirectoryRestore counts a directory entry restored from a token.
func (m *Metrics) RecordDirectoryRestore(ctx context.Context) {
	m.directoryRestore.Add(ctx, 1)
}

// RecordUpstreamCall records one request to FreeAgent.
// status is 0 when no HTTP response was received.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, operation string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrOperation, operation),
		attribute.Int(AttrUpstreamCode, status),
	)
	m.upstreamCalls.Add(ctx, 1, attrs)
	m.upstreamDuration.Record(ctx, durationMs, attrs)
}
