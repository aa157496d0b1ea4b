package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "github.com/talkingthreads/goblin"
	tracerName = "github.com/talkingthreads/goblin"
)

// Metric instruments for the gateway core. Names follow the observability
// contract: counters and gauges are labelled by backend, capability kind,
// status and mime type.
var (
	ToolCallCounter     metric.Int64Counter
	ToolCallDuration    metric.Float64Histogram
	ResourceReadCounter metric.Int64Counter
	SyncFailureCounter  metric.Int64Counter
	ActiveConnections   metric.Int64UpDownCounter
	ActiveSubscriptions metric.Int64UpDownCounter

	initOnce sync.Once
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
)

// Init installs a manual-reader metric provider as the global one and creates
// the gateway's instruments. A global provider set earlier by the host process
// is replaced. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		reader = sdkmetric.NewManualReader()
		provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		otel.SetMeterProvider(provider)

		meter := otel.Meter(meterName)

		ToolCallCounter, _ = meter.Int64Counter("tool_calls_total",
			metric.WithDescription("Tool calls forwarded to backends, by backend and status"))
		ToolCallDuration, _ = meter.Float64Histogram("tool_call_duration_ms",
			metric.WithDescription("Tool call duration in milliseconds"),
			metric.WithUnit("ms"))
		ResourceReadCounter, _ = meter.Int64Counter("resource_reads_total",
			metric.WithDescription("Resource reads forwarded to backends, by backend, mime type and status"))
		SyncFailureCounter, _ = meter.Int64Counter("sync_failures_total",
			metric.WithDescription("Catalog sync failures, by backend and capability kind"))
		ActiveConnections, _ = meter.Int64UpDownCounter("active_connections",
			metric.WithDescription("Currently established backend connections"))
		ActiveSubscriptions, _ = meter.Int64UpDownCounter("subscriptions_active",
			metric.WithDescription("Currently active client resource subscriptions"))
	})
}

// Shutdown flushes and stops the metric provider installed by Init.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// RecordGatewayStart records a gateway start event with its transport mode.
func RecordGatewayStart(ctx context.Context, transport string) {
	meter := otel.Meter(meterName)
	counter, err := meter.Int64Counter("gateway_starts_total",
		metric.WithDescription("Gateway start events, by client transport"))
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordToolCall records one forwarded tool call.
func RecordToolCall(ctx context.Context, backend, status string) {
	if ToolCallCounter == nil {
		return
	}
	ToolCallCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}

// RecordToolCallDuration records the duration of one forwarded tool call.
func RecordToolCallDuration(ctx context.Context, backend string, ms float64) {
	if ToolCallDuration == nil {
		return
	}
	ToolCallDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}

// RecordResourceRead records one forwarded resource read.
func RecordResourceRead(ctx context.Context, backend, mime, status string) {
	if ResourceReadCounter == nil {
		return
	}
	ResourceReadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("mime", mime),
		attribute.String("status", status),
	))
}

// RecordSyncFailure records one failed catalog sync.
func RecordSyncFailure(ctx context.Context, backend, kind string) {
	if SyncFailureCounter == nil {
		return
	}
	SyncFailureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("kind", kind),
	))
}

// AddActiveConnections adjusts the backend connection gauge.
func AddActiveConnections(ctx context.Context, backend string, delta int64) {
	if ActiveConnections == nil {
		return
	}
	ActiveConnections.Add(ctx, delta, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}

// AddActiveSubscriptions adjusts the subscription gauge.
func AddActiveSubscriptions(ctx context.Context, delta int64) {
	if ActiveSubscriptions == nil {
		return
	}
	ActiveSubscriptions.Add(ctx, delta)
}

// StartToolCallSpan starts a span covering one forwarded tool call.
func StartToolCallSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "mcp.tool.call",
		trace.WithAttributes(append(attrs, attribute.String("mcp.tool.name", toolName))...))
}

// ForceFlush exports any accumulated metrics. Used by the gateway's periodic
// export loop; the ManualReader only exports when asked.
func ForceFlush(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.ForceFlush(ctx)
}
