package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/media-gateway"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	persistWriteSize    metric.Float64Histogram
	persistSkippedTotal metric.Int64Counter

	signedURLTotal metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	fastTierEntries metric.Int64Gauge
	fastTierBytes   metric.Int64Gauge
	fastTierGhosts  metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-gateway"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"media_gateway_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"media_gateway_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"media_gateway_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"media_gateway_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"media_gateway_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"media_gateway_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream source fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"media_gateway_upstream_fetch_total",
		metric.WithDescription("Total upstream source fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"media_gateway_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream sources"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	persistWriteSize, err := meter.Float64Histogram(
		"media_gateway_persist_write_size_bytes",
		metric.WithDescription("Size of response bodies written to the persistent tier"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 131072, 1048576, 4194304, 10485760, 33554432, 67108864, 134217728),
	)
	if err != nil {
		return err
	}

	persistSkippedTotal, err := meter.Int64Counter(
		"media_gateway_persist_skipped_total",
		metric.WithDescription("Total persistence writes skipped or abandoned"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	signedURLTotal, err := meter.Int64Counter(
		"media_gateway_signed_url_total",
		metric.WithDescription("Total signed URL cache operations by result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"media_gateway_reaper_deleted_total",
		metric.WithDescription("Total expired entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"media_gateway_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	fastTierEntries, err := meter.Int64Gauge(
		"media_gateway_fast_tier_entries",
		metric.WithDescription("Current entries in the fast tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	fastTierBytes, err := meter.Int64Gauge(
		"media_gateway_fast_tier_bytes",
		metric.WithDescription("Current bytes held by the fast tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fastTierGhosts, err := meter.Int64Gauge(
		"media_gateway_fast_tier_ghost_entries",
		metric.WithDescription("Current entries in the fast tier ghost set"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		cacheLookupsTotal:       cacheLookupsTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		persistWriteSize:        persistWriteSize,
		persistSkippedTotal:     persistSkippedTotal,
		signedURLTotal:          signedURLTotal,
		reaperDeletedTotal:      reaperDeletedTotal,
		reaperDuration:          reaperDuration,
		fastTierEntries:         fastTierEntries,
		fastTierBytes:           fastTierBytes,
		fastTierGhosts:          fastTierGhosts,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Origin, source, and cache result are read from request tags set by
// middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	source := "none"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Source != "" {
			source = tags.Source
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {source, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("source", source),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordCacheLookup records one tiered cache lookup outcome.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", string(result))))
}

// UpstreamFetch describes one upstream source fetch for metrics. Auth is
// one of the Auth* constants; Ranged marks byte range fetches.
type UpstreamFetch struct {
	Source   string
	Auth     string
	Ranged   bool
	Outcome  string
	Duration time.Duration
	Bytes    int64
}

// RecordUpstreamFetch records one upstream source fetch.
func RecordUpstreamFetch(ctx context.Context, f UpstreamFetch) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", f.Source),
		attribute.String("auth", f.Auth),
		attribute.Bool("ranged", f.Ranged),
		attribute.String("outcome", f.Outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, metric.WithAttributes(attrs...))
	}
}

// RecordPersistWrite records a completed persistence write.
// mode is "single" or "chunked".
func RecordPersistWrite(ctx context.Context, mode string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.persistWriteSize.Record(ctx, float64(size),
		metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordPersistSkip records a persistence write that was skipped or
// abandoned. reason is "too_large", "no_store", or "error".
func RecordPersistSkip(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.persistSkippedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSignedURL records a signed URL cache operation.
// result is "hit", "miss", "refresh", or "refresh_failed".
func RecordSignedURL(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.signedURLTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// UpdateFastTierState updates the fast tier occupancy gauges.
func UpdateFastTierState(ctx context.Context, entries int, bytes int64, ghosts int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fastTierEntries.Record(ctx, int64(entries))
	globalMetrics.fastTierBytes.Record(ctx, bytes)
	globalMetrics.fastTierGhosts.Record(ctx, int64(ghosts))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
