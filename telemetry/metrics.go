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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/context-store"
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
	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram

	evictionsTotal    metric.Int64Counter
	evictedBytesTotal metric.Int64Counter
	dedupTotal        metric.Int64Counter
	dedupBytesSaved   metric.Int64Counter
	janitorRunsTotal  metric.Int64Counter
	janitorDuration   metric.Float64Histogram
	residentRecords   metric.Int64Gauge
	residentBlobs     metric.Int64Gauge
	residentBytes     metric.Int64Gauge
	memoryUtilization metric.Float64Gauge
	blobWriteSize     metric.Float64Histogram
	backendDuration   metric.Float64Histogram
	backendOpsTotal   metric.Int64Counter
	backendBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "context-store"
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.operationsTotal, err = meter.Int64Counter(
		"context_store_operations_total",
		metric.WithDescription("Total number of store operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.operationDuration, err = meter.Float64Histogram(
		"context_store_operation_duration_seconds",
		metric.WithDescription("Store operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"context_store_evictions_total",
		metric.WithDescription("Total number of evicted records"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.evictedBytesTotal, err = meter.Int64Counter(
		"context_store_evicted_bytes_total",
		metric.WithDescription("Total logical bytes of evicted records"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.dedupTotal, err = meter.Int64Counter(
		"context_store_dedup_total",
		metric.WithDescription("Total number of deduplicated writes"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}

	if m.dedupBytesSaved, err = meter.Int64Counter(
		"context_store_dedup_bytes_saved_total",
		metric.WithDescription("Total bytes not stored because of deduplication"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.janitorRunsTotal, err = meter.Int64Counter(
		"context_store_janitor_runs_total",
		metric.WithDescription("Total number of janitor sweeps"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.janitorDuration, err = meter.Float64Histogram(
		"context_store_janitor_duration_seconds",
		metric.WithDescription("Janitor sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.residentRecords, err = meter.Int64Gauge(
		"context_store_records",
		metric.WithDescription("Number of resident records"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.residentBlobs, err = meter.Int64Gauge(
		"context_store_blobs",
		metric.WithDescription("Number of resident blobs"),
		metric.WithUnit("{blob}"),
	); err != nil {
		return nil, err
	}

	if m.residentBytes, err = meter.Int64Gauge(
		"context_store_resident_bytes",
		metric.WithDescription("Resident bytes by tier"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.memoryUtilization, err = meter.Float64Gauge(
		"context_store_memory_utilization_percent",
		metric.WithDescription("Last sampled memory utilization"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}

	if m.blobWriteSize, err = meter.Float64Histogram(
		"context_store_blob_write_size_bytes",
		metric.WithDescription("Size distribution of blob writes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	); err != nil {
		return nil, err
	}

	if m.backendDuration, err = meter.Float64Histogram(
		"context_store_backend_request_duration_seconds",
		metric.WithDescription("Disk backend operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}

	if m.backendOpsTotal, err = meter.Int64Counter(
		"context_store_backend_requests_total",
		metric.WithDescription("Total disk backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"context_store_backend_bytes_total",
		metric.WithDescription("Total bytes transferred by disk backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return &m, nil
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

// RecordStoreOp records a store, retrieve, delete or warm call.
// The agent label comes from WithAgentContext.
func RecordStoreOp(ctx context.Context, op string, outcome Outcome, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", string(outcome)),
		attribute.String("agent", agentLabel(ctx)),
	)
	globalMetrics.operationsTotal.Add(ctx, 1, attrs)
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEviction records one evicted record and its logical size.
// cause is "capacity", "ttl" or "memory_pressure".
func RecordEviction(ctx context.Context, cause string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cause", cause))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictedBytesTotal.Add(ctx, bytes, attrs)
}

// RecordDedup records a write that matched existing content.
// level is "record" or "blob".
func RecordDedup(ctx context.Context, level string, bytesSaved int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("agent", agentLabel(ctx)),
	)
	globalMetrics.dedupTotal.Add(ctx, 1, attrs)
	if bytesSaved > 0 {
		globalMetrics.dedupBytesSaved.Add(ctx, bytesSaved, attrs)
	}
}

// RecordBlobWrite records a new blob written to a tier.
func RecordBlobWrite(ctx context.Context, tier string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordJanitorRun records one janitor sweep. Called unconditionally per run.
func RecordJanitorRun(ctx context.Context, duration time.Duration, failed bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	globalMetrics.janitorRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.janitorDuration.Record(ctx, duration.Seconds())
}

// RecordMemoryUtilization records the last memory sample as a percentage.
func RecordMemoryUtilization(ctx context.Context, percent float64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.memoryUtilization.Record(ctx, percent)
}

// UpdateResidency updates the residency gauges.
func UpdateResidency(ctx context.Context, records, blobs int, recordBytes, memoryBytes, diskBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.residentRecords.Record(ctx, int64(records))
	globalMetrics.residentBlobs.Record(ctx, int64(blobs))
	globalMetrics.residentBytes.Record(ctx, recordBytes, metric.WithAttributes(attribute.String("tier", "records")))
	globalMetrics.residentBytes.Record(ctx, memoryBytes, metric.WithAttributes(attribute.String("tier", "memory")))
	globalMetrics.residentBytes.Record(ctx, diskBytes, metric.WithAttributes(attribute.String("tier", "disk")))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
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
