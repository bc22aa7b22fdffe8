// Package telemetry wires up the OpenTelemetry metrics pipeline and the
// Prometheus exporter used across the proxy.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dny/pkg/config"
	"dny/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and the Prometheus exporter plumbing.
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query flow
	QueriesTotal    metric.Int64Counter
	QueriesByType   metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	InflightWorkers metric.Int64UpDownCounter

	// Cache
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheSize   metric.Int64UpDownCounter

	// Upstream walk
	BlockedResponses   metric.Int64Counter
	FailoversUsed      metric.Int64Counter
	ResolutionFailures metric.Int64Counter

	// Collaborators
	ClassifierInappropriate metric.Int64Counter
	StorageQueriesDropped   metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
		logger.Info("Prometheus metrics enabled", "port", cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dny")

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByType, err := meter.Int64Counter(
		"dns.queries.by_type",
		metric.WithDescription("DNS queries by query type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by type counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	inflightWorkers, err := meter.Int64UpDownCounter(
		"dns.workers.inflight",
		metric.WithDescription("Number of query workers currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight workers gauge: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Number of DNS cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Number of DNS cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	cacheSize, err := meter.Int64UpDownCounter(
		"dns.cache.size",
		metric.WithDescription("Number of entries in the response cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	blockedResponses, err := meter.Int64Counter(
		"dns.responses.blocked",
		metric.WithDescription("Upstream responses rejected by the block policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked responses counter: %w", err)
	}

	failoversUsed, err := meter.Int64Counter(
		"dns.upstream.failovers",
		metric.WithDescription("Queries answered by a fallback upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failovers counter: %w", err)
	}

	resolutionFailures, err := meter.Int64Counter(
		"dns.resolution.failures",
		metric.WithDescription("Queries for which every upstream failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution failures counter: %w", err)
	}

	classifierInappropriate, err := meter.Int64Counter(
		"classifier.verdicts.inappropriate",
		metric.WithDescription("Domains the content classifier flagged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier verdicts counter: %w", err)
	}

	storageQueriesDropped, err := meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Query log entries dropped due to full buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage queries dropped counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:            queriesTotal,
		QueriesByType:           queriesByType,
		QueryDuration:           queryDuration,
		InflightWorkers:         inflightWorkers,
		CacheHits:               cacheHits,
		CacheMisses:             cacheMisses,
		CacheSize:               cacheSize,
		BlockedResponses:        blockedResponses,
		FailoversUsed:           failoversUsed,
		ResolutionFailures:      resolutionFailures,
		ClassifierInappropriate: classifierInappropriate,
		StorageQueriesDropped:   storageQueriesDropped,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedQuery implements storage.MetricsRecorder so Metrics can be
// handed to storage without an import cycle.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
