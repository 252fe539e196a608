// Package telemetry wires up the OpenTelemetry meter provider and its
// Prometheus exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"split-dns/pkg/config"
	"split-dns/pkg/logging"
)

// Telemetry holds the meter provider and the optional /metrics server
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *prom.Registry
	prometheusServer *http.Server
	listener         net.Listener
	logger           *logging.Logger
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg, logger: logger, tracerProvider: tracenoop.NewTracerProvider()}

	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
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

	if cfg.TracingEnabled {
		// No exporter is attached; spans only carry IDs
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if !cfg.PrometheusEnabled {
		// Instruments are still recorded by the SDK, nothing reads them
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		logger.Info("Telemetry initialized", "service", cfg.ServiceName, "prometheus", false, "tracing", cfg.TracingEnabled)
		return t, nil
	}

	t.registry = prom.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
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
		_ = provider.Shutdown(ctx)
		if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to start prometheus server: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"metrics_addr", t.listener.Addr().String(),
		"tracing", cfg.TracingEnabled,
	)
	return t, nil
}

// startPrometheusServer binds the metrics port synchronously so a busy port fails startup
func (t *Telemetry) startPrometheusServer() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return err
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	t.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
	return nil
}

// Handler serves the Prometheus exposition of this instance's registry
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// MetricsAddr returns the address of the /metrics listener, or "" when not serving
func (t *Telemetry) MetricsAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown stops the metrics server and flushes the meter provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
