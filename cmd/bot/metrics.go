package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	metricsExporterNone       = "none"
	metricsExporterStdout     = "stdout"
	metricsExporterPrometheus = "prometheus"

	defaultMetricsListenAddr = "127.0.0.1:9464"
	metricsServiceName       = "otogi-markov"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

var supportedMetricsExporters = []string{
	metricsExporterNone,
	metricsExporterStdout,
	metricsExporterPrometheus,
}

type metricsConfig struct {
	exporter   string
	listenAddr string
}

// metricsRuntime owns the meter provider handed to modules. serve is nil
// unless the exporter needs an HTTP endpoint.
type metricsRuntime struct {
	provider metric.MeterProvider
	handler  http.Handler
	serve    func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

// Shutdown flushes and stops the meter provider.
func (m *metricsRuntime) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}

	return m.shutdown(ctx)
}

func buildMetrics(cfg metricsConfig, logger *slog.Logger) (*metricsRuntime, error) {
	switch cfg.exporter {
	case metricsExporterNone, "":
		return &metricsRuntime{provider: noop.NewMeterProvider()}, nil
	case metricsExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("create stdout metrics exporter: %w", err)
		}
		provider := newMeterProvider(sdkmetric.NewPeriodicReader(exporter))

		return &metricsRuntime{provider: provider, shutdown: provider.Shutdown}, nil
	case metricsExporterPrometheus:
		registry := prometheus.NewRegistry()
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
		reader, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus metrics exporter: %w", err)
		}
		provider := newMeterProvider(reader)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		runtime := &metricsRuntime{
			provider: provider,
			handler:  mux,
			shutdown: provider.Shutdown,
		}
		runtime.serve = func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.listenAddr, mux, logger)
		}

		return runtime, nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.exporter)
	}
}

func newMeterProvider(reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	res := resource.NewSchemaless(attribute.String("service.name", metricsServiceName))

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
}

// serveMetrics blocks until ctx ends or the listener fails.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	served := make(chan error, 1)
	go func() {
		served <- server.ListenAndServe()
	}()
	if logger != nil {
		logger.Info("metrics endpoint listening", "addr", addr)
	}

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	<-served

	return nil
}
