package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	// EnvMetricsURL names the OTLP HTTP metrics endpoint. Telemetry is
	// inactive when unset.
	EnvMetricsURL = "PARSIM_OTEL_METRICS_URL"
	// EnvLogsURL names the OTLP HTTP logs endpoint. Optional; log
	// events are dropped when unset.
	EnvLogsURL = "PARSIM_OTEL_LOGS_URL"

	exportInterval = 15 * time.Second
)

// Shutdown flushes and stops the telemetry providers.
type Shutdown func(ctx context.Context) error

// Init wires OTLP HTTP exporters into the global OTel providers when
// the endpoint environment variables are set. Returns a shutdown
// function; when telemetry is inactive the shutdown is a no-op and the
// global no-op providers stay in place.
func Init(ctx context.Context) (Shutdown, error) {
	metricsURL := os.Getenv(EnvMetricsURL)
	if metricsURL == "" {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "parsim"),
		attribute.String("host.name", hostname()),
	)

	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(metricsURL))
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(meterProvider)

	var loggerProvider *log.LoggerProvider
	if logsURL := os.Getenv(EnvLogsURL); logsURL != "" {
		logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(logsURL))
		if err != nil {
			_ = meterProvider.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: log exporter: %w", err)
		}
		loggerProvider = log.NewLoggerProvider(
			log.WithResource(res),
			log.WithProcessor(log.NewBatchProcessor(logExp)),
		)
		global.SetLoggerProvider(loggerProvider)
	}

	return func(ctx context.Context) error {
		var firstErr error
		if loggerProvider != nil {
			if err := loggerProvider.Shutdown(ctx); err != nil {
				firstErr = err
			}
		}
		if err := meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// hostname labels telemetry with the emitting host; empty on failure.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
