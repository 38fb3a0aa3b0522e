package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics holds the instruments shared across the pipeline's workers.
type Metrics struct {
	TasksStored     metric.Int64Counter
	TasksConverted  metric.Int64Counter
	TasksErrored    metric.Int64Counter
	TaskRetries     metric.Int64Counter
	ConvertDuration metric.Float64Histogram
}

// InitMetrics configures a Prometheus-backed MeterProvider and returns
// an http.Handler serving /metrics. Unlike a push-only OTLP exporter,
// the pull-based Prometheus reader needs no background export loop;
// the returned shutdown is the MeterProvider's own Shutdown.
func InitMetrics(service string) (shutdown func(context.Context) error, handler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	exp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
		return func(context.Context) error { return nil }, http.NotFoundHandler(), createInstruments()
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "exporter", "prometheus")

	return mp.Shutdown, promhttp.Handler(), createInstruments()
}

func createInstruments() Metrics {
	meter := otel.Meter("metaflow-engine")
	stored, _ := meter.Int64Counter("engine_tasks_stored_total")
	converted, _ := meter.Int64Counter("engine_tasks_converted_total")
	errored, _ := meter.Int64Counter("engine_tasks_errored_total")
	retries, _ := meter.Int64Counter("engine_task_retries_total")
	duration, _ := meter.Float64Histogram("engine_convert_duration_seconds")
	return Metrics{
		TasksStored:     stored,
		TasksConverted:  converted,
		TasksErrored:    errored,
		TaskRetries:     retries,
		ConvertDuration: duration,
	}
}
