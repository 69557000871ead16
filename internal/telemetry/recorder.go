// Package telemetry — recorder.go
// Recording helper functions for orchestrator telemetry events.
// Each function emits both an OTel log event and increments a metric
// counter; exporters are wired by Init when the OTLP endpoints are
// configured in the environment.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterRecorderName = "github.com/mwheeler-geo/parsim"
	loggerName        = "parsim"
)

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	// Counters
	transportTotal  metric.Int64Counter
	collectiveTotal metric.Int64Counter
	taskTotal       metric.Int64Counter
	graphTotal      metric.Int64Counter
	runTotal        metric.Int64Counter

	// Histograms
	runDurationHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers all recorder metric instruments against the
// current global MeterProvider. Must be called after telemetry.Init so
// the real provider is set. Also called lazily on first use as a safety
// net.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.transportTotal, _ = m.Int64Counter("parsim.transport.selections.total",
			metric.WithDescription("Total transport mode selections"),
		)
		inst.collectiveTotal, _ = m.Int64Counter("parsim.collective.ops.total",
			metric.WithDescription("Total collective operations issued"),
		)
		inst.taskTotal, _ = m.Int64Counter("parsim.tasks.submitted.total",
			metric.WithDescription("Total remote tasks submitted"),
		)
		inst.graphTotal, _ = m.Int64Counter("parsim.graphs.built.total",
			metric.WithDescription("Total system graphs built"),
		)
		inst.runTotal, _ = m.Int64Counter("parsim.runs.total",
			metric.WithDescription("Total scheduled operation invocations"),
		)

		inst.runDurationHist, _ = m.Float64Histogram("parsim.run.duration_ms",
			metric.WithDescription("Wall-clock time of a scheduled operation in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// emit sends an OTel log event with the given body and key-value attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// errKV returns a log KeyValue with the error message, or empty string if nil.
func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

// severity returns SeverityInfo on success, SeverityError on failure.
func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

// RecordTransport records the transport mode chosen at interface
// construction (metrics + log event).
func RecordTransport(mode string, workers int) {
	initInstruments()
	ctx := context.Background()
	inst.transportTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Int("workers", workers),
		),
	)
	emit(ctx, "transport.select", otellog.SeverityInfo,
		otellog.String("mode", mode),
		otellog.Int("workers", workers),
	)
}

// RecordCollective records one collective operation (metrics + log event).
func RecordCollective(op, key string) {
	initInstruments()
	ctx := context.Background()
	inst.collectiveTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
	emit(ctx, "collective.op", otellog.SeverityInfo,
		otellog.String("op", op),
		otellog.String("key", key),
	)
}

// RecordTaskSubmitted records a compute or clear task submission
// (metrics + log event). kind is "compute" or "clear".
func RecordTaskSubmitted(ctx context.Context, kind, tag string) {
	initInstruments()
	inst.taskTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("tag", tag),
		),
	)
	emit(ctx, "task.submit", otellog.SeverityInfo,
		otellog.String("kind", kind),
		otellog.String("tag", tag),
	)
}

// RecordGraphBuilt records a completed graph build (metrics + log event).
func RecordGraphBuilt(ctx context.Context, entry string, nodes, computeTasks int) {
	initInstruments()
	inst.graphTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("entry", entry)),
	)
	emit(ctx, "graph.build", otellog.SeverityInfo,
		otellog.String("entry", entry),
		otellog.Int("nodes", nodes),
		otellog.Int("compute_tasks", computeTasks),
	)
}

// RecordRun records one scheduled operation invocation with duration
// (metrics + log event).
func RecordRun(ctx context.Context, entry string, durationMs float64, err error) {
	initInstruments()
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("entry", entry),
		attribute.String("status", status),
	)
	inst.runTotal.Add(ctx, 1, attrs)
	inst.runDurationHist.Record(ctx, durationMs, attrs)
	emit(ctx, "run.complete", severity(err),
		otellog.String("entry", entry),
		otellog.Float64("duration_ms", durationMs),
		otellog.String("status", status),
		errKV(err),
	)
}
