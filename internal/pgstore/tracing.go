package pgstore

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/relstore/pgjsonb/internal/pgstore"

var pgTracer = otel.Tracer(instrumentationName)

type pgMetrics struct {
	retryCount  metric.Int64Counter
	lockWaitMs  metric.Float64Histogram
	commitCount metric.Int64Counter
}

var metrics = mustInitMetrics()

func mustInitMetrics() pgMetrics {
	meter := otel.Meter(instrumentationName)

	retryCount, err := meter.Int64Counter(
		"pgstore.retry.count",
		metric.WithDescription("number of retried database operations"),
	)
	if err != nil {
		retryCount, _ = meter.Int64Counter("pgstore.retry.count")
	}

	lockWaitMs, err := meter.Float64Histogram(
		"pgstore.advisory_lock.wait_ms",
		metric.WithDescription("time spent waiting for the commit advisory lock"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		lockWaitMs, _ = meter.Float64Histogram("pgstore.advisory_lock.wait_ms")
	}

	commitCount, err := meter.Int64Counter(
		"pgstore.commit.count",
		metric.WithDescription("number of successful tpc_finish calls"),
	)
	if err != nil {
		commitCount, _ = meter.Int64Counter("pgstore.commit.count")
	}

	return pgMetrics{retryCount: retryCount, lockWaitMs: lockWaitMs, commitCount: commitCount}
}

// pgSpanAttrs builds the common set of span attributes for a database call,
// truncating the SQL text the same way the teacher's doltSpanAttrs does so
// spans stay cheap even for large batch statements.
func pgSpanAttrs(op, sql string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pgstore.op", op),
		attribute.String("pgstore.sql", truncateForSpan(sql)),
	}
}

func truncateForSpan(s string) string {
	const maxLen = 200
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// startSpan opens a span for a named database operation.
func startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return pgTracer.Start(ctx, "pgstore."+op, trace.WithAttributes(pgSpanAttrs(op, sql)...))
}

// endSpan records err on span (if any) and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
