package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lumen/internal/outcome"
)

// Reporter records operation outcomes for remote diagnosis. Implementations
// must never block the caller's control flow or affect its return value.
type Reporter interface {
	// Report records one outcome and returns the id it was recorded under.
	Report(source string, kind outcome.Kind, message string, context map[string]string) string
}

// SpanReporter emits one short span per reported outcome through the global
// tracer.
type SpanReporter struct{}

// NewSpanReporter returns a Reporter backed by OpenTelemetry spans.
func NewSpanReporter() *SpanReporter {
	return &SpanReporter{}
}

// Report implements Reporter. The span is started and ended immediately;
// export happens on the SDK's batch schedule, off the caller's path.
func (r *SpanReporter) Report(source string, kind outcome.Kind, message string, ctx map[string]string) string {
	telemetryID := uuid.New().String()

	attrs := make([]attribute.KeyValue, 0, len(ctx)+3)
	attrs = append(attrs,
		attribute.String("report.source", source),
		attribute.String("report.kind", kind.String()),
		attribute.String("report.id", telemetryID),
	)
	for k, v := range ctx {
		attrs = append(attrs, attribute.String("report.context."+k, v))
	}

	_, span := GetTracer().Start(context.Background(), source,
		trace.WithAttributes(attrs...))
	if kind != outcome.KindSuccess {
		span.SetStatus(codes.Error, message)
	}
	span.End()

	return telemetryID
}
