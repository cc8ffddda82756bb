// Package tracing wraps the OpenTelemetry API for admitq's two hot paths:
// admission and worker processing. Spans go to the global tracer provider,
// which is a no-op until Setup installs an SDK provider.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/snehjoshi/admitq"

// Span names.
const (
	SpanAdmit   = "admitq.admit"
	SpanProcess = "admitq.worker.process"
)

// Attribute keys.
const (
	AttrEventID     = attribute.Key("admitq.event_id")
	AttrRequesterID = attribute.Key("admitq.requester_id")
	AttrRequestID   = attribute.Key("admitq.request_id")
	AttrMessageID   = attribute.Key("admitq.message_id")
	AttrAttempt     = attribute.Key("admitq.attempt")
	AttrOutcome     = attribute.Key("admitq.outcome")
)

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// StartAdmit starts the span covering one admission call.
func StartAdmit(ctx context.Context, eventID, requesterID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, SpanAdmit,
		trace.WithAttributes(
			AttrEventID.String(eventID),
			AttrRequesterID.String(requesterID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartProcess starts the span covering one delivered queue message.
func StartProcess(ctx context.Context, messageID string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, SpanProcess,
		trace.WithAttributes(
			AttrMessageID.String(messageID),
			AttrAttempt.Int(attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// End completes span, recording err when non-nil.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Config selects the tracer provider installed by Setup.
type Config struct {
	Enabled bool
	// SampleRatio is the fraction of root spans recorded, in [0, 1].
	SampleRatio float64
}

// Setup installs a global SDK tracer provider that writes finished spans to
// logger. It returns a shutdown function that flushes pending spans; when
// tracing is disabled the global provider is left alone and shutdown is a
// no-op.
func Setup(cfg Config, logger *slog.Logger) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logger}),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// logExporter emits one structured log line per finished span.
type logExporter struct {
	logger *slog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status", s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.InfoContext(ctx, "span "+s.Name(), attrs...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
