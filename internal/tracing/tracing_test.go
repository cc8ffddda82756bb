package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func attr(s tracetest.SpanStub, key string) string {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestStartAdmit(t *testing.T) {
	exp := withRecorder(t)

	_, span := StartAdmit(context.Background(), "e1", "u1")
	End(span, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanAdmit, spans[0].Name)
	assert.Equal(t, "e1", attr(spans[0], string(AttrEventID)))
	assert.Equal(t, "u1", attr(spans[0], string(AttrRequesterID)))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestStartProcess_RecordsError(t *testing.T) {
	exp := withRecorder(t)

	_, span := StartProcess(context.Background(), "m1", 2)
	End(span, errors.New("store down"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanProcess, spans[0].Name)
	assert.Equal(t, "2", attr(spans[0], string(AttrAttempt)))
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "store down", spans[0].Status.Description)
}

func TestEnd_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() { End(nil, nil) })
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown := Setup(Config{}, nil)
	assert.Same(t, prev, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_LogsFinishedSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	shutdown := Setup(Config{Enabled: true, SampleRatio: 1}, logger)

	_, span := StartAdmit(context.Background(), "e9", "u9")
	End(span, nil)
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"msg":"span admitq.admit"`)
	assert.Contains(t, out, `"admitq.event_id":"e9"`)
	assert.Contains(t, out, `"trace_id"`)
}
