package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts credentials in string attributes, event
// attributes and status descriptions before spans leave the process.
type scrubbingExporter struct {
	sdktrace.SpanExporter
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return scrubbingExporter{SpanExporter: next}
}

func (e scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	clean := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		clean = append(clean, redactSpan(span))
	}
	return e.SpanExporter.ExportSpans(ctx, clean)
}

// redactSpan copies span only when something in it had to be redacted.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	attrs, dirty := redactAttributes(span.Attributes())
	description := ScrubCredentials(span.Status().Description)
	dirty = dirty || description != span.Status().Description

	events := span.Events()
	eventAttrs := make([][]attribute.KeyValue, len(events))
	for i, event := range events {
		var changed bool
		eventAttrs[i], changed = redactAttributes(event.Attributes)
		dirty = dirty || changed
	}
	if !dirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = attrs
	stub.Status.Description = description
	for i := range stub.Events {
		stub.Events[i].Attributes = eventAttrs[i]
	}
	return stub.Snapshot()
}

// redactAttributes returns attrs unchanged (and false) when no string value
// carries a credential.
func redactAttributes(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		if kv.Value.Type() != attribute.STRING || !ContainsCredential(kv.Value.AsString()) {
			continue
		}
		if out == nil {
			out = append([]attribute.KeyValue(nil), attrs...)
		}
		out[i] = kv.Key.String(ScrubCredentials(kv.Value.AsString()))
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}
