package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for threadloom spans.
var (
	AttrChannelID    = attribute.Key("threadloom.channel.id")
	AttrEventID      = attribute.Key("threadloom.event.id")
	AttrEventType    = attribute.Key("threadloom.event.type")
	AttrBucket       = attribute.Key("threadloom.bucket")
	AttrTaskNonce    = attribute.Key("threadloom.task.nonce")
	AttrAttachmentID = attribute.Key("threadloom.attachment.id")
	AttrMimeType     = attribute.Key("threadloom.attachment.mime")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound event (channel adapter).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (source fetch, provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
