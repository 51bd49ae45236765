package app

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/threadloom/internal/ingest"
	"github.com/basket/threadloom/internal/otel"
	"github.com/basket/threadloom/internal/store"
)

// tracedInbound wraps the ingest pipeline with a server span per
// inbound event, so the pipeline itself stays unaware of tracing.
type tracedInbound struct {
	pipeline *ingest.Pipeline
	tracer   trace.Tracer
}

func (t *tracedInbound) HandleInbound(ctx context.Context, ev *store.Event) error {
	attrs := []attribute.KeyValue{
		otel.AttrEventID.String(ev.ID),
		otel.AttrEventType.String(string(ev.Type)),
	}
	if ev.Channel != nil {
		attrs = append(attrs, otel.AttrChannelID.String(ev.Channel.ID))
	}
	ctx, span := otel.StartServerSpan(ctx, t.tracer, "ingest.handle_inbound", attrs...)
	defer span.End()

	err := t.pipeline.HandleInbound(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// tracedGenerator wraps the provider call with a client span.
type tracedGenerator struct {
	gen    ingest.Generator
	tracer trace.Tracer
}

func (t *tracedGenerator) Generate(ctx context.Context, history []*store.Event) ([]*store.Event, error) {
	var attrs []attribute.KeyValue
	if len(history) > 0 && history[len(history)-1].Channel != nil {
		attrs = append(attrs, otel.AttrChannelID.String(history[len(history)-1].Channel.ID))
	}
	ctx, span := otel.StartClientSpan(ctx, t.tracer, "generator.generate", attrs...)
	defer span.End()

	out, err := t.gen.Generate(ctx, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
