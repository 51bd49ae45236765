// Package app assembles the application context: every component is
// constructed once here and passed by reference, never reached through
// package-level state.
package app

import (
	"context"
	"log/slog"

	"github.com/basket/threadloom/internal/attachments"
	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/channels"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/ingest"
	"github.com/basket/threadloom/internal/otel"
	"github.com/basket/threadloom/internal/scheduler"
	"github.com/basket/threadloom/internal/store"
)

// App holds every long-lived component for one process instance.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Bus       *bus.Bus
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Resolver  *attachments.Resolver
	Guard     *ingest.Guard
	Pipeline  *ingest.Pipeline
	Inbound   channels.InboundHandler
	Otel      *otel.Provider
	Metrics   *otel.Metrics

	cancelPump context.CancelFunc
}

// New wires the full component graph. The deploy nonce is written as
// part of construction, so a superseded instance stops accepting
// events the moment the new one is up.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, provider *otel.Provider, generator ingest.Generator) (*App, error) {
	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus, logger)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(ctx, logger, eventBus)
	resolver := attachments.NewResolver(cfg, eventBus, logger)

	guard, err := ingest.NewGuard(cfg.NoncePath())
	if err != nil {
		st.Close()
		return nil, err
	}

	traced := &tracedGenerator{gen: generator, tracer: provider.Tracer}
	pipeline, err := ingest.NewPipeline(cfg, st, sched, resolver, guard, traced, eventBus, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Bus:       eventBus,
		Store:     st,
		Scheduler: sched,
		Resolver:  resolver,
		Guard:     guard,
		Pipeline:  pipeline,
		Inbound:   &tracedInbound{pipeline: pipeline, tracer: provider.Tracer},
		Otel:      provider,
		Metrics:   metrics,
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	a.cancelPump = cancel
	sub := eventBus.Subscribe("")
	go a.pumpMetrics(pumpCtx, sub)

	return a, nil
}

// pumpMetrics converts bus traffic into metric increments, keeping the
// instrumented components unaware of OTel.
func (a *App) pumpMetrics(ctx context.Context, sub *bus.Subscription) {
	defer a.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicEventStored:
				a.Metrics.EventsStored.Add(ctx, 1)
			case bus.TopicTaskPreempted:
				a.Metrics.TaskPreemptions.Add(ctx, 1)
			case bus.TopicTaskSettled:
				if payload, ok := ev.Payload.(bus.TaskPayload); ok {
					a.Metrics.TaskDuration.Record(ctx, payload.Duration.Seconds())
				}
			case bus.TopicBucketRegistered:
				a.Metrics.ActiveBuckets.Add(ctx, 1)
			case bus.TopicBucketEvicted:
				a.Metrics.ActiveBuckets.Add(ctx, -1)
			case bus.TopicAttachmentResolved:
				a.Metrics.AttachmentResolves.Add(ctx, 1)
				if payload, ok := ev.Payload.(bus.AttachmentResolvedPayload); ok && !payload.FromCache {
					a.Metrics.AttachmentBytes.Add(ctx, payload.RawSize)
					if payload.FetchDuration > 0 {
						a.Metrics.FetchDuration.Record(ctx, payload.FetchDuration.Seconds())
					}
				}
			case bus.TopicTranscodeFailed:
				a.Metrics.TranscodeErrors.Add(ctx, 1)
			}
		}
	}
}

// Close tears components down in dependency order: stop accepting
// work, drain the scheduler, then close storage.
func (a *App) Close() error {
	if a.cancelPump != nil {
		a.cancelPump()
	}
	a.Scheduler.Close()
	return a.Store.Close()
}
