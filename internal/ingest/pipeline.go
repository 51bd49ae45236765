package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/threadloom/internal/attachments"
	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/scheduler"
	"github.com/basket/threadloom/internal/store"
)

// Generator produces outbound events from a channel's history. The
// concrete implementation wraps the external content provider.
type Generator interface {
	Generate(ctx context.Context, history []*store.Event) ([]*store.Event, error)
}

// Pipeline is the single entry point for inbound events. Every event
// passes the deploy-nonce guard and detail validation before it is
// persisted and a generation task is submitted for its channel.
type Pipeline struct {
	cfg       config.Config
	store     *store.Store
	sched     *scheduler.Scheduler
	resolver  *attachments.Resolver
	guard     *Guard
	generator Generator
	bus       *bus.Bus
	logger    *slog.Logger
	validator *detailValidator
}

func NewPipeline(
	cfg config.Config,
	st *store.Store,
	sched *scheduler.Scheduler,
	resolver *attachments.Resolver,
	guard *Guard,
	generator Generator,
	b *bus.Bus,
	logger *slog.Logger,
) (*Pipeline, error) {
	validator, err := newDetailValidator()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		resolver:  resolver,
		guard:     guard,
		generator: generator,
		bus:       b,
		logger:    logger.With("component", "ingest"),
		validator: validator,
	}, nil
}

// HandleInbound persists ev and queues a generation task on the
// channel's bucket. Events arriving at a superseded instance are
// dropped with ErrStaleInstance.
func (p *Pipeline) HandleInbound(ctx context.Context, ev *store.Event) error {
	if err := p.guard.Check(); err != nil {
		if errors.Is(err, ErrStaleInstance) {
			p.logger.Warn("dropping inbound event, instance superseded",
				"event_id", ev.ID, "type", ev.Type)
		}
		return err
	}
	if !store.ValidEventType(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err := p.validator.Validate(ev.Type, ev.Detail); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := p.store.Upsert(ctx, ev); err != nil {
		return fmt.Errorf("persist inbound event: %w", err)
	}

	// Reactions and bookkeeping events update the graph without
	// provoking a response.
	if ev.Channel == nil || !triggersGeneration(ev.Type) {
		return nil
	}

	channelID := ev.Channel.ID
	p.sched.RegisterBucket(channelID, scheduler.BucketConfig{
		MaxSequentialSwaps: p.cfg.Scheduler.MaxSequentialSwaps,
		ThrottleWindow:     p.cfg.ThrottleWindow(),
		ThrottleLimit:      p.cfg.Scheduler.ThrottleLimit,
	})
	task := scheduler.NewTask(func(taskCtx context.Context) error {
		return p.generate(taskCtx, channelID)
	})
	return p.sched.Submit(channelID, task)
}

func triggersGeneration(t store.EventType) bool {
	switch t {
	case store.EventMessage, store.EventReply:
		return true
	default:
		return false
	}
}

// generate is the body of a scheduled task: read history, resolve
// attachments, invoke the generator, persist and emit its output.
func (p *Pipeline) generate(ctx context.Context, channelID string) error {
	history, err := p.store.GetHistory(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", channelID, err)
	}
	if len(history) == 0 {
		return nil
	}

	var resolved []*store.Event
	for _, ev := range history {
		if p.resolveAll(ctx, ev) {
			resolved = append(resolved, ev)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Newly resolved attachments gained file refs that exist only in
	// memory so far; write them back before generation can fail.
	if len(resolved) > 0 {
		if err := p.store.Upsert(ctx, resolved...); err != nil {
			return fmt.Errorf("persist resolved attachments: %w", err)
		}
	}

	outputs, err := p.generator.Generate(ctx, history)
	if err != nil {
		return fmt.Errorf("generate for %s: %w", channelID, err)
	}
	if len(outputs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	channel := history[len(history)-1].Channel
	for _, out := range outputs {
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		if out.Channel == nil {
			out.Channel = channel
		}
	}
	if err := p.store.Upsert(ctx, outputs...); err != nil {
		return fmt.Errorf("persist generated events: %w", err)
	}
	if err := p.store.MarkProcessed(ctx, history[len(history)-1].ID, now); err != nil {
		return fmt.Errorf("mark history processed: %w", err)
	}

	for _, out := range outputs {
		p.bus.Publish(bus.TopicEventOutbound, bus.OutboundEventPayload{
			EventID:   out.ID,
			ChannelID: channelID,
			Text:      outboundText(out),
		})
	}
	return nil
}

// resolveAll resolves an event's attachments in place, omitting any
// that fail, and reports whether an attachment gained file refs the
// store has not seen yet. A broken attachment never aborts the
// surrounding generation.
func (p *Pipeline) resolveAll(ctx context.Context, ev *store.Event) bool {
	if len(ev.Attachments) == 0 {
		return false
	}
	changed := false
	kept := ev.Attachments[:0]
	for _, att := range ev.Attachments {
		unresolved := att.Raw == nil || att.Compressed == nil
		if _, err := p.resolver.Resolve(ctx, att); err != nil {
			p.logger.Warn("attachment resolution failed, omitting",
				"event_id", ev.ID,
				"attachment_id", att.ID,
				"error", err)
			continue
		}
		if unresolved {
			changed = true
		}
		kept = append(kept, att)
	}
	ev.Attachments = kept
	return changed
}

func outboundText(ev *store.Event) string {
	switch d := ev.Detail.(type) {
	case store.MessageDetail:
		return d.Text
	case store.ReplyDetail:
		return d.Text
	case store.ResponseDetail:
		return d.Body
	default:
		return ""
	}
}
