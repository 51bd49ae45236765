package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/threadloom/internal/attachments"
	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/scheduler"
	"github.com/basket/threadloom/internal/store"
)

type fakeGenerator struct {
	calls   chan []*store.Event
	outputs []*store.Event
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, history []*store.Event) ([]*store.Event, error) {
	g.calls <- history
	return g.outputs, g.err
}

type testHarness struct {
	pipeline *Pipeline
	store    *store.Store
	bus      *bus.Bus
	gen      *fakeGenerator
	guard    *Guard
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()

	st, err := store.Open(cfg.DBPath, b, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(context.Background(), logger, b)
	t.Cleanup(sched.Close)

	guard, err := NewGuard(cfg.NoncePath())
	if err != nil {
		t.Fatalf("write nonce: %v", err)
	}

	gen := &fakeGenerator{calls: make(chan []*store.Event, 8)}
	pipeline, err := NewPipeline(cfg, st, sched, attachments.NewResolver(cfg, b, logger), guard, gen, b, logger)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	return &testHarness{pipeline: pipeline, store: st, bus: b, gen: gen, guard: guard}
}

func inboundMessage(id, channelID, text string) *store.Event {
	return &store.Event{
		ID:        id,
		Type:      store.EventMessage,
		Detail:    store.MessageDetail{Text: text},
		CreatedAt: time.Now().UTC(),
		Channel: &store.Channel{
			ID:    channelID,
			Name:  "general",
			Space: &store.Space{ID: "space-1", Name: "hq"},
		},
		User: &store.User{ID: "user-1", Name: "ada"},
	}
}

func TestHandleInboundPersistsAndGenerates(t *testing.T) {
	h := newTestHarness(t)
	sub := h.bus.Subscribe(bus.TopicEventOutbound)
	defer h.bus.Unsubscribe(sub)

	h.gen.outputs = []*store.Event{{
		Type:   store.EventResponse,
		Detail: store.ResponseDetail{Body: "hello back"},
		User:   &store.User{ID: "agent", Name: "threadloom"},
	}}

	if err := h.pipeline.HandleInbound(context.Background(), inboundMessage("ev-1", "chan-1", "hello")); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	var history []*store.Event
	select {
	case history = <-h.gen.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("generator was not invoked")
	}
	if len(history) != 1 || history[0].ID != "ev-1" {
		t.Fatalf("generator saw history %v", history)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.OutboundEventPayload)
		if payload.ChannelID != "chan-1" || payload.Text != "hello back" {
			t.Fatalf("outbound payload = %+v", payload)
		}
		stored, err := h.store.GetEvents(context.Background(), payload.EventID)
		if err != nil || len(stored) != 1 {
			t.Fatalf("generated event not persisted: %v", err)
		}
		if stored[0].Type != store.EventResponse {
			t.Fatalf("stored type = %s", stored[0].Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound event published")
	}
}

func TestGenerationPersistsResolvedAttachments(t *testing.T) {
	h := newTestHarness(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "a note about geese")
	}))
	defer srv.Close()

	ev := inboundMessage("ev-att", "chan-1", "look at this")
	ev.Attachments = []*store.Attachment{{ID: "att-1", SourceURL: srv.URL}}
	if err := h.pipeline.HandleInbound(context.Background(), ev); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	// The generator runs after resolution, so by the time it is
	// invoked the file refs must already be in the store.
	select {
	case <-h.gen.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("generator was not invoked")
	}

	stored, err := h.store.GetEvents(context.Background(), "ev-att")
	if err != nil || len(stored) != 1 {
		t.Fatalf("reload event: %v", err)
	}
	atts := stored[0].Attachments
	if len(atts) != 1 {
		t.Fatalf("stored attachments = %d, want 1", len(atts))
	}
	if atts[0].Raw == nil || atts[0].Compressed == nil {
		t.Fatalf("attachment file refs not persisted: %+v", atts[0])
	}
	if atts[0].Raw.MimeType != "text/plain" || atts[0].Raw.Size == 0 {
		t.Fatalf("raw file ref = %+v", atts[0].Raw)
	}
}

func TestHandleInboundStaleInstance(t *testing.T) {
	h := newTestHarness(t)

	// A newer deploy rewrites the nonce file; this instance must drop
	// inbound events from then on.
	if err := os.WriteFile(h.guard.path, []byte("someone-else\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := h.pipeline.HandleInbound(context.Background(), inboundMessage("ev-stale", "chan-1", "hi"))
	if !errors.Is(err, ErrStaleInstance) {
		t.Fatalf("expected ErrStaleInstance, got %v", err)
	}
	count, err := h.store.EventCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("stale event was persisted (%d rows)", count)
	}
}

func TestHandleInboundRejectsInvalidDetail(t *testing.T) {
	h := newTestHarness(t)

	ev := inboundMessage("ev-bad", "chan-1", "")
	if err := h.pipeline.HandleInbound(context.Background(), ev); err == nil {
		t.Fatal("empty message text passed validation")
	}

	ev = inboundMessage("ev-odd", "chan-1", "hi")
	ev.Type = "banana"
	if err := h.pipeline.HandleInbound(context.Background(), ev); err == nil {
		t.Fatal("unknown event type passed validation")
	}

	count, _ := h.store.EventCount(context.Background())
	if count != 0 {
		t.Fatalf("invalid events were persisted (%d rows)", count)
	}
}

func TestReactionDoesNotTriggerGeneration(t *testing.T) {
	h := newTestHarness(t)

	ev := inboundMessage("ev-react", "chan-1", "x")
	ev.Type = store.EventReaction
	ev.Detail = store.ReactionDetail{Emoji: "🔥"}
	if err := h.pipeline.HandleInbound(context.Background(), ev); err != nil {
		t.Fatalf("handle reaction: %v", err)
	}

	select {
	case <-h.gen.calls:
		t.Fatal("reaction triggered a generation task")
	case <-time.After(150 * time.Millisecond):
	}
	count, _ := h.store.EventCount(context.Background())
	if count != 1 {
		t.Fatalf("reaction not persisted (%d rows)", count)
	}
}

func TestGuardNonceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".deploy-nonce")

	g, err := NewGuard(path)
	if err != nil {
		t.Fatal(err)
	}
	if g.Nonce() == "" {
		t.Fatal("empty nonce")
	}
	if err := g.Check(); err != nil {
		t.Fatalf("fresh guard failed check: %v", err)
	}

	// A second instance writing the same path supersedes the first.
	g2, err := NewGuard(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Check(); !errors.Is(err, ErrStaleInstance) {
		t.Fatalf("superseded guard check = %v, want ErrStaleInstance", err)
	}
	if err := g2.Check(); err != nil {
		t.Fatalf("current guard failed check: %v", err)
	}
}

func TestDetailValidatorPerType(t *testing.T) {
	v, err := newDetailValidator()
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Validate(store.EventActionCall, store.ActionCallDetail{Name: "search"}); err != nil {
		t.Fatalf("valid action_call rejected: %v", err)
	}
	if err := v.Validate(store.EventActionCall, store.ActionCallDetail{}); err == nil {
		t.Fatal("action_call without name passed")
	}
	if err := v.Validate(store.EventReaction, store.ReactionDetail{Emoji: "👍"}); err != nil {
		t.Fatalf("valid reaction rejected: %v", err)
	}
	// Detail tag must agree with the event type.
	if err := v.Validate(store.EventMessage, store.ReactionDetail{Emoji: "👍"}); err == nil {
		t.Fatal("mismatched detail tag passed")
	}
}
