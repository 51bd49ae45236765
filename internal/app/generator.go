package app

import (
	"context"
	"fmt"

	"github.com/basket/threadloom/internal/store"
)

// TemplateGenerator is a stand-in content provider that answers the
// newest message with a canned acknowledgement. It keeps the full
// pipeline runnable without provider credentials.
// TODO: replace with a real provider adapter behind ingest.Generator.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, history []*store.Event) ([]*store.Event, error) {
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]

	var text string
	switch d := latest.Detail.(type) {
	case store.MessageDetail:
		text = d.Text
	case store.ReplyDetail:
		text = d.Text
	default:
		return nil, nil
	}

	reply := &store.Event{
		Type:    store.EventReply,
		Detail:  store.ReplyDetail{Text: fmt.Sprintf("received: %s", text)},
		Parent:  latest,
		Channel: latest.Channel,
		User:    &store.User{ID: "threadloom", Name: "threadloom"},
	}
	return []*store.Event{reply}, nil
}
