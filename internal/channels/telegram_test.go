package channels

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/threadloom/internal/store"
)

func TestChannelIDRoundTrip(t *testing.T) {
	id := ChannelID(-100123456)
	chatID, ok := ChatID(id)
	if !ok || chatID != -100123456 {
		t.Fatalf("round trip gave (%d, %v)", chatID, ok)
	}

	if _, ok := ChatID("discord-42"); ok {
		t.Fatal("foreign channel ID parsed as telegram")
	}
	if _, ok := ChatID("telegram-notanumber"); ok {
		t.Fatal("malformed channel ID parsed as telegram")
	}
}

func TestBuildInboundEventMessage(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 7,
		Date:      1756700000,
		Text:      "  hello there  ",
		Chat:      &tgbotapi.Chat{ID: 99, Title: "ops"},
		From:      &tgbotapi.User{ID: 12, UserName: "ada"},
	}

	ev := buildInboundEvent(msg)
	if ev == nil {
		t.Fatal("nil event for a text message")
	}
	if ev.ID != "tg-99-7" {
		t.Fatalf("event ID = %q", ev.ID)
	}
	if ev.Type != store.EventMessage {
		t.Fatalf("type = %s, want message", ev.Type)
	}
	if got := ev.Detail.(store.MessageDetail).Text; got != "hello there" {
		t.Fatalf("text = %q", got)
	}
	if ev.Channel.ID != "telegram-99" || ev.Channel.Name != "ops" {
		t.Fatalf("channel = %+v", ev.Channel)
	}
	if ev.Channel.Space == nil || ev.Channel.Space.ID != "telegram" {
		t.Fatal("space not populated")
	}
	if ev.User.ID != "tg-user-12" || ev.User.Name != "ada" {
		t.Fatalf("user = %+v", ev.User)
	}
}

func TestBuildInboundEventReply(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 8,
		Date:      1756700100,
		Text:      "agreed",
		Chat:      &tgbotapi.Chat{ID: 99, Title: "ops"},
		From:      &tgbotapi.User{ID: 12, UserName: "ada"},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 7,
			Date:      1756700000,
			Text:      "hello there",
			Chat:      &tgbotapi.Chat{ID: 99, Title: "ops"},
			From:      &tgbotapi.User{ID: 34, UserName: "grace"},
		},
	}

	ev := buildInboundEvent(msg)
	if ev.Type != store.EventReply {
		t.Fatalf("type = %s, want reply", ev.Type)
	}
	if ev.Parent == nil {
		t.Fatal("reply has no parent")
	}
	if ev.Parent.ID != "tg-99-7" {
		t.Fatalf("parent ID = %q", ev.Parent.ID)
	}
	if ev.Parent.Type != store.EventMessage {
		t.Fatalf("parent type = %s", ev.Parent.Type)
	}
	if got := ev.Parent.Detail.(store.MessageDetail).Text; got != "hello there" {
		t.Fatalf("parent text = %q", got)
	}
	if ev.Parent.User.ID != "tg-user-34" {
		t.Fatalf("parent user = %+v", ev.Parent.User)
	}
}

func TestBuildInboundEventEmpty(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 9,
		Chat:      &tgbotapi.Chat{ID: 99},
		From:      &tgbotapi.User{ID: 12},
	}
	if ev := buildInboundEvent(msg); ev != nil {
		t.Fatalf("empty message produced event %+v", ev)
	}
}

func TestBuildInboundEventCaptionFallback(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 10,
		Date:      1756700200,
		Caption:   "look at this",
		Photo:     []tgbotapi.PhotoSize{{FileID: "abc"}},
		Chat:      &tgbotapi.Chat{ID: 99, UserName: "ada_dm"},
		From:      &tgbotapi.User{ID: 12, FirstName: "Ada", LastName: "L"},
	}

	ev := buildInboundEvent(msg)
	if ev == nil {
		t.Fatal("photo with caption produced no event")
	}
	if got := ev.Detail.(store.MessageDetail).Text; got != "look at this" {
		t.Fatalf("caption text = %q", got)
	}
	if ev.Channel.Name != "ada_dm" {
		t.Fatalf("channel name = %q", ev.Channel.Name)
	}
	if ev.User.Name != "Ada L" {
		t.Fatalf("user name = %q", ev.User.Name)
	}
}
