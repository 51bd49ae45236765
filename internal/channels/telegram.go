package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/store"
)

const telegramChannelPrefix = "telegram-"

// TelegramChannel bridges Telegram chats and the ingest pipeline.
// Inbound messages become message/reply events; outbound events
// published on the bus are delivered back to their chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	pipeline   InboundHandler
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel adapter.
func NewTelegramChannel(cfg config.TelegramConfig, pipeline InboundHandler, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		pipeline:   pipeline,
		eventBus:   eventBus,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.deliverOutbound(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	ev := buildInboundEvent(msg)
	if ev == nil {
		return
	}
	t.attachMedia(ev, msg)

	if err := t.pipeline.HandleInbound(ctx, ev); err != nil {
		t.logger.Error("failed to ingest telegram message",
			"event_id", ev.ID,
			"chat_id", msg.Chat.ID,
			"error", err)
	}
}

// buildInboundEvent maps a Telegram message onto the event graph. A
// message replying to another becomes a reply event whose parent is
// rebuilt from the quoted message, so the causal link survives even
// when the parent was never seen by this process.
func buildInboundEvent(msg *tgbotapi.Message) *store.Event {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" && len(msg.Photo) == 0 && msg.Document == nil {
		return nil
	}
	if text == "" {
		text = "(attachment)"
	}

	channel := &store.Channel{
		ID:    ChannelID(msg.Chat.ID),
		Name:  chatName(msg.Chat),
		Space: &store.Space{ID: "telegram", Name: "telegram"},
	}

	ev := &store.Event{
		ID:        eventID(msg.Chat.ID, msg.MessageID),
		Type:      store.EventMessage,
		Detail:    store.MessageDetail{Text: text},
		CreatedAt: time.Unix(int64(msg.Date), 0).UTC(),
		Channel:   channel,
		User:      eventUser(msg.From),
	}

	if quoted := msg.ReplyToMessage; quoted != nil {
		parentText := strings.TrimSpace(quoted.Text)
		if parentText == "" {
			parentText = strings.TrimSpace(quoted.Caption)
		}
		if parentText == "" {
			parentText = "(attachment)"
		}
		ev.Type = store.EventReply
		ev.Detail = store.ReplyDetail{Text: text}
		ev.Parent = &store.Event{
			ID:        eventID(msg.Chat.ID, quoted.MessageID),
			Type:      store.EventMessage,
			Detail:    store.MessageDetail{Text: parentText},
			CreatedAt: time.Unix(int64(quoted.Date), 0).UTC(),
			Channel:   channel,
			User:      eventUser(quoted.From),
		}
	}
	return ev
}

// attachMedia records photo/document references as unresolved
// attachments. Resolution happens lazily inside generation tasks.
func (t *TelegramChannel) attachMedia(ev *store.Event, msg *tgbotapi.Message) {
	if t.bot == nil {
		return
	}
	fileID := ""
	if len(msg.Photo) > 0 {
		// The last entry is the largest rendition.
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	} else if msg.Document != nil {
		fileID = msg.Document.FileID
	}
	if fileID == "" {
		return
	}
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		t.logger.Warn("failed to resolve telegram file URL",
			"event_id", ev.ID, "error", err)
		return
	}
	ev.Attachments = append(ev.Attachments, &store.Attachment{
		ID:        ev.ID + "-media",
		SourceURL: url,
		ParentID:  ev.ID,
	})
}

// deliverOutbound sends generated events back to their chat.
func (t *TelegramChannel) deliverOutbound(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicEventOutbound)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.OutboundEventPayload)
			if !ok || payload.Text == "" {
				continue
			}
			chatID, ok := ChatID(payload.ChannelID)
			if !ok {
				// Event belongs to another adapter.
				continue
			}
			if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, payload.Text)); err != nil {
				t.logger.Error("failed to send telegram reply",
					"chat_id", chatID,
					"event_id", payload.EventID,
					"error", err)
			}
		}
	}
}

// ChannelID maps a Telegram chat to its event-graph channel ID.
func ChannelID(chatID int64) string {
	return fmt.Sprintf("%s%d", telegramChannelPrefix, chatID)
}

// ChatID recovers the Telegram chat ID from a channel ID. The second
// return is false for channels owned by other adapters.
func ChatID(channelID string) (int64, bool) {
	rest, ok := strings.CutPrefix(channelID, telegramChannelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func eventID(chatID int64, messageID int) string {
	return fmt.Sprintf("tg-%d-%d", chatID, messageID)
}

func eventUser(from *tgbotapi.User) *store.User {
	if from == nil {
		return nil
	}
	name := from.UserName
	if name == "" {
		name = strings.TrimSpace(from.FirstName + " " + from.LastName)
	}
	return &store.User{
		ID:   fmt.Sprintf("tg-user-%d", from.ID),
		Name: name,
	}
}

func chatName(chat *tgbotapi.Chat) string {
	if chat == nil {
		return ""
	}
	if chat.Title != "" {
		return chat.Title
	}
	return chat.UserName
}
