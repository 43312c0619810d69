// Package telegram implements the Telegram surface driver over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/clawgate/chat"
)

const (
	pollTimeoutSeconds = 30
	defaultParseMode   = "Markdown"
)

// Config holds the Telegram driver configuration.
type Config struct {
	BotToken string
}

// Channel implements chat.Channel for the Telegram Bot API.
type Channel struct {
	bot    *tgbotapi.BotAPI
	config *Config
}

// New creates a Telegram driver. The bot identity is resolved at construction
// so a bad token fails fast.
func New(config *Config) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return &Channel{bot: bot, config: config}, nil
}

// Name returns the surface this driver serves.
func (t *Channel) Name() chat.Surface {
	return chat.SurfaceTelegram
}

// Start runs the long-polling loop until ctx is cancelled.
func (t *Channel) Start(ctx context.Context, sink chan<- *chat.InboundEvent) error {
	updates := t.bot.GetUpdatesChan(tgbotapi.UpdateConfig{
		Timeout: pollTimeoutSeconds,
	})
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			evt := t.parse(&update)
			if evt == nil {
				continue
			}
			select {
			case sink <- evt:
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return nil
			}
		}
	}
}

// parse normalizes one update. Updates without a usable message are dropped.
func (t *Channel) parse(update *tgbotapi.Update) *chat.InboundEvent {
	var msg *tgbotapi.Message
	switch {
	case update.Message != nil:
		msg = update.Message
	case update.EditedMessage != nil:
		msg = update.EditedMessage
	default:
		return nil
	}
	if msg.From == nil {
		return nil
	}

	evt := &chat.InboundEvent{
		Surface:    chat.SurfaceTelegram,
		ChatType:   chat.ChatDirect,
		From:       strconv.FormatInt(msg.From.ID, 10),
		To:         strconv.FormatInt(msg.Chat.ID, 10),
		Body:       msg.Text,
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderName: msg.From.UserName,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		evt.ChatType = chat.ChatGroup
		evt.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
		evt.GroupSubject = msg.Chat.Title
	}

	// Telegram carries mentions as entities over the message text.
	for _, entity := range msg.Entities {
		if entity.Type == "mention" || entity.Type == "text_mention" {
			evt.MentionsBot = mentionTargetsBot(msg.Text, &entity, t.bot.Self.UserName)
		}
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == t.bot.Self.ID {
		evt.MentionsBot = true
	}

	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		evt.Media = append(evt.Media, chat.Media{
			URL:      fmt.Sprintf("telegram://file/%s", largest.FileID),
			MimeType: "image/jpeg",
		})
		if evt.Body == "" {
			evt.Body = msg.Caption
		}
	case msg.Voice != nil:
		evt.Media = append(evt.Media, chat.Media{
			URL:      fmt.Sprintf("telegram://file/%s", msg.Voice.FileID),
			MimeType: "audio/ogg",
		})
	case msg.Document != nil:
		evt.Media = append(evt.Media, chat.Media{
			URL:      fmt.Sprintf("telegram://file/%s", msg.Document.FileID),
			MimeType: msg.Document.MimeType,
			FileName: msg.Document.FileName,
		})
		if evt.Body == "" {
			evt.Body = msg.Caption
		}
	}

	return evt
}

// mentionTargetsBot checks whether an @mention entity names this bot.
func mentionTargetsBot(text string, entity *tgbotapi.MessageEntity, botName string) bool {
	if botName == "" {
		return false
	}
	runes := []rune(text)
	if entity.Offset < 0 || entity.Offset+entity.Length > len(runes) {
		return false
	}
	mention := string(runes[entity.Offset : entity.Offset+entity.Length])
	return mention == "@"+botName
}

// Send delivers one outbound message. Media URLs are appended as links;
// Telegram unfurls them client-side.
func (t *Channel) Send(ctx context.Context, msg *chat.OutgoingMessage) error {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return &chat.ChannelError{Code: "INVALID_PAYLOAD", Message: "invalid chat id", Err: err}
	}

	text := msg.Text
	for _, u := range msg.MediaURLs {
		if text != "" {
			text += "\n"
		}
		text += u
	}

	tgMsg := tgbotapi.NewMessage(chatID, text)
	if !msg.Notice {
		tgMsg.ParseMode = defaultParseMode
	}
	if _, err := t.bot.Send(tgMsg); err != nil {
		// Markdown parse failures are permanent for this text; resend plain.
		if !msg.Notice {
			tgMsg.ParseMode = ""
			if _, plainErr := t.bot.Send(tgMsg); plainErr == nil {
				return nil
			}
		}
		return &chat.ChannelError{Code: "SEND_FAILED", Message: "telegram send failed", Err: err}
	}
	return nil
}

// Close stops the update stream.
func (t *Channel) Close() error {
	t.bot.StopReceivingUpdates()
	return nil
}

var _ chat.Channel = (*Channel)(nil)
