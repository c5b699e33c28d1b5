package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	tele "gopkg.in/telebot.v4"

	"untis-notifier/diff"
	"untis-notifier/pkg/timetable"
)

// TelegramConfig identifies the bot and the chat to post to.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int // Forum topic, 0 for none
}

// telegramAPI is the part of *tele.Bot the provider uses.
type telegramAPI interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// TelegramProvider posts one HTML message per card to a Telegram chat. A
// failure part way through reports the delivered cards as a *PartialError.
type TelegramProvider struct {
	api      telegramAPI
	chat     *tele.Chat
	threadID int
	logger   *slog.Logger
}

// NewTelegramProvider creates a new Telegram provider. The bot never polls for updates.
func NewTelegramProvider(cfg TelegramConfig, logger *slog.Logger) (*TelegramProvider, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramProvider{
		api:      bot,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		logger:   logger,
	}, nil
}

// Name implements Provider.
func (t *TelegramProvider) Name() string { return "telegram" }

// Send implements Provider.
func (t *TelegramProvider) Send(ctx context.Context, p timetable.Payload) error {
	for i, card := range p.Cards {
		if err := ctx.Err(); err != nil {
			return partial(i, len(p.Cards), err)
		}

		text := formatTelegramCard(card)
		if i == 0 && p.Content != "" {
			text = html.EscapeString(p.Content) + "\n\n" + text
		}

		opts := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              t.threadID,
		}
		if _, err := t.api.Send(t.chat, text, opts); err != nil {
			return partial(i, len(p.Cards), fmt.Errorf("send card %d of %d: %w", i+1, len(p.Cards), err))
		}
		t.logger.Debug("Telegram message sent", "chat_id", t.chat.ID, "footer", card.Footer)
	}
	return nil
}

func formatTelegramCard(card timetable.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(card.Title))
	if card.Description != "" {
		fmt.Fprintf(&b, "<i>%s</i>\n", html.EscapeString(card.Description))
	}
	for _, g := range card.Fields {
		fmt.Fprintf(&b, "\n<b>Old %s</b>\n%s\n", html.EscapeString(g.Label), html.EscapeString(orPlaceholder(g.Old)))
		fmt.Fprintf(&b, "<b>New %s</b>\n%s\n", html.EscapeString(g.Label), html.EscapeString(orPlaceholder(g.New)))
	}
	if card.Footer != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(card.Footer))
	}
	return b.String()
}

func orPlaceholder(s string) string {
	if s == "" {
		return diff.Placeholder
	}
	return s
}
