package modlog

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "modbot/pkg/logx"
)

// Sink delivers one line. Implementations must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// ChannelSink posts to a chat channel through a logx.Sender (the Discord
// adapter).
type ChannelSink struct {
	sender    logx.Sender
	channelID string
}

func NewChannelSink(sender logx.Sender, channelID string) *ChannelSink {
	return &ChannelSink{sender: sender, channelID: strings.TrimSpace(channelID)}
}

func (s *ChannelSink) Name() string { return "channel:" + s.channelID }

func (s *ChannelSink) Send(ctx context.Context, text string) error {
	if s.sender == nil || s.channelID == "" {
		return errors.New("channel sink not configured")
	}
	return s.sender.SendText(ctx, s.channelID, text)
}

const telegramTextLimit = 4096

// TelegramSink mirrors lines to a Telegram chat. It only sends; no updates
// are polled.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: token,
		// Skip getMe at construction; the first Send reports a bad token.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = truncateRunes(text, telegramTextLimit)
	// telebot has no context support; the worker's timeout bounds the wait.
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateRunes(s string, maxN int) string {
	if utf8.RuneCountInString(s) <= maxN {
		return s
	}
	r := []rune(s)
	return string(r[:maxN-1]) + "…"
}
