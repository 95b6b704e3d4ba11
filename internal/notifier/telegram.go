package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSink sends a short alert to one chat (optionally a forum topic).
type TelegramSink struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

var _ Sink = (*TelegramSink)(nil)

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, f Failure) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, formatAlert(f), &tele.SendOptions{
			ThreadID:              t.threadID,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatAlert(f Failure) string {
	var b strings.Builder
	b.WriteString("post failed\n")
	fmt.Fprintf(&b, "post: %s\nuser: %s\n", f.PostID, f.UserID)
	if f.Kind != "" {
		fmt.Fprintf(&b, "kind: %s\n", f.Kind)
	}
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, "status: %d\n", f.StatusCode)
	}
	detail := f.Detail
	if len(detail) > 500 {
		detail = detail[:500] + "..."
	}
	b.WriteString(detail)
	return b.String()
}
