// Package notify holds the best-effort notification and audible alert
// channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
)

// ErrNotConfigured is returned by a channel with no destination.
var ErrNotConfigured = errors.New("notification channel not configured")

// Notifier delivers a titled notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Alerter plays the fixed disconnect alert.
type Alerter interface {
	Alert() error
}

// TelegramNotifier sends notifications to one chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegramNotifier creates a bot client for token. Extra options are
// passed to the client.
func NewTelegramNotifier(token string, chatID string, opts ...bot.Option) (*TelegramNotifier, error) {
	if token == "" || chatID == "" {
		return nil, ErrNotConfigured
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, chatID: id}, nil
}

// Notify sends "title\nbody" to the chat.
func (n *TelegramNotifier) Notify(ctx context.Context, title, body string) error {
	if _, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   title + "\n" + body,
	}); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// Bell rings the terminal bell on w.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBell returns a bell writing to w.
func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

func (b *Bell) Alert() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.WriteString(b.w, "\a"); err != nil {
		return fmt.Errorf("ring bell: %w", err)
	}
	return nil
}
