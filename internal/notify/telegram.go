package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    botAPI
	chatID int64
}

// NewTelegramNotifier connects a bot with token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat ID is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating bot: %w", err)
	}
	bot.Buffer = 0
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Name implements Notifier.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(ctx context.Context, event domain.BlockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, FormatAlert(event))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
