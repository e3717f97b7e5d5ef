package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewatch/internal/model"
)

// Notifier delivers an alert to the user's push channel. A zero sent
// count without an error is a valid result (user has no channel).
type Notifier interface {
	NotifyAlert(ctx context.Context, user *model.User, alert *model.Alert) (sent int, err error)
}

// TelegramNotifier pushes alerts to users over Telegram
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewTelegramNotifier creates the notifier, or returns an error when
// the token is rejected by the Telegram API
func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:    bot,
		logger: log.With().Str("component", "telegram_notifier").Logger(),
	}, nil
}

// NotifyAlert sends the alert text to the user's chat
func (n *TelegramNotifier) NotifyAlert(ctx context.Context, user *model.User, alert *model.Alert) (int, error) {
	if user.TelegramChatID == 0 {
		return 0, nil
	}

	msg := tgbotapi.NewMessage(user.TelegramChatID, formatAlert(alert))
	if _, err := n.bot.Send(msg); err != nil {
		return 0, fmt.Errorf("sending telegram message: %w", err)
	}
	return 1, nil
}

func formatAlert(alert *model.Alert) string {
	var sb strings.Builder

	switch alert.Type {
	case model.TypeStopLoss:
		fmt.Fprintf(&sb, "⚠️ Stop-loss breach: %s at %.2f\n", alert.Symbol, alert.Price)
	case model.TypeBearish:
		fmt.Fprintf(&sb, "🔻 %s: %s at %.2f\n", alert.Recommendation, alert.Symbol, alert.Price)
	default:
		fmt.Fprintf(&sb, "📈 %s: %s at %.2f\n", alert.Recommendation, alert.Symbol, alert.Price)
	}

	fmt.Fprintf(&sb, "Confidence: %s\n", alert.Confidence)
	if alert.StopLoss != nil {
		fmt.Fprintf(&sb, "Stop loss: %.2f\n", *alert.StopLoss)
	}
	if alert.TakeProfit != nil {
		fmt.Fprintf(&sb, "Take profit: %.2f\n", *alert.TakeProfit)
	}
	if alert.Reasoning != "" {
		fmt.Fprintf(&sb, "%s\n", alert.Reasoning)
	}
	if alert.Synthetic {
		sb.WriteString("(derived from fallback pricing)\n")
	}
	return sb.String()
}
