// Package notify pushes terminal OTP request states to a Telegram chat.
// Purely informational: delivery failures are logged and never affect the
// request state machine.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"

	"github.com/mixelka/otpgate/pkg/models"
)

// TelegramNotifier sends request outcome messages to one chat
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token and chat
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    b,
		chatID: chatID,
		logger: logger.With("component", "notifier"),
	}, nil
}

// RequestResolved reports a request that reached a terminal state
func (n *TelegramNotifier) RequestResolved(ctx context.Context, req *models.OTPRequest) {
	var text string
	switch req.Status {
	case models.StatusCompleted:
		text = fmt.Sprintf("✅ OTP request %s (%s/%s) completed: %s",
			req.ID, req.AccountType, req.OTPType.String, req.OTP.String)
	case models.StatusFailed:
		text = fmt.Sprintf("❌ OTP request %s (%s/%s) failed: %s",
			req.ID, req.AccountType, req.OTPType.String, req.Error.String)
	default:
		return
	}

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   text,
	})
	if err != nil {
		n.logger.Warn("failed to send notification", "request_id", req.ID, "error", err)
	}
}
