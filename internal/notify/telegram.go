package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - outbound trade and risk alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
// Notification only: nothing here feeds back into trading decisions, and a
// send failure is logged and forgotten. A nil *Notifier is safe to call.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier pushes messages to one Telegram chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New creates a notifier, or nil when the token or chat id is unset.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram init failed, notifications disabled")
		return nil
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("Telegram notifier ready")
	return &Notifier{bot: bot, chatID: chatID}
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// PositionOpened announces a new position.
func (n *Notifier) PositionOpened(p types.Position) {
	n.send(fmt.Sprintf("🟢 OPEN %s %s\nEntry %s × %d\nSL %s | Target %s",
		p.Type, p.InstrumentKey, p.EntryPrice, p.Qty, p.StopLoss, p.Target))
}

// PositionClosed announces an exit with its P&L.
func (n *Notifier) PositionClosed(p types.Position) {
	emoji := "🔴"
	if p.RealisedPnL.IsPositive() {
		emoji = "🟢"
	}
	n.send(fmt.Sprintf("%s CLOSE %s %s\nExit %s (%s)\nP&L %s",
		emoji, p.Type, p.InstrumentKey, p.ExitPrice, p.ExitReason, p.RealisedPnL))
}

// DailyLossHalt announces the risk halt.
func (n *Notifier) DailyLossHalt(dailyPnL, limit string) {
	n.send(fmt.Sprintf("🛡️ Trading halted for the day\nDaily P&L %s breached limit %s", dailyPnL, limit))
}

// TokenExpired announces a dead credential.
func (n *Notifier) TokenExpired() {
	n.send("⚠️ Broker token expired - new orders disabled until the credential is refreshed")
}
