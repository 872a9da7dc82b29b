// Package notify delivers operator alerts, grounded on the teacher's
// internal/monitor.AlertSink interface with a Telegram-backed
// implementation using go-telegram-bot-api.
package notify

import (
	"fmt"

	"stopdaemon/internal/monitor"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to a single chat via the Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ monitor.AlertSink = (*Telegram)(nil)

// NewTelegram constructs a Telegram sink. chatID is the numeric chat or
// channel id the bot has been added to.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: init telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Send implements monitor.AlertSink.
func (t *Telegram) Send(message string) error {
	msg := tgbotapi.NewMessage(t.chatID, message)
	_, err := t.bot.Send(msg)
	return err
}

// Log is a no-op AlertSink for dry-run or testnet deployments without a
// configured Telegram bot; alerts are only visible via the daemon's log
// output.
type Log struct {
	Writef func(format string, args ...any)
}

var _ monitor.AlertSink = Log{}

func (l Log) Send(message string) error {
	if l.Writef != nil {
		l.Writef("alert: %s", message)
	}
	return nil
}
