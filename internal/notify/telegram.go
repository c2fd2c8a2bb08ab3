// Package notify posts market resolutions to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// Telegram is a ledger.Sink that announces every resolved market. Other
// deltas are ignored.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot token and returns a notifier for chatID.
func NewTelegram(botToken string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Commit implements ledger.Sink. Retries are left to the caller's worker.
func (t *Telegram) Commit(_ context.Context, d *ledger.Delta) error {
	if d.Op != ledger.OpMarketResolved || d.Market == nil {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatResolution(d))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

// FormatResolution renders a market_resolved delta as MarkdownV2.
func FormatResolution(d *ledger.Delta) string {
	m := d.Market
	outcome := "?"
	if m.Outcome != nil {
		outcome = string(*m.Outcome)
	}

	var winners, losers int
	paid := decimal.Zero
	for _, p := range d.Positions {
		switch p.Status {
		case domain.PositionWon:
			winners++
			paid = paid.Add(p.QuotedPayout)
		case domain.PositionLost:
			losers++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏁 *Market resolved: %s*\n", escapeMarkdownV2(outcome))
	fmt.Fprintf(&b, "%s\n\n", escapeMarkdownV2(strings.TrimSpace(m.Question+" ("+m.Slug+")")))
	fmt.Fprintf(&b, "Pools: YES %s / NO %s\n",
		escapeMarkdownV2(m.YesPool.StringFixed(2)), escapeMarkdownV2(m.NoPool.StringFixed(2)))
	fmt.Fprintf(&b, "Winners: %d, losers: %d, paid out %s\n",
		winners, losers, escapeMarkdownV2(paid.StringFixed(2)))
	fmt.Fprintf(&b, "Resolved by `%s`", escapeMarkdownV2(m.ResolvedBy))
	if m.EarlyOverride {
		b.WriteString(" \\(early override\\)")
	}
	return b.String()
}

func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
