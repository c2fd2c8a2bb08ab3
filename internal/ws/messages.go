// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines all message structs pushed to connected clients.
package ws

import (
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	MsgTypeMarkets        MsgType = "markets"
	MsgTypeMarketOpened   MsgType = "market_opened"
	MsgTypePositionOpened MsgType = "position_opened"
	MsgTypePositionClosed MsgType = "position_closed"
	MsgTypeMarketResolved MsgType = "market_resolved"
	MsgTypeAccountUpdate  MsgType = "account_update"
)

// ──────────────────────────────────────────────────────────────────────────────
// MarketsMessage is a periodic snapshot of every open market.
// ──────────────────────────────────────────────────────────────────────────────

// MarketsMessage carries the open market summaries and the latest oracle
// price per asset. An asset whose price is unknown is omitted.
type MarketsMessage struct {
	Type      MsgType                          `json:"type"`
	Markets   []domain.MarketSummary           `json:"markets"`
	Prices    map[domain.Asset]decimal.Decimal `json:"prices"`
	Timestamp time.Time                        `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// MarketEventMessage is sent once per committed market delta.
// ──────────────────────────────────────────────────────────────────────────────

// MarketEventMessage reports a change to one market with its fresh summary,
// so pool ratios refresh for every client. Participant identities are not
// broadcast.
type MarketEventMessage struct {
	Type      MsgType              `json:"type"`
	Seq       uint64               `json:"seq"`
	Market    domain.MarketSummary `json:"market"`
	Side      *domain.Side         `json:"side,omitempty"`
	Amount    *decimal.Decimal     `json:"amount,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// AccountMessage is sent only to the owning participant.
// ──────────────────────────────────────────────────────────────────────────────

// AccountMessage tells a participant their balance changed and why.
type AccountMessage struct {
	Type      MsgType               `json:"type"`
	Seq       uint64                `json:"seq"`
	Account   domain.Account        `json:"account"`
	Entries   []domain.BalanceEntry `json:"entries,omitempty"`
	Positions []*domain.Position    `json:"positions,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Delta translation
// ──────────────────────────────────────────────────────────────────────────────

var opTypes = map[ledger.Op]MsgType{
	ledger.OpMarketOpened:   MsgTypeMarketOpened,
	ledger.OpPositionOpened: MsgTypePositionOpened,
	ledger.OpPositionClosed: MsgTypePositionClosed,
	ledger.OpMarketResolved: MsgTypeMarketResolved,
}

// marketEvent builds the public message for d, or false when d does not
// touch a market.
func marketEvent(d *ledger.Delta, fees domain.FeePolicy, now time.Time) (MarketEventMessage, bool) {
	t, ok := opTypes[d.Op]
	if !ok || d.Market == nil {
		return MarketEventMessage{}, false
	}
	msg := MarketEventMessage{
		Type:      t,
		Seq:       d.Seq,
		Market:    d.Market.ToSummary(fees, now),
		Timestamp: d.At,
	}
	if (d.Op == ledger.OpPositionOpened || d.Op == ledger.OpPositionClosed) && len(d.Positions) == 1 {
		p := d.Positions[0]
		side, amount := p.Side, p.Amount
		msg.Side, msg.Amount = &side, &amount
	}
	return msg, true
}

// accountEvents builds one private message per account in d.
func accountEvents(d *ledger.Delta) map[uuid.UUID]AccountMessage {
	if len(d.Accounts) == 0 {
		return nil
	}
	out := make(map[uuid.UUID]AccountMessage, len(d.Accounts))
	for _, a := range d.Accounts {
		out[a.ParticipantID] = AccountMessage{
			Type:      MsgTypeAccountUpdate,
			Seq:       d.Seq,
			Account:   a,
			Timestamp: d.At,
		}
	}
	for _, e := range d.Entries {
		if m, ok := out[e.ParticipantID]; ok {
			m.Entries = append(m.Entries, e)
			out[e.ParticipantID] = m
		}
	}
	for _, p := range d.Positions {
		if m, ok := out[p.ParticipantID]; ok {
			m.Positions = append(m.Positions, p)
			out[p.ParticipantID] = m
		}
	}
	return out
}
