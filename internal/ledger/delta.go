package ledger

import (
	"context"
	"time"

	"github.com/evetabi/yesno/internal/domain"
)

// Op names the ledger operation that produced a Delta.
type Op string

const (
	OpMarketOpened   Op = "market_opened"
	OpAccountOpened  Op = "account_opened"
	OpPositionOpened Op = "position_opened"
	OpPositionClosed Op = "position_closed"
	OpMarketResolved Op = "market_resolved"
)

// Delta is the committed effect of one ledger operation. Every record it
// carries is a post-operation copy stamped with Seq, so sinks can apply
// deltas idempotently and discard stale ones.
type Delta struct {
	Seq       uint64                `json:"seq"`
	Op        Op                    `json:"op"`
	At        time.Time             `json:"at"`
	Market    *domain.Market        `json:"market,omitempty"`
	Positions []*domain.Position    `json:"positions,omitempty"`
	Accounts  []domain.Account      `json:"accounts,omitempty"`
	Entries   []domain.BalanceEntry `json:"entries,omitempty"`
}

// Subject returns the routing key used by message sinks:
// "<op>.<market id>", or "<op>" when no market is involved.
func (d *Delta) Subject() string {
	if d.Market == nil {
		return string(d.Op)
	}
	return string(d.Op) + "." + d.Market.ID.String()
}

// Sink receives committed deltas. In the default mode Commit is called after
// the market lock is released and its error is only logged; with
// Options.TwoPhaseCommit it is called before the in-memory apply and an error
// aborts the operation.
type Sink interface {
	Commit(ctx context.Context, d *Delta) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d *Delta) error

// Commit calls f.
func (f SinkFunc) Commit(ctx context.Context, d *Delta) error { return f(ctx, d) }

// NopSink discards every delta.
type NopSink struct{}

// Commit does nothing.
func (NopSink) Commit(context.Context, *Delta) error { return nil }
