package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// settlementPlan is the full effect of resolving one market, computed before
// anything is applied.
type settlementPlan struct {
	market    *domain.Market
	winners   []*domain.Position
	losers    []*domain.Position
	accounts  []*account
	entries   []domain.BalanceEntry
	totalPaid decimal.Decimal
}

// Resolve fixes a market's outcome. Every active position becomes won or
// lost and every won position is credited its stored quoted payout. The
// state flip, the position pass and the credit pass become visible together.
// Pools are left untouched.
//
// Resolution before the market's settlement time fails with
// ErrMarketNotSettleable unless req.Override is set; the override itself is
// refused with ErrOverrideDisabled under StrictSettlement.
func (l *Ledger) Resolve(ctx context.Context, req domain.ResolveRequest) (*domain.Market, error) {
	m, d, err := l.resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ledger.Resolve: %w", err)
	}
	l.publish(ctx, d)
	l.log.Info("market resolved",
		"market_id", m.ID,
		"outcome", *m.Outcome,
		"resolved_by", m.ResolvedBy,
		"early_override", m.EarlyOverride,
		"positions", len(d.Positions),
	)
	return m, nil
}

func (l *Ledger) resolve(ctx context.Context, req domain.ResolveRequest) (*domain.Market, *Delta, error) {
	if !req.Outcome.IsValid() {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrInvalidSide, req.Outcome)
	}

	ml, err := l.shard(req.MarketID)
	if err != nil {
		return nil, nil, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()

	// ── 1. One-shot, and not before settlement time ───────────────────────────
	if ml.retired {
		return nil, nil, fmt.Errorf("market %s: %w", req.MarketID, domain.ErrMarketNotFound)
	}
	if !ml.market.IsOpen() {
		return nil, nil, fmt.Errorf("market %s: %w", req.MarketID, domain.ErrMarketNotOpen)
	}
	now := l.opts.Clock.Now()
	early := !ml.market.IsSettleable(now)
	if early {
		if !req.Override {
			return nil, nil, fmt.Errorf("market %s settles at %s: %w",
				req.MarketID, ml.market.SettlementTime.Format(time.RFC3339), domain.ErrMarketNotSettleable)
		}
		if l.opts.StrictSettlement {
			return nil, nil, fmt.Errorf("market %s: %w", req.MarketID, domain.ErrOverrideDisabled)
		}
	}

	// ── 2. Plan every transition and credit ───────────────────────────────────
	seq := l.nextSeq()
	plan := l.planSettlement(ml, req, seq, now, early)

	// ── 3. Lock winners' accounts and build their entries ─────────────────────
	unlock := lockAll(plan.accounts)
	defer unlock()
	plan.buildEntries(ml.market.Slug, seq, now)

	d := &Delta{
		Seq:     seq,
		Op:      OpMarketResolved,
		At:      now,
		Market:  plan.market.Clone(),
		Entries: plan.entries,
	}
	for _, p := range plan.winners {
		c := p.Clone()
		c.Status, c.SettledAt, c.Seq = domain.PositionWon, &now, seq
		d.Positions = append(d.Positions, c)
	}
	for _, p := range plan.losers {
		c := p.Clone()
		c.Status, c.SettledAt, c.Seq = domain.PositionLost, &now, seq
		d.Positions = append(d.Positions, c)
	}
	for _, a := range plan.accounts {
		d.Accounts = append(d.Accounts, domain.Account{
			ParticipantID: a.id,
			Balance:       a.balance.Add(plan.creditFor(a.id)),
			Seq:           seq,
			UpdatedAt:     now,
		})
	}

	// ── 4. Commit and apply: nothing below can fail ───────────────────────────
	err = l.commit(ctx, d, func() {
		for _, p := range plan.winners {
			mustTransition(p, domain.PositionWon, now, seq)
		}
		for _, p := range plan.losers {
			mustTransition(p, domain.PositionLost, now, seq)
		}
		ml.book.liability[domain.SideYes] = decimal.Zero
		ml.book.liability[domain.SideNo] = decimal.Zero
		byID := make(map[uuid.UUID]*account, len(plan.accounts))
		for _, a := range plan.accounts {
			byID[a.id] = a
		}
		for _, e := range plan.entries {
			byID[e.ParticipantID].apply(e)
		}
		ml.market = plan.market
	})
	if err != nil {
		return nil, nil, err
	}
	return plan.market.Clone(), d, nil
}

// planSettlement splits the active positions and checks that the winning
// side's quotes are covered. A shortfall is a defect: the admission checks
// in TakeSide and ClosePosition make it unreachable.
func (l *Ledger) planSettlement(ml *marketLedger, req domain.ResolveRequest, seq uint64, now time.Time, early bool) *settlementPlan {
	plan := &settlementPlan{totalPaid: decimal.Zero}
	seen := make(map[uuid.UUID]bool)
	for _, p := range ml.book.active() {
		if p.Side != req.Outcome {
			plan.losers = append(plan.losers, p)
			continue
		}
		plan.winners = append(plan.winners, p)
		plan.totalPaid = plan.totalPaid.Add(p.QuotedPayout)
		if !seen[p.ParticipantID] {
			seen[p.ParticipantID] = true
			a, ok := l.accounts.get(p.ParticipantID)
			if !ok {
				panic(domain.NewInvariantError("Ledger.Resolve", "winning position %s has no account", p.ID))
			}
			plan.accounts = append(plan.accounts, a)
		}
	}

	if !plan.totalPaid.Equal(ml.book.liability[req.Outcome]) {
		panic(domain.NewInvariantError("Ledger.Resolve", "market %s: payouts %s != tracked liability %s",
			ml.market.ID, plan.totalPaid, ml.book.liability[req.Outcome]))
	}
	if cover := ml.cover(l.opts.SolvencyReserve); plan.totalPaid.GreaterThan(cover) {
		panic(domain.NewInvariantError("Ledger.Resolve", "market %s: payouts %s exceed cover %s",
			ml.market.ID, plan.totalPaid, cover))
	}

	outcome := req.Outcome
	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "system"
	}
	next := ml.market.Clone()
	next.State = domain.MarketResolved
	next.Outcome = &outcome
	next.ResolvedAt = &now
	next.ResolvedBy = resolvedBy
	next.EarlyOverride = early
	next.Seq, next.UpdatedAt = seq, now
	plan.market = next
	return plan
}

// buildEntries creates one payout entry per won position. Account mutexes
// must be held.
func (p *settlementPlan) buildEntries(slug string, seq uint64, now time.Time) {
	running := make(map[uuid.UUID]*account, len(p.accounts))
	offset := make(map[uuid.UUID]decimal.Decimal, len(p.accounts))
	for _, a := range p.accounts {
		running[a.id] = a
	}
	for _, pos := range p.winners {
		a := running[pos.ParticipantID]
		id := pos.ID
		// Entries for the same participant chain off each other.
		shadow := &account{id: a.id, balance: a.balance.Add(offset[a.id])}
		e := shadow.entry(domain.EntryPayout, pos.QuotedPayout, &id,
			fmt.Sprintf("payout %s on %s", pos.Side, slug), seq, now)
		offset[a.id] = offset[a.id].Add(pos.QuotedPayout)
		p.entries = append(p.entries, e)
	}
}

func (p *settlementPlan) creditFor(id uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.winners {
		if pos.ParticipantID == id {
			total = total.Add(pos.QuotedPayout)
		}
	}
	return total
}

func mustTransition(p *domain.Position, to domain.PositionStatus, at time.Time, seq uint64) {
	if err := p.Transition(to, at); err != nil {
		panic(domain.NewInvariantError("Ledger.Resolve", "%v", err))
	}
	p.Seq = seq
}
