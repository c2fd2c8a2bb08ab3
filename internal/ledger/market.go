package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// marketLedger is one market's pools and position book behind its own lock.
type marketLedger struct {
	mu      sync.Mutex
	market  *domain.Market
	book    *positionBook
	retired bool // registration was rolled back
	// retained is the early-exit fees kept by the market; they stay
	// available to cover quoted payouts.
	retained decimal.Decimal
}

func newMarketLedger(m *domain.Market) *marketLedger {
	return &marketLedger{market: m, book: newPositionBook()}
}

// cover is what the market can pay out: both pools, retained exit fees and
// the configured reserve.
func (ml *marketLedger) cover(reserve decimal.Decimal) decimal.Decimal {
	return ml.market.TotalPool().Add(ml.retained).Add(reserve)
}

// solvent reports whether both sides' liabilities fit within cover.
func solvent(yesLiab, noLiab, cover decimal.Decimal) bool {
	return yesLiab.LessThanOrEqual(cover) && noLiab.LessThanOrEqual(cover)
}

// Exposure is the payout exposure of one market.
type Exposure struct {
	MarketID     uuid.UUID       `json:"market_id"`
	YesLiability decimal.Decimal `json:"yes_liability"`
	NoLiability  decimal.Decimal `json:"no_liability"`
	Retained     decimal.Decimal `json:"retained_fees"`
	Cover        decimal.Decimal `json:"cover"`
}

// Exposure returns the quoted-payout liability of each side against the
// market's cover.
func (l *Ledger) Exposure(marketID uuid.UUID) (Exposure, error) {
	ml, err := l.shard(marketID)
	if err != nil {
		return Exposure{}, fmt.Errorf("ledger.Exposure: %w", err)
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return Exposure{
		MarketID:     marketID,
		YesLiability: ml.book.liability[domain.SideYes],
		NoLiability:  ml.book.liability[domain.SideNo],
		Retained:     ml.retained,
		Cover:        ml.cover(l.opts.SolvencyReserve),
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Quote
// ──────────────────────────────────────────────────────────────────────────────

// Quote prices a stake against the market's current pools without changing
// anything.
func (l *Ledger) Quote(marketID uuid.UUID, side domain.Side, amount decimal.Decimal) (domain.Quote, error) {
	ml, err := l.shard(marketID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("ledger.Quote: %w", err)
	}
	ml.mu.Lock()
	yes, no := ml.market.YesPool, ml.market.NoPool
	open := ml.market.IsOpen() && !ml.retired
	ml.mu.Unlock()

	if !open {
		return domain.Quote{}, fmt.Errorf("ledger.Quote: %s: %w", marketID, domain.ErrMarketNotOpen)
	}
	q, err := l.fees.Quote(side, amount, yes, no)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("ledger.Quote: %w", err)
	}
	return q, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// TakeSide
// ──────────────────────────────────────────────────────────────────────────────

// TakeSide stakes req.Amount on req.Side. The payout is quoted against the
// pools as they were before this stake; the balance debit, pool update and
// position insert happen as one unit or not at all.
func (l *Ledger) TakeSide(ctx context.Context, req domain.TakeSideRequest) (*domain.Position, error) {
	pos, d, err := l.takeSide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ledger.TakeSide: %w", err)
	}
	l.publish(ctx, d)
	return pos, nil
}

func (l *Ledger) takeSide(ctx context.Context, req domain.TakeSideRequest) (*domain.Position, *Delta, error) {
	// ── 1. Validate inputs ────────────────────────────────────────────────────
	if !req.Side.IsValid() {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrInvalidSide, req.Side)
	}
	if !req.Amount.IsPositive() || !domain.Quantize(req.Amount).Equal(req.Amount) {
		return nil, nil, fmt.Errorf("%w: stake %s", domain.ErrInvalidAmount, req.Amount)
	}

	ml, err := l.shard(req.MarketID)
	if err != nil {
		return nil, nil, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()

	// ── 2. Market must be open ────────────────────────────────────────────────
	if ml.retired {
		return nil, nil, fmt.Errorf("market %s: %w", req.MarketID, domain.ErrMarketNotFound)
	}
	m := ml.market
	if !m.IsOpen() {
		return nil, nil, fmt.Errorf("market %s: %w", m.ID, domain.ErrMarketNotOpen)
	}

	// ── 3. Quote against pre-mutation pools ───────────────────────────────────
	q, err := l.fees.Quote(req.Side, req.Amount, m.YesPool, m.NoPool)
	if err != nil {
		return nil, nil, err
	}
	if req.MinPayout.IsPositive() && q.Net.LessThan(req.MinPayout) {
		return nil, nil, fmt.Errorf("%w: quote %s < min %s", domain.ErrQuoteMoved, q.Net, req.MinPayout)
	}

	// ── 4. Quoted payouts must stay covered ───────────────────────────────────
	yesLiab := ml.book.liability[domain.SideYes]
	noLiab := ml.book.liability[domain.SideNo]
	if req.Side == domain.SideYes {
		yesLiab = yesLiab.Add(q.Net)
	} else {
		noLiab = noLiab.Add(q.Net)
	}
	if !solvent(yesLiab, noLiab, ml.cover(l.opts.SolvencyReserve).Add(req.Amount)) {
		return nil, nil, fmt.Errorf("%w: market %s", domain.ErrSolvencyLimit, m.ID)
	}

	// ── 5. Balance check under the participant lock ───────────────────────────
	acct, err := l.lockedAccount(req.ParticipantID)
	if err != nil {
		return nil, nil, err
	}
	defer acct.mu.Unlock()
	if acct.balance.LessThan(req.Amount) {
		return nil, nil, fmt.Errorf("%w: balance %s < stake %s", domain.ErrInsufficientBalance, acct.balance, req.Amount)
	}

	// ── 6. Build the delta ────────────────────────────────────────────────────
	now := l.opts.Clock.Now()
	seq := l.nextSeq()
	pos := &domain.Position{
		ID:            uuid.New(),
		MarketID:      m.ID,
		ParticipantID: req.ParticipantID,
		Side:          req.Side,
		Amount:        req.Amount,
		QuotedPayout:  q.Net,
		Status:        domain.PositionActive,
		Seq:           seq,
		CreatedAt:     now,
	}
	entry := acct.entry(domain.EntryStake, req.Amount.Neg(), &pos.ID,
		fmt.Sprintf("stake %s on %s", req.Side, m.Slug), seq, now)

	next := m.Clone()
	if req.Side == domain.SideYes {
		next.YesPool = next.YesPool.Add(req.Amount)
	} else {
		next.NoPool = next.NoPool.Add(req.Amount)
	}
	next.Seq, next.UpdatedAt = seq, now

	d := &Delta{
		Seq:       seq,
		Op:        OpPositionOpened,
		At:        now,
		Market:    next,
		Positions: []*domain.Position{pos.Clone()},
		Accounts:  []domain.Account{{ParticipantID: acct.id, Balance: entry.BalanceAfter, Seq: seq, UpdatedAt: now}},
		Entries:   []domain.BalanceEntry{entry},
	}

	// ── 7. Commit and apply ───────────────────────────────────────────────────
	err = l.commit(ctx, d, func() {
		acct.apply(entry)
		ml.market = next.Clone()
		ml.book.insert(pos)
		l.index.add(pos)
	})
	if err != nil {
		return nil, nil, err
	}
	return pos.Clone(), d, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ClosePosition
// ──────────────────────────────────────────────────────────────────────────────

// ClosePosition exits an active position early. The participant is refunded
// the stake less the early-exit fee and the stake leaves its pool. It
// returns the closed position; its Refund field holds the amount credited.
func (l *Ledger) ClosePosition(ctx context.Context, positionID uuid.UUID) (*domain.Position, error) {
	pos, d, err := l.closePosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("ledger.ClosePosition: %w", err)
	}
	l.publish(ctx, d)
	return pos, nil
}

func (l *Ledger) closePosition(ctx context.Context, positionID uuid.UUID) (*domain.Position, *Delta, error) {
	// ── 1. Locate the position's market ───────────────────────────────────────
	marketID, ok := l.index.marketOf(positionID)
	if !ok {
		return nil, nil, fmt.Errorf("position %s: %w", positionID, domain.ErrPositionNotFound)
	}
	ml, err := l.shard(marketID)
	if err != nil {
		return nil, nil, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()

	pos, ok := ml.book.get(positionID)
	if !ok {
		return nil, nil, fmt.Errorf("position %s: %w", positionID, domain.ErrPositionNotFound)
	}

	// ── 2. Only active positions on an open market can close ──────────────────
	if !pos.IsActive() {
		return nil, nil, fmt.Errorf("position %s is %s: %w", pos.ID, pos.Status, domain.ErrPositionNotActive)
	}
	m := ml.market
	if !m.IsOpen() {
		panic(domain.NewInvariantError("Ledger.ClosePosition", "active position %s on resolved market %s", pos.ID, m.ID))
	}

	// ── 3. Refund = amount - early exit fee ───────────────────────────────────
	fee := l.fees.EarlyExitFee(pos.Amount)
	refund := pos.Amount.Sub(fee)

	next := m.Clone()
	if pos.Side == domain.SideYes {
		next.YesPool = next.YesPool.Sub(pos.Amount)
	} else {
		next.NoPool = next.NoPool.Sub(pos.Amount)
	}
	if next.YesPool.IsNegative() || next.NoPool.IsNegative() {
		panic(domain.NewInvariantError("Ledger.ClosePosition", "pool of %s would go negative", m.ID))
	}

	// ── 4. Remaining quotes must stay covered ─────────────────────────────────
	yesLiab := ml.book.liability[domain.SideYes]
	noLiab := ml.book.liability[domain.SideNo]
	if pos.Side == domain.SideYes {
		yesLiab = yesLiab.Sub(pos.QuotedPayout)
	} else {
		noLiab = noLiab.Sub(pos.QuotedPayout)
	}
	cover := next.TotalPool().Add(ml.retained).Add(fee).Add(l.opts.SolvencyReserve)
	if !solvent(yesLiab, noLiab, cover) {
		return nil, nil, fmt.Errorf("%w: closing %s", domain.ErrSolvencyLimit, pos.ID)
	}

	acct, err := l.lockedAccount(pos.ParticipantID)
	if err != nil {
		panic(domain.NewInvariantError("Ledger.ClosePosition", "position %s has no account: %v", pos.ID, err))
	}
	defer acct.mu.Unlock()

	// ── 5. Build the delta ────────────────────────────────────────────────────
	now := l.opts.Clock.Now()
	seq := l.nextSeq()
	entry := acct.entry(domain.EntryRefund, refund, &pos.ID,
		fmt.Sprintf("early exit from %s (fee %s)", m.Slug, fee), seq, now)
	next.Seq, next.UpdatedAt = seq, now

	closed := pos.Clone()
	closed.Status = domain.PositionClosed
	closed.Refund, closed.ExitFee = &refund, &fee
	closed.SettledAt = &now
	closed.Seq = seq

	d := &Delta{
		Seq:       seq,
		Op:        OpPositionClosed,
		At:        now,
		Market:    next,
		Positions: []*domain.Position{closed},
		Accounts:  []domain.Account{{ParticipantID: acct.id, Balance: entry.BalanceAfter, Seq: seq, UpdatedAt: now}},
		Entries:   []domain.BalanceEntry{entry},
	}

	// ── 6. Commit and apply ───────────────────────────────────────────────────
	err = l.commit(ctx, d, func() {
		ml.book.close(pos, refund, fee, now)
		pos.Seq = seq
		ml.retained = ml.retained.Add(fee)
		ml.market = next.Clone()
		acct.apply(entry)
	})
	if err != nil {
		return nil, nil, err
	}
	return pos.Clone(), d, nil
}
