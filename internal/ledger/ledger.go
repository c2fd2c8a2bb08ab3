// Package ledger is the in-memory pari-mutuel ledger: per-market pools, the
// position book, participant balances and settlement.
//
// # Concurrency
//
// Each market has its own mutex; operations on distinct markets run in
// parallel. Each participant account has its own mutex; a participant's
// debits and credits are serialized across markets. Locks are always taken
// in the order market → account(s) → index and never the reverse. Multiple
// accounts are locked in id order.
//
// No I/O happens under a market lock in the default mode: the committed
// Delta is handed to the Sink after the lock is released. With
// Options.TwoPhaseCommit the Sink is called under the lock, bounded by
// Options.CommitTimeout, and a Sink error aborts the operation with nothing
// applied.
package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Clock
// ──────────────────────────────────────────────────────────────────────────────

// Clock supplies the current time for settlement checks and timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ──────────────────────────────────────────────────────────────────────────────
// Options
// ──────────────────────────────────────────────────────────────────────────────

// Options configures a Ledger. Zero values select the defaults noted.
type Options struct {
	Fees  *domain.FeePolicy // nil selects 1 % settlement, 5 % early exit
	Clock Clock             // default SystemClock
	Sink  Sink              // default NopSink

	// TwoPhaseCommit commits each delta to Sink before applying it.
	TwoPhaseCommit bool
	// CommitTimeout bounds a two-phase Sink commit. Default 2s.
	CommitTimeout time.Duration

	// StrictSettlement refuses early resolution overrides.
	StrictSettlement bool

	// SolvencyReserve is added to a market's cover when checking that quoted
	// payouts remain payable.
	SolvencyReserve decimal.Decimal

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Fees == nil {
		fees := domain.DefaultFeePolicy()
		o.Fees = &fees
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────────────────────────────────

// Ledger owns every market, position and balance. It is safe for concurrent
// use.
type Ledger struct {
	opts Options
	fees domain.FeePolicy
	log  *slog.Logger
	seq  atomic.Uint64

	mu      sync.RWMutex // guards markets (the registry, not market state)
	markets map[uuid.UUID]*marketLedger

	accounts *balanceLedger
	index    *positionIndex
}

// New builds a Ledger and opens a market for every definition.
func New(defs []domain.MarketDefinition, opts Options) (*Ledger, error) {
	opts.setDefaults()
	if err := opts.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("ledger.New: %w", err)
	}
	if opts.SolvencyReserve.IsNegative() {
		return nil, fmt.Errorf("ledger.New: %w: negative solvency reserve", domain.ErrInvalidAmount)
	}
	l := &Ledger{
		opts:     opts,
		fees:     *opts.Fees,
		log:      opts.Logger.With("component", "ledger"),
		markets:  make(map[uuid.UUID]*marketLedger),
		accounts: newBalanceLedger(),
		index:    newPositionIndex(),
	}
	now := l.opts.Clock.Now()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("ledger.New: %w", err)
		}
		if _, dup := l.markets[def.ID]; dup {
			return nil, fmt.Errorf("ledger.New: %s: %w", def.ID, domain.ErrDuplicateMarket)
		}
		l.markets[def.ID] = newMarketLedger(domain.NewMarket(def, now))
	}
	return l, nil
}

// Fees returns the configured fee policy.
func (l *Ledger) Fees() domain.FeePolicy { return l.fees }

// Now returns the ledger clock's time.
func (l *Ledger) Now() time.Time { return l.opts.Clock.Now() }

func (l *Ledger) nextSeq() uint64 { return l.seq.Add(1) }

// commit runs under the market lock. In two-phase mode d must be accepted by
// the sink before apply runs; otherwise apply runs immediately.
func (l *Ledger) commit(ctx context.Context, d *Delta, apply func()) error {
	if l.opts.TwoPhaseCommit {
		cctx, cancel := context.WithTimeout(ctx, l.opts.CommitTimeout)
		defer cancel()
		if err := l.opts.Sink.Commit(cctx, d); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrSinkCommit, err)
		}
	}
	apply()
	return nil
}

// publish runs after every lock is released. The sink outcome never changes
// ledger state.
func (l *Ledger) publish(ctx context.Context, d *Delta) {
	if d == nil || l.opts.TwoPhaseCommit {
		return
	}
	if err := l.opts.Sink.Commit(ctx, d); err != nil {
		l.log.Warn("sink commit failed", "op", d.Op, "seq", d.Seq, "err", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

// shard returns the market ledger for id. The caller must lock it and check
// retired before use.
func (l *Ledger) shard(id uuid.UUID) (*marketLedger, error) {
	l.mu.RLock()
	ml, ok := l.markets[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, domain.ErrMarketNotFound)
	}
	return ml, nil
}

func (l *Ledger) shards() []*marketLedger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*marketLedger, 0, len(l.markets))
	for _, ml := range l.markets {
		out = append(out, ml)
	}
	return out
}

// AddMarket opens a new market from a catalog definition.
func (l *Ledger) AddMarket(ctx context.Context, def domain.MarketDefinition) (*domain.Market, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("ledger.AddMarket: %w", err)
	}

	m := domain.NewMarket(def, l.opts.Clock.Now())
	ml := newMarketLedger(m)
	ml.mu.Lock() // invisible to operations until committed

	l.mu.Lock()
	if _, dup := l.markets[m.ID]; dup {
		l.mu.Unlock()
		ml.mu.Unlock()
		return nil, fmt.Errorf("ledger.AddMarket: %s: %w", m.ID, domain.ErrDuplicateMarket)
	}
	l.markets[m.ID] = ml
	l.mu.Unlock()

	m.Seq = l.nextSeq()
	d := &Delta{Seq: m.Seq, Op: OpMarketOpened, At: m.CreatedAt, Market: m.Clone()}
	err := l.commit(ctx, d, func() {})
	if err != nil {
		l.mu.Lock()
		delete(l.markets, m.ID)
		l.mu.Unlock()
		ml.retired = true
	}
	out := m.Clone()
	ml.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ledger.AddMarket: %w", err)
	}

	l.publish(ctx, d)
	l.log.Info("market opened", "market_id", m.ID, "slug", m.Slug, "asset", m.Asset, "settles_at", m.SettlementTime)
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────────────────────────────────

// EnsureAccount opens an account for participantID funded with initial, the
// external balance reported by the identity provider. An existing account is
// returned unchanged.
func (l *Ledger) EnsureAccount(ctx context.Context, participantID uuid.UUID, initial decimal.Decimal) (domain.Account, error) {
	if participantID == uuid.Nil {
		return domain.Account{}, fmt.Errorf("ledger.EnsureAccount: %w: empty participant id", domain.ErrAccountNotFound)
	}
	if initial.IsNegative() || !domain.Quantize(initial).Equal(initial) {
		return domain.Account{}, fmt.Errorf("ledger.EnsureAccount: %w: initial balance %s", domain.ErrInvalidAmount, initial)
	}

	for {
		a, created := l.accounts.createLocked(participantID)
		if !created {
			a.mu.Lock()
			retired := a.retired
			snap := a.snapshot()
			a.mu.Unlock()
			if retired {
				continue // a concurrent open was rolled back; try again
			}
			return snap, nil
		}

		now := l.opts.Clock.Now()
		seq := l.nextSeq()
		d := &Delta{Seq: seq, Op: OpAccountOpened, At: now}
		var entry *domain.BalanceEntry
		if initial.IsPositive() {
			e := a.entry(domain.EntryDeposit, initial, nil, "opening balance", seq, now)
			entry = &e
			d.Entries = []domain.BalanceEntry{e}
		}
		d.Accounts = []domain.Account{{ParticipantID: participantID, Balance: initial, Seq: seq, UpdatedAt: now}}

		err := l.commit(ctx, d, func() {
			if entry != nil {
				a.apply(*entry)
			} else {
				a.seq, a.updatedAt = seq, now
			}
		})
		if err != nil {
			l.accounts.remove(a)
			a.mu.Unlock()
			return domain.Account{}, fmt.Errorf("ledger.EnsureAccount: %w", err)
		}
		snap := a.snapshot()
		a.mu.Unlock()

		l.publish(ctx, d)
		return snap, nil
	}
}

// lockedAccount returns the account for id with its mutex held.
func (l *Ledger) lockedAccount(id uuid.UUID) (*account, error) {
	a, ok := l.accounts.get(id)
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, domain.ErrAccountNotFound)
	}
	a.mu.Lock()
	if a.retired {
		a.mu.Unlock()
		return nil, fmt.Errorf("participant %s: %w", id, domain.ErrAccountNotFound)
	}
	return a, nil
}

// Account returns the balance snapshot of a participant.
func (l *Ledger) Account(participantID uuid.UUID) (domain.Account, error) {
	a, err := l.lockedAccount(participantID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger.Account: %w", err)
	}
	defer a.mu.Unlock()
	return a.snapshot(), nil
}

// Balance returns a participant's spendable balance.
func (l *Ledger) Balance(participantID uuid.UUID) (decimal.Decimal, error) {
	acct, err := l.Account(participantID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// RecentEntries returns up to limit of the participant's latest balance
// entries, newest first.
func (l *Ledger) RecentEntries(participantID uuid.UUID, limit int) ([]domain.BalanceEntry, error) {
	a, err := l.lockedAccount(participantID)
	if err != nil {
		return nil, fmt.Errorf("ledger.RecentEntries: %w", err)
	}
	defer a.mu.Unlock()
	n := len(a.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.BalanceEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.recent[i])
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Market returns a copy of the market.
func (l *Ledger) Market(id uuid.UUID) (*domain.Market, error) {
	ml, err := l.shard(id)
	if err != nil {
		return nil, fmt.Errorf("ledger.Market: %w", err)
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.retired {
		return nil, fmt.Errorf("ledger.Market: %s: %w", id, domain.ErrMarketNotFound)
	}
	return ml.market.Clone(), nil
}

// Markets returns copies of every market ordered by settlement time.
func (l *Ledger) Markets() []*domain.Market {
	var out []*domain.Market
	for _, ml := range l.shards() {
		ml.mu.Lock()
		if !ml.retired {
			out = append(out, ml.market.Clone())
		}
		ml.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *domain.Market) int {
		if c := a.SettlementTime.Compare(b.SettlementTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

// DueMarkets returns open markets whose settlement time has passed at now.
func (l *Ledger) DueMarkets(now time.Time) []*domain.Market {
	var due []*domain.Market
	for _, m := range l.Markets() {
		if m.IsOpen() && m.IsSettleable(now) {
			due = append(due, m)
		}
	}
	return due
}

// Position returns a copy of the position.
func (l *Ledger) Position(id uuid.UUID) (*domain.Position, error) {
	marketID, ok := l.index.marketOf(id)
	if !ok {
		return nil, fmt.Errorf("ledger.Position: %s: %w", id, domain.ErrPositionNotFound)
	}
	ml, err := l.shard(marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Position: %w", err)
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	p, ok := ml.book.get(id)
	if !ok {
		return nil, fmt.Errorf("ledger.Position: %s: %w", id, domain.ErrPositionNotFound)
	}
	return p.Clone(), nil
}

// MarketPositions returns copies of every position in a market in the order
// they were opened.
func (l *Ledger) MarketPositions(marketID uuid.UUID) ([]*domain.Position, error) {
	ml, err := l.shard(marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger.MarketPositions: %w", err)
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.book.all(), nil
}

// ParticipantPositions returns copies of a participant's positions, newest
// first.
func (l *Ledger) ParticipantPositions(participantID uuid.UUID) []*domain.Position {
	refs := l.index.refs(participantID)
	out := make([]*domain.Position, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		ml, err := l.shard(refs[i].market)
		if err != nil {
			continue
		}
		ml.mu.Lock()
		if p, ok := ml.book.get(refs[i].id); ok {
			out = append(out, p.Clone())
		}
		ml.mu.Unlock()
	}
	return out
}
