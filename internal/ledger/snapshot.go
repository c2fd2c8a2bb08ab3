package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time copy of the ledger. Each market is copied
// under its own lock; accounts are copied after all markets.
type Snapshot struct {
	Seq      uint64           `json:"seq"`
	TakenAt  time.Time        `json:"taken_at"`
	Markets  []MarketSnapshot `json:"markets"`
	Accounts []domain.Account `json:"accounts"`
}

// MarketSnapshot is one market and its positions.
type MarketSnapshot struct {
	Market    *domain.Market     `json:"market"`
	Positions []*domain.Position `json:"positions"`
}

// Snapshot copies the ledger state.
func (l *Ledger) Snapshot() *Snapshot {
	snap := &Snapshot{TakenAt: l.opts.Clock.Now()}
	for _, ml := range l.shards() {
		ml.mu.Lock()
		if !ml.retired {
			snap.Markets = append(snap.Markets, MarketSnapshot{
				Market:    ml.market.Clone(),
				Positions: ml.book.all(),
			})
		}
		ml.mu.Unlock()
	}
	for _, a := range l.accounts.list() {
		a.mu.Lock()
		if !a.retired {
			snap.Accounts = append(snap.Accounts, a.snapshot())
		}
		a.mu.Unlock()
	}
	snap.Seq = l.seq.Load()

	slices.SortFunc(snap.Markets, func(a, b MarketSnapshot) int {
		return a.Market.SettlementTime.Compare(b.Market.SettlementTime)
	})
	return snap
}

// Restore loads persisted state into a ledger that has not served any
// operation yet. Markets in snap replace catalog markets with the same id;
// catalog markets absent from snap stay as opened by New.
func (l *Ledger) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if len(l.accounts.list()) > 0 {
		return errors.New("ledger.Restore: ledger already has accounts")
	}

	maxSeq := snap.Seq
	restored := make([]*marketLedger, 0, len(snap.Markets))
	for _, ms := range snap.Markets {
		if ms.Market == nil {
			return errors.New("ledger.Restore: market snapshot without market")
		}
		if !ms.Market.Asset.IsValid() {
			return fmt.Errorf("ledger.Restore: market %s: %w: %q", ms.Market.ID, domain.ErrUnknownAsset, ms.Market.Asset)
		}
		ml := newMarketLedger(ms.Market.Clone())
		maxSeq = max(maxSeq, ms.Market.Seq)
		for _, p := range ms.Positions {
			if p.MarketID != ms.Market.ID {
				return fmt.Errorf("ledger.Restore: position %s belongs to %s, not %s", p.ID, p.MarketID, ms.Market.ID)
			}
			if p.IsActive() && ms.Market.IsResolved() {
				return fmt.Errorf("ledger.Restore: active position %s on resolved market %s", p.ID, p.MarketID)
			}
			c := p.Clone()
			ml.book.insert(c)
			if c.Status == domain.PositionClosed && c.ExitFee != nil {
				ml.retained = ml.retained.Add(*c.ExitFee)
			}
			maxSeq = max(maxSeq, c.Seq)
		}
		restored = append(restored, ml)
	}

	l.mu.Lock()
	for _, ml := range restored {
		l.markets[ml.market.ID] = ml
	}
	l.mu.Unlock()

	for _, ml := range restored {
		for _, p := range ml.book.positions {
			l.index.add(p)
		}
	}
	for _, acct := range snap.Accounts {
		if acct.Balance.IsNegative() {
			return fmt.Errorf("ledger.Restore: account %s has negative balance %s", acct.ParticipantID, acct.Balance)
		}
		l.accounts.restore(acct)
		maxSeq = max(maxSeq, acct.Seq)
	}

	if cur := l.seq.Load(); maxSeq > cur {
		l.seq.Store(maxSeq)
	}
	return l.Verify()
}

// SnapshotSource is one place persisted state can be loaded from. Load
// returns a nil snapshot when the source holds no state.
type SnapshotSource struct {
	Name string
	Load func(ctx context.Context) (*Snapshot, error)
}

// RestoreFirst builds a ledger and restores the first source whose snapshot
// passes Restore. A snapshot that fails verification is logged and the next
// source is tried on a freshly built ledger. A Load error stops the search:
// an unreachable source is not evidence that its state is bad.
//
// It returns the name of the source used, or "" when no source held state.
// If every source with state was rejected the combined errors are returned.
func RestoreFirst(ctx context.Context, build func() (*Ledger, error), sources []SnapshotSource, logger *slog.Logger) (*Ledger, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var rejected []error
	for _, src := range sources {
		snap, err := src.Load(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("ledger.RestoreFirst: load %s: %w", src.Name, err)
		}
		if snap == nil {
			continue
		}
		l, err := build()
		if err != nil {
			return nil, "", err
		}
		if err := l.Restore(snap); err != nil {
			logger.Warn("snapshot rejected", "source", src.Name, "seq", snap.Seq, "err", err)
			rejected = append(rejected, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}
		return l, src.Name, nil
	}
	if len(rejected) > 0 {
		return nil, "", fmt.Errorf("ledger.RestoreFirst: no snapshot restored: %w", errors.Join(rejected...))
	}
	l, err := build()
	return l, "", err
}

// Verify checks the cross-record invariants of every market: each pool equals
// its seed plus the stakes of its non-closed positions, and both sides'
// quoted payouts fit within the market's cover.
func (l *Ledger) Verify() error {
	var errs []error
	for _, ml := range l.shards() {
		ml.mu.Lock()
		if !ml.retired {
			errs = append(errs, l.verifyMarket(ml)...)
		}
		ml.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (l *Ledger) verifyMarket(ml *marketLedger) []error {
	var errs []error
	m := ml.market
	yes, no := ml.book.staked()
	if want := m.SeedYes.Add(yes); !m.YesPool.Equal(want) {
		errs = append(errs, fmt.Errorf("market %s: yes pool %s, want %s", m.ID, m.YesPool, want))
	}
	if want := m.SeedNo.Add(no); !m.NoPool.Equal(want) {
		errs = append(errs, fmt.Errorf("market %s: no pool %s, want %s", m.ID, m.NoPool, want))
	}
	if m.IsOpen() {
		cover := ml.cover(l.opts.SolvencyReserve)
		if !solvent(ml.book.liability[domain.SideYes], ml.book.liability[domain.SideNo], cover) {
			errs = append(errs, fmt.Errorf("market %s: liabilities yes=%s no=%s exceed cover %s: %w",
				m.ID, ml.book.liability[domain.SideYes], ml.book.liability[domain.SideNo], cover, domain.ErrSolvencyLimit))
		}
	} else {
		for side, liab := range ml.book.liability {
			if !liab.Equal(decimal.Zero) {
				errs = append(errs, fmt.Errorf("market %s: resolved with %s liability %s", m.ID, side, liab))
			}
		}
	}
	return errs
}
