package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ──────────────────────────────────────────────────────────────────────────────
// Store
// ──────────────────────────────────────────────────────────────────────────────

// Store groups the repositories and applies ledger deltas to them. It is the
// ledger's durable sink.
type Store struct {
	db           *sqlx.DB
	Markets      *MarketRepository
	Positions    *PositionRepository
	Wallets      *WalletRepository
	Participants *ParticipantRepository
	Definitions  *DefinitionRepository
}

// NewStore creates a Store over db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		Markets:      NewMarketRepository(db),
		Positions:    NewPositionRepository(db),
		Wallets:      NewWalletRepository(db),
		Participants: NewParticipantRepository(db),
		Definitions:  NewDefinitionRepository(db),
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Commit implements ledger.Sink: every record in d is written in a single
// transaction. Rows already at a later seq are kept, so Commit is safe to
// retry and to call out of order.
func (s *Store) Commit(ctx context.Context, d *ledger.Delta) error {
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		// ── 1. Market ─────────────────────────────────────────────────────────
		if d.Market != nil {
			if err := s.Markets.Upsert(ctx, tx, d.Market); err != nil {
				return err
			}
		}
		// ── 2. Positions ──────────────────────────────────────────────────────
		for _, p := range d.Positions {
			if err := s.Positions.Upsert(ctx, tx, p); err != nil {
				return err
			}
		}
		// ── 3. Accounts ───────────────────────────────────────────────────────
		for _, a := range d.Accounts {
			if err := s.Wallets.UpsertAccount(ctx, tx, a); err != nil {
				return err
			}
		}
		// ── 4. Audit trail ────────────────────────────────────────────────────
		for _, e := range d.Entries {
			if err := s.Wallets.LogEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store.Commit seq=%d op=%s: %w", d.Seq, d.Op, err)
	}
	return nil
}

// LoadSnapshot reads the persisted state in one repeatable-read transaction
// so markets, positions and accounts are mutually consistent.
func (s *Store) LoadSnapshot(ctx context.Context) (*ledger.Snapshot, error) {
	var (
		markets   []*domain.Market
		positions []*domain.Position
		accounts  []domain.Account
	)
	err := func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.SelectContext(ctx, &markets, `SELECT * FROM markets ORDER BY settlement_time ASC, id ASC`); err != nil {
			return fmt.Errorf("markets: %w", err)
		}
		if err := tx.SelectContext(ctx, &positions, `SELECT * FROM positions ORDER BY created_at ASC, id ASC`); err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		if err := tx.SelectContext(ctx, &accounts, `SELECT * FROM accounts ORDER BY participant_id`); err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		return nil
	}()
	if err != nil {
		return nil, fmt.Errorf("store.LoadSnapshot: %w", err)
	}
	return assemble(markets, positions, accounts, time.Now().UTC())
}

// assemble groups positions under their markets and derives the snapshot seq
// from the highest seq seen.
func assemble(markets []*domain.Market, positions []*domain.Position, accounts []domain.Account, at time.Time) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{TakenAt: at, Accounts: accounts}
	index := make(map[uuid.UUID]int, len(markets))
	for i, m := range markets {
		index[m.ID] = i
		snap.Markets = append(snap.Markets, ledger.MarketSnapshot{Market: m})
		snap.Seq = max(snap.Seq, m.Seq)
	}
	for _, p := range positions {
		i, ok := index[p.MarketID]
		if !ok {
			return nil, fmt.Errorf("store.LoadSnapshot: position %s references unknown market %s", p.ID, p.MarketID)
		}
		snap.Markets[i].Positions = append(snap.Markets[i].Positions, p)
		snap.Seq = max(snap.Seq, p.Seq)
	}
	for _, a := range accounts {
		snap.Seq = max(snap.Seq, a.Seq)
	}
	return snap, nil
}
