package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// WalletRepository handles accounts, the balance entry trail and the opening
// balances granted by the identity provider.
type WalletRepository struct {
	db *sqlx.DB
}

// NewWalletRepository creates a new WalletRepository.
func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// UpsertAccount writes a balance snapshot within tx, forward in seq only.
func (r *WalletRepository) UpsertAccount(ctx context.Context, tx *sqlx.Tx, a domain.Account) error {
	query := `
		INSERT INTO accounts (participant_id, balance, seq, updated_at)
		VALUES (:participant_id, :balance, :seq, :updated_at)
		ON CONFLICT (participant_id) DO UPDATE SET
			balance    = EXCLUDED.balance,
			seq        = EXCLUDED.seq,
			updated_at = EXCLUDED.updated_at
		WHERE accounts.seq < EXCLUDED.seq`
	if _, err := tx.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("wallet_repo.UpsertAccount: %w", err)
	}
	return nil
}

// LogEntry records an immutable balance entry within tx. Replays are no-ops.
func (r *WalletRepository) LogEntry(ctx context.Context, tx *sqlx.Tx, e domain.BalanceEntry) error {
	query := `
		INSERT INTO balance_entries
			(id, participant_id, type, amount, balance_before, balance_after, ref_id, description, seq, created_at)
		VALUES
			(:id, :participant_id, :type, :amount, :balance_before, :balance_after, :ref_id, :description, :seq, :created_at)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("wallet_repo.LogEntry: %w", err)
	}
	return nil
}

// GetAccount fetches the persisted balance of participantID.
func (r *WalletRepository) GetAccount(ctx context.Context, participantID uuid.UUID) (domain.Account, error) {
	var a domain.Account
	err := r.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE participant_id = $1`, participantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, fmt.Errorf("wallet_repo.GetAccount: %w", err)
	}
	return a, nil
}

// Accounts returns every persisted account.
func (r *WalletRepository) Accounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	if err := r.db.SelectContext(ctx, &accounts,
		`SELECT * FROM accounts ORDER BY participant_id`); err != nil {
		return nil, fmt.Errorf("wallet_repo.Accounts: %w", err)
	}
	return accounts, nil
}

// ListEntries returns a page of participantID's balance entries, newest
// first, and the total count.
func (r *WalletRepository) ListEntries(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]domain.BalanceEntry, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM balance_entries WHERE participant_id = $1`, participantID); err != nil {
		return nil, 0, fmt.Errorf("wallet_repo.ListEntries count: %w", err)
	}

	entries := []domain.BalanceEntry{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM balance_entries
		WHERE participant_id = $1
		ORDER BY seq DESC, created_at DESC
		LIMIT $2 OFFSET $3`,
		participantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("wallet_repo.ListEntries select: %w", err)
	}
	return entries, total, nil
}

// ExternalBalance returns the opening balance granted to address. An address
// with no grant starts at zero.
func (r *WalletRepository) ExternalBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := r.db.GetContext(ctx, &bal, `SELECT balance FROM wallet_balances WHERE address = $1`, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("wallet_repo.ExternalBalance: %w", err)
	}
	return bal, nil
}

// GrantBalance sets the opening balance for address. It only affects
// participants who have not connected yet.
func (r *WalletRepository) GrantBalance(ctx context.Context, address string, amount decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_balances (address, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`,
		address, amount)
	if err != nil {
		return fmt.Errorf("wallet_repo.GrantBalance: %w", err)
	}
	return nil
}
