package service

import (
	"context"
	"fmt"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
)

// EntryStore pages through the persisted balance history.
type EntryStore interface {
	ListEntries(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]domain.BalanceEntry, int, error)
}

// WalletService exposes a participant's balance and its audit trail.
type WalletService struct {
	ledger  *ledger.Ledger
	entries EntryStore // nil = serve from the ledger's recent window
}

// NewWalletService creates a WalletService.
func NewWalletService(l *ledger.Ledger) *WalletService {
	return &WalletService{ledger: l}
}

// SetEntryStore injects the persistent history post-construction.
func (s *WalletService) SetEntryStore(es EntryStore) { s.entries = es }

// Account returns the participant's current balance snapshot.
func (s *WalletService) Account(participantID uuid.UUID) (domain.Account, error) {
	acct, err := s.ledger.Account(participantID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("wallet_service.Account: %w", err)
	}
	return acct, nil
}

// Entries returns a page of balance entries, newest first, and the total. The
// in-memory window only holds the most recent entries, so without a store the
// total is capped by it.
func (s *WalletService) Entries(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]domain.BalanceEntry, int, error) {
	if s.entries != nil {
		list, total, err := s.entries.ListEntries(ctx, participantID, limit, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("wallet_service.Entries: %w", err)
		}
		return list, total, nil
	}
	recent, err := s.ledger.RecentEntries(participantID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("wallet_service.Entries: %w", err)
	}
	return paginate(recent, limit, offset), len(recent), nil
}
