package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// PositionService
// ──────────────────────────────────────────────────────────────────────────────

// PositionService is the participant-facing entry point for taking a side and
// closing early. Money movement is done by the ledger as one unit; persistence
// and broadcasts follow from the ledger's sink.
type PositionService struct {
	ledger *ledger.Ledger
	log    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(l *ledger.Ledger, logger *slog.Logger) *PositionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PositionService{ledger: l, log: logger.With("component", "position_service")}
}

// TakeSideInput is the decoded HTTP request for taking a side.
type TakeSideInput struct {
	MarketID  uuid.UUID
	Side      string
	Amount    string
	MinPayout string // optional slippage guard
}

// ──────────────────────────────────────────────────────────────────────────────
// TakeSide
// ──────────────────────────────────────────────────────────────────────────────

// TakeSide parses the request amounts, then stakes on behalf of participantID.
// The returned position carries the frozen quote.
func (s *PositionService) TakeSide(ctx context.Context, participantID uuid.UUID, in TakeSideInput) (*domain.Position, error) {
	// ── 1. Parse input ───────────────────────────────────────────────────────
	side, err := domain.ParseSide(in.Side)
	if err != nil {
		return nil, err
	}
	amount, err := domain.ParseAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	var minPayout decimal.Decimal
	if in.MinPayout != "" {
		if minPayout, err = domain.ParseAmount(in.MinPayout); err != nil {
			return nil, fmt.Errorf("min_payout: %w", err)
		}
	}

	// ── 2. Stake ─────────────────────────────────────────────────────────────
	p, err := s.ledger.TakeSide(ctx, domain.TakeSideRequest{
		ParticipantID: participantID,
		MarketID:      in.MarketID,
		Side:          side,
		Amount:        amount,
		MinPayout:     minPayout,
	})
	if err != nil {
		return nil, fmt.Errorf("position_service.TakeSide: %w", err)
	}

	s.log.Info("position opened",
		"position_id", p.ID, "market_id", p.MarketID, "participant_id", participantID,
		"side", p.Side, "amount", p.Amount.String(), "quoted_payout", p.QuotedPayout.String())
	return p, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Close
// ──────────────────────────────────────────────────────────────────────────────

// Close exits an active position early for its owner. A position owned by
// someone else is reported as not found.
func (s *PositionService) Close(ctx context.Context, participantID, positionID uuid.UUID) (*domain.Position, error) {
	if _, err := s.Get(participantID, positionID); err != nil {
		return nil, err
	}
	p, err := s.ledger.ClosePosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("position_service.Close: %w", err)
	}
	s.log.Info("position closed",
		"position_id", p.ID, "participant_id", participantID,
		"refund", p.Refund.String(), "exit_fee", p.ExitFee.String())
	return p, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Get returns one of participantID's positions.
func (s *PositionService) Get(participantID, positionID uuid.UUID) (*domain.Position, error) {
	p, err := s.ledger.Position(positionID)
	if err != nil {
		return nil, fmt.Errorf("position_service.Get: %w", err)
	}
	if p.ParticipantID != participantID {
		return nil, fmt.Errorf("position_service.Get: %w", domain.ErrPositionNotFound)
	}
	return p, nil
}

// ListMine returns a page of participantID's positions, newest first, and the
// total count. status="" matches every status.
func (s *PositionService) ListMine(participantID uuid.UUID, status string, limit, offset int) ([]*domain.Position, int) {
	all := s.ledger.ParticipantPositions(participantID)
	if status != "" {
		filtered := all[:0]
		for _, p := range all {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		all = filtered
	}
	return paginate(all, limit, offset), len(all)
}
