package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResolvedByOracle marks markets settled by the scheduler from the price feed.
const ResolvedByOracle = "oracle"

// PriceOracle is the minimal interface SettlementService needs from
// PriceService.
type PriceOracle interface {
	GetWeightedPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, []domain.PriceSource, error)
}

// SettlementService resolves markets: automatically once settlement time has
// passed, using the weighted spot price, or by an admin through the back
// office.
type SettlementService struct {
	ledger *ledger.Ledger
	oracle PriceOracle
	log    *slog.Logger
}

// NewSettlementService builds a SettlementService.
func NewSettlementService(l *ledger.Ledger, oracle PriceOracle, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{ledger: l, oracle: oracle, log: logger.With("component", "settlement_service")}
}

// OutcomeFor returns YES when the observed price is at or above the target.
func OutcomeFor(price, target decimal.Decimal) domain.Side {
	if price.GreaterThanOrEqual(target) {
		return domain.SideYes
	}
	return domain.SideNo
}

// ──────────────────────────────────────────────────────────────────────────────
// Auto-settlement (called by the Scheduler every tick)
// ──────────────────────────────────────────────────────────────────────────────

// SettleDue resolves every open market whose settlement time has passed and
// returns how many were resolved. A failing market (typically a price feed
// outage) stays open for the next tick and does NOT block the others.
func (s *SettlementService) SettleDue(ctx context.Context) (int, error) {
	due := s.ledger.DueMarkets(s.ledger.Now())
	settled := 0
	var errs []error
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := s.settle(ctx, m); err != nil {
			s.log.Error("settlement failed", "market_id", m.ID, "slug", m.Slug, "err", err)
			errs = append(errs, err)
			continue
		}
		settled++
	}
	if len(errs) > 0 {
		return settled, fmt.Errorf("settlement_service.SettleDue: %w", errors.Join(errs...))
	}
	return settled, nil
}

func (s *SettlementService) settle(ctx context.Context, m *domain.Market) error {
	// ── Step 1: Fetch settlement price ───────────────────────────────────────
	price, sources, err := s.oracle.GetWeightedPrice(ctx, m.Asset)
	if err != nil {
		return fmt.Errorf("market %s: price: %w", m.ID, err)
	}

	// ── Step 2: Determine outcome and resolve ────────────────────────────────
	outcome := OutcomeFor(price, m.TargetPrice)
	_, err = s.ledger.Resolve(ctx, domain.ResolveRequest{
		MarketID:   m.ID,
		Outcome:    outcome,
		ResolvedBy: ResolvedByOracle,
	})
	if errors.Is(err, domain.ErrMarketNotOpen) {
		// resolved by an admin in the meantime
		return nil
	}
	if err != nil {
		return fmt.Errorf("market %s: %w", m.ID, err)
	}

	s.log.Info("market settled from price feed",
		"market_id", m.ID, "asset", m.Asset, "price", price.String(),
		"target", m.TargetPrice.String(), "outcome", outcome, "sources", len(sources))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Admin resolution
// ──────────────────────────────────────────────────────────────────────────────

// Resolve settles a market with an outcome chosen by an admin. override allows
// resolution before settlement time unless strict settlement is configured.
func (s *SettlementService) Resolve(ctx context.Context, marketID uuid.UUID, outcome string, resolvedBy string, override bool) (*domain.Market, error) {
	side, err := domain.ParseSide(outcome)
	if err != nil {
		return nil, err
	}
	m, err := s.ledger.Resolve(ctx, domain.ResolveRequest{
		MarketID:   marketID,
		Outcome:    side,
		ResolvedBy: resolvedBy,
		Override:   override,
	})
	if err != nil {
		return nil, fmt.Errorf("settlement_service.Resolve: %w", err)
	}
	s.log.Warn("market resolved by admin",
		"market_id", m.ID, "outcome", side, "resolved_by", resolvedBy, "early_override", m.EarlyOverride)
	return m, nil
}
