package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evetabi/yesno/internal/catalog"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// MarketService
// ──────────────────────────────────────────────────────────────────────────────

// MarketService handles the read side of markets (lists, summaries, quotes)
// and keeps the ledger in step with the catalog.
type MarketService struct {
	ledger      *ledger.Ledger
	catalog     catalog.Source
	definitions DefinitionStore // nil = created markets live only in the ledger
	log         *slog.Logger
}

// DefinitionStore persists admin-created market definitions so that they
// survive a restart through the catalog.
type DefinitionStore interface {
	Create(ctx context.Context, def domain.MarketDefinition) error
}

// NewMarketService creates a MarketService. source may be nil when markets
// are only opened at startup.
func NewMarketService(l *ledger.Ledger, source catalog.Source, logger *slog.Logger) *MarketService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketService{ledger: l, catalog: source, log: logger.With("component", "market_service")}
}

// SetDefinitionStore injects the definition store post-construction.
func (s *MarketService) SetDefinitionStore(ds DefinitionStore) { s.definitions = ds }

// MarketDetail is the back-office view of one market.
type MarketDetail struct {
	Market    *domain.Market       `json:"market"`
	Summary   domain.MarketSummary `json:"summary"`
	Exposure  ledger.Exposure      `json:"exposure"`
	Positions []*domain.Position   `json:"positions"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Assets lists the tradable assets in display order.
func (s *MarketService) Assets() []domain.AssetInfo {
	return domain.Assets()
}

// ListMarkets returns a page of market summaries ordered by settlement time,
// optionally filtered by state and asset ("" matches all).
func (s *MarketService) ListMarkets(state, asset string, limit, offset int) ([]domain.MarketSummary, int, error) {
	var wantAsset domain.Asset
	if asset != "" {
		a, err := domain.ParseAsset(asset)
		if err != nil {
			return nil, 0, err
		}
		wantAsset = a
	}

	now := s.ledger.Now()
	fees := s.ledger.Fees()
	var out []domain.MarketSummary
	for _, m := range s.ledger.Markets() {
		if state != "" && string(m.State) != state {
			continue
		}
		if wantAsset != "" && m.Asset != wantAsset {
			continue
		}
		out = append(out, m.ToSummary(fees, now))
	}
	return paginate(out, limit, offset), len(out), nil
}

// Summaries returns a summary of every open market. Used by the WS broadcast
// loop.
func (s *MarketService) Summaries() []domain.MarketSummary {
	now := s.ledger.Now()
	fees := s.ledger.Fees()
	var out []domain.MarketSummary
	for _, m := range s.ledger.Markets() {
		if m.IsOpen() {
			out = append(out, m.ToSummary(fees, now))
		}
	}
	return out
}

// GetMarket looks a market up by uuid or, failing that, by slug.
func (s *MarketService) GetMarket(ref string) (*domain.Market, error) {
	if id, err := uuid.Parse(ref); err == nil {
		m, err := s.ledger.Market(id)
		if err != nil {
			return nil, fmt.Errorf("market_service.GetMarket: %w", err)
		}
		return m, nil
	}
	for _, m := range s.ledger.Markets() {
		if strings.EqualFold(m.Slug, ref) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("market_service.GetMarket: %w: %q", domain.ErrMarketNotFound, ref)
}

// GetSummary returns the summary of one market.
func (s *MarketService) GetSummary(ref string) (domain.MarketSummary, error) {
	m, err := s.GetMarket(ref)
	if err != nil {
		return domain.MarketSummary{}, err
	}
	return m.ToSummary(s.ledger.Fees(), s.ledger.Now()), nil
}

// Quote previews the payout of staking amount on side without committing.
func (s *MarketService) Quote(ref, side, amount string) (domain.Quote, error) {
	m, err := s.GetMarket(ref)
	if err != nil {
		return domain.Quote{}, err
	}
	sd, err := domain.ParseSide(side)
	if err != nil {
		return domain.Quote{}, err
	}
	amt, err := domain.ParseAmount(amount)
	if err != nil {
		return domain.Quote{}, err
	}
	q, err := s.ledger.Quote(m.ID, sd, amt)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("market_service.Quote: %w", err)
	}
	return q, nil
}

// Detail returns the market with all its positions and current exposure.
func (s *MarketService) Detail(ref string) (*MarketDetail, error) {
	m, err := s.GetMarket(ref)
	if err != nil {
		return nil, err
	}
	positions, err := s.ledger.MarketPositions(m.ID)
	if err != nil {
		return nil, fmt.Errorf("market_service.Detail: positions: %w", err)
	}
	exp, err := s.ledger.Exposure(m.ID)
	if err != nil {
		return nil, fmt.Errorf("market_service.Detail: exposure: %w", err)
	}
	return &MarketDetail{
		Market:    m,
		Summary:   m.ToSummary(s.ledger.Fees(), s.ledger.Now()),
		Exposure:  exp,
		Positions: positions,
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Audit
// ──────────────────────────────────────────────────────────────────────────────

// AuditReport is the result of a full ledger consistency check.
type AuditReport struct {
	Seq        uint64          `json:"seq"`
	Markets    int             `json:"markets"`
	Accounts   int             `json:"accounts"`
	TotalPools decimal.Decimal `json:"total_pools"`
	TotalHeld  decimal.Decimal `json:"total_balances"`
	Consistent bool            `json:"consistent"`
	Problems   []string        `json:"problems,omitempty"`
}

// Audit verifies pool and solvency invariants across every market.
func (s *MarketService) Audit() AuditReport {
	snap := s.ledger.Snapshot()
	r := AuditReport{Seq: snap.Seq, Markets: len(snap.Markets), Accounts: len(snap.Accounts)}
	for _, ms := range snap.Markets {
		r.TotalPools = r.TotalPools.Add(ms.Market.TotalPool())
	}
	for _, a := range snap.Accounts {
		r.TotalHeld = r.TotalHeld.Add(a.Balance)
	}
	if err := s.ledger.Verify(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			r.Problems = append(r.Problems, line)
		}
	}
	r.Consistent = len(r.Problems) == 0
	return r
}

// ──────────────────────────────────────────────────────────────────────────────
// Catalog sync
// ──────────────────────────────────────────────────────────────────────────────

// SyncCatalog opens every catalog market the ledger does not know yet and
// returns how many were added. Existing markets are never modified.
func (s *MarketService) SyncCatalog(ctx context.Context) (int, error) {
	if s.catalog == nil {
		return 0, nil
	}
	defs, err := s.catalog.Markets(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service.SyncCatalog: load: %w", err)
	}

	added := 0
	var errs []error
	for _, def := range defs {
		if _, err := s.ledger.Market(def.StableID()); err == nil {
			continue
		}
		m, err := s.ledger.AddMarket(ctx, def)
		switch {
		case err == nil:
			added++
			s.log.Info("catalog market added", "market_id", m.ID, "slug", m.Slug, "asset", m.Asset)
		case errors.Is(err, domain.ErrDuplicateMarket):
			// opened concurrently
		default:
			errs = append(errs, fmt.Errorf("%s: %w", def.Slug, err))
		}
	}
	if len(errs) > 0 {
		return added, fmt.Errorf("market_service.SyncCatalog: %w", errors.Join(errs...))
	}
	return added, nil
}

// CreateMarket validates def, records it in the definition store when one is
// set, and opens it in the ledger.
func (s *MarketService) CreateMarket(ctx context.Context, def domain.MarketDefinition) (*domain.Market, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Market(def.ID); err == nil {
		return nil, fmt.Errorf("market_service.CreateMarket: %w", domain.ErrDuplicateMarket)
	}
	if s.definitions != nil {
		if err := s.definitions.Create(ctx, def); err != nil {
			return nil, fmt.Errorf("market_service.CreateMarket: %w", err)
		}
	}
	m, err := s.ledger.AddMarket(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("market_service.CreateMarket: %w", err)
	}
	s.log.Info("market created", "market_id", m.ID, "slug", m.Slug, "asset", m.Asset,
		"target", m.TargetPrice.String(), "settles_at", m.SettlementTime)
	return m, nil
}
