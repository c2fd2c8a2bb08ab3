// Package domain defines the core entities of the YES/NO pari-mutuel ledger:
// markets, positions, participants, fees and the payout quote.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// MarketState represents the lifecycle state of a market.
type MarketState string

const (
	MarketOpen     MarketState = "open"     // accepting positions
	MarketResolved MarketState = "resolved" // outcome fixed, winners credited
)

// marketNamespace seeds the stable uuid derived from a catalog slug.
var marketNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("yesno:market"))

// ──────────────────────────────────────────────────────────────────────────────
// PriceSource
// ──────────────────────────────────────────────────────────────────────────────

// PriceSource holds a single exchange price reading used for weighted averaging.
type PriceSource struct {
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Weight    decimal.Decimal `json:"weight"` // 0–100 integer stored as decimal
	FetchedAt time.Time       `json:"fetched_at"`
}

// WeightedPrice computes a weighted average price from multiple sources.
// Sources with a zero weight or zero price are skipped.
// Returns decimal.Zero if no valid sources are provided.
func WeightedPrice(sources []PriceSource) decimal.Decimal {
	var sumWeighted, sumWeights decimal.Decimal
	for _, s := range sources {
		if s.Price.IsZero() || s.Weight.IsZero() {
			continue
		}
		sumWeighted = sumWeighted.Add(s.Price.Mul(s.Weight))
		sumWeights = sumWeights.Add(s.Weight)
	}
	if sumWeights.IsZero() {
		return decimal.Zero
	}
	return sumWeighted.Div(sumWeights)
}

// ──────────────────────────────────────────────────────────────────────────────
// MarketDefinition
// ──────────────────────────────────────────────────────────────────────────────

// MarketDefinition is a catalog entry: everything needed to open a market.
type MarketDefinition struct {
	ID             uuid.UUID       `json:"id"              db:"id"`
	Slug           string          `json:"slug"            db:"slug"`
	Asset          Asset           `json:"asset"           db:"asset"`
	Question       string          `json:"question"        db:"question"`
	TargetPrice    decimal.Decimal `json:"target_price"    db:"target_price"`
	SettlementTime time.Time       `json:"settlement_time" db:"settlement_time"`
	SeedYes        decimal.Decimal `json:"seed_yes"        db:"seed_yes"`
	SeedNo         decimal.Decimal `json:"seed_no"         db:"seed_no"`
}

// StableID returns ID when set, otherwise a uuid derived from the slug so that
// the same catalog entry maps to the same market across restarts.
func (d MarketDefinition) StableID() uuid.UUID {
	if d.ID != uuid.Nil {
		return d.ID
	}
	return uuid.NewSHA1(marketNamespace, []byte(strings.ToLower(d.Slug)))
}

// Validate checks the definition and fills ID from the slug when missing.
func (d *MarketDefinition) Validate() error {
	if d.ID == uuid.Nil && strings.TrimSpace(d.Slug) == "" {
		return fmt.Errorf("market definition: id or slug is required")
	}
	if !d.Asset.IsValid() {
		return fmt.Errorf("market definition %q: %w: %q", d.Slug, ErrUnknownAsset, d.Asset)
	}
	if d.SettlementTime.IsZero() {
		return fmt.Errorf("market definition %q: settlement time is required", d.Slug)
	}
	for _, v := range []decimal.Decimal{d.TargetPrice, d.SeedYes, d.SeedNo} {
		if err := CheckRange(v); err != nil {
			return fmt.Errorf("market definition %q: %w", d.Slug, err)
		}
	}
	if d.SeedYes.IsNegative() || d.SeedNo.IsNegative() {
		return fmt.Errorf("market definition %q: %w: negative seed liquidity", d.Slug, ErrInvalidAmount)
	}
	if !Quantize(d.SeedYes).Equal(d.SeedYes) || !Quantize(d.SeedNo).Equal(d.SeedNo) {
		return fmt.Errorf("market definition %q: %w: seed exceeds %d decimal places", d.Slug, ErrInvalidAmount, Scale)
	}
	d.ID = d.StableID()
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Market
// ──────────────────────────────────────────────────────────────────────────────

// Market is a single YES/NO question with its two pools.
//
// Pool invariant: YesPool = SeedYes + Σ amount of non-closed YES positions,
// and the same for NO. Pools are never touched by resolution.
type Market struct {
	ID             uuid.UUID       `json:"id"              db:"id"`
	Slug           string          `json:"slug"            db:"slug"`
	Asset          Asset           `json:"asset"           db:"asset"`
	Question       string          `json:"question"        db:"question"`
	TargetPrice    decimal.Decimal `json:"target_price"    db:"target_price"`
	SettlementTime time.Time       `json:"settlement_time" db:"settlement_time"`
	SeedYes        decimal.Decimal `json:"seed_yes"        db:"seed_yes"`
	SeedNo         decimal.Decimal `json:"seed_no"         db:"seed_no"`
	YesPool        decimal.Decimal `json:"yes_pool"        db:"yes_pool"`
	NoPool         decimal.Decimal `json:"no_pool"         db:"no_pool"`
	State          MarketState     `json:"state"           db:"state"`
	Outcome        *Side           `json:"outcome"         db:"outcome"`
	ResolvedAt     *time.Time      `json:"resolved_at"     db:"resolved_at"`
	ResolvedBy     string          `json:"resolved_by"     db:"resolved_by"`
	EarlyOverride  bool            `json:"early_override"  db:"early_override"`
	Seq            uint64          `json:"seq"             db:"seq"`
	CreatedAt      time.Time       `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"      db:"updated_at"`
}

// NewMarket opens a market for a validated definition.
func NewMarket(def MarketDefinition, now time.Time) *Market {
	return &Market{
		ID:             def.StableID(),
		Slug:           def.Slug,
		Asset:          def.Asset,
		Question:       def.Question,
		TargetPrice:    def.TargetPrice,
		SettlementTime: def.SettlementTime.UTC(),
		SeedYes:        def.SeedYes,
		SeedNo:         def.SeedNo,
		YesPool:        def.SeedYes,
		NoPool:         def.SeedNo,
		State:          MarketOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy safe to hand outside the ledger lock.
func (m *Market) Clone() *Market {
	c := *m
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// TotalPool returns the sum of both pools.
func (m *Market) TotalPool() decimal.Decimal {
	return m.YesPool.Add(m.NoPool)
}

// PoolFor returns the pool backing side.
func (m *Market) PoolFor(side Side) decimal.Decimal {
	if side == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// YesPercent returns the YES share of the total pool rounded to a whole
// percent. An empty market reads 50.
func (m *Market) YesPercent() int {
	total := m.TotalPool()
	if total.IsZero() {
		return 50
	}
	return int(m.YesPool.Div(total).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// NoPercent is 100 - YesPercent so the two always sum to 100.
func (m *Market) NoPercent() int {
	return 100 - m.YesPercent()
}

// IsOpen returns true while the market is accepting positions.
func (m *Market) IsOpen() bool {
	return m.State == MarketOpen
}

// IsResolved returns true after the market has been settled.
func (m *Market) IsResolved() bool {
	return m.State == MarketResolved
}

// IsSettleable reports whether settlement time has been reached at now.
func (m *Market) IsSettleable(now time.Time) bool {
	return !now.Before(m.SettlementTime)
}

// TimeLeft returns the duration remaining until settlement time.
// Returns 0 if it has already passed.
func (m *Market) TimeLeft(now time.Time) time.Duration {
	remaining := m.SettlementTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ──────────────────────────────────────────────────────────────────────────────
// MarketSummary is the lightweight read model for WS broadcasts and list endpoints
// ──────────────────────────────────────────────────────────────────────────────

// MarketSummary is a derived, read-only view of a Market.
type MarketSummary struct {
	ID             uuid.UUID       `json:"id"`
	Slug           string          `json:"slug"`
	Asset          AssetInfo       `json:"asset"`
	Question       string          `json:"question"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	State          MarketState     `json:"state"`
	Outcome        *Side           `json:"outcome,omitempty"`
	YesPool        decimal.Decimal `json:"yes_pool"`
	NoPool         decimal.Decimal `json:"no_pool"`
	TotalPool      decimal.Decimal `json:"total_pool"`
	YesPercent     int             `json:"yes_percent"`
	NoPercent      int             `json:"no_percent"`
	YesPerUnit     decimal.Decimal `json:"yes_payout_per_unit"` // net payout for a stake of 1
	NoPerUnit      decimal.Decimal `json:"no_payout_per_unit"`
	SettlementTime time.Time       `json:"settlement_time"`
	TimeLeftSec    int64           `json:"time_left_sec"`
}

// ToSummary builds a MarketSummary priced with fees at now.
func (m *Market) ToSummary(fees FeePolicy, now time.Time) MarketSummary {
	s := MarketSummary{
		ID:             m.ID,
		Slug:           m.Slug,
		Asset:          m.Asset.Info(),
		Question:       m.Question,
		TargetPrice:    m.TargetPrice,
		State:          m.State,
		Outcome:        m.Outcome,
		YesPool:        m.YesPool,
		NoPool:         m.NoPool,
		TotalPool:      m.TotalPool(),
		YesPercent:     m.YesPercent(),
		NoPercent:      m.NoPercent(),
		SettlementTime: m.SettlementTime,
		TimeLeftSec:    int64(m.TimeLeft(now).Seconds()),
	}
	unit := decimal.NewFromInt(1)
	if q, err := fees.Quote(SideYes, unit, m.YesPool, m.NoPool); err == nil {
		s.YesPerUnit = q.Net
	}
	if q, err := fees.Quote(SideNo, unit, m.YesPool, m.NoPool); err == nil {
		s.NoPerUnit = q.Net
	}
	return s
}
