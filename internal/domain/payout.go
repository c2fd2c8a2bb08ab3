package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote is the result of pricing a stake against the current pools.
type Quote struct {
	Side       Side            `json:"side"`
	Stake      decimal.Decimal `json:"stake"`
	Share      decimal.Decimal `json:"share"`      // stake / (pool + stake)
	Gross      decimal.Decimal `json:"gross"`      // share × (opposite + stake)
	Fee        decimal.Decimal `json:"fee"`        // settlement fee on Gross
	Net        decimal.Decimal `json:"net"`        // Gross - Fee, credited on a win
	Multiplier decimal.Decimal `json:"multiplier"` // Net / Stake, display only
}

// Quote prices a stake on side against the given pools.
//
//	pool     = pool backing side
//	opposite = yesPool + noPool - pool
//	share    = stake / (pool + stake)            (1 when pool == 0)
//	gross    = share × (opposite + stake)
//	net      = gross - SettlementFee(gross)
//
// gross is evaluated as stake × (opposite + stake) / (pool + stake) so the
// only rounding step is the final quantization. Pure: no state is read or
// written.
func (p FeePolicy) Quote(side Side, stake, yesPool, noPool decimal.Decimal) (Quote, error) {
	if !side.IsValid() {
		return Quote{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if !stake.IsPositive() {
		return Quote{}, fmt.Errorf("%w: stake must be positive", ErrInvalidAmount)
	}
	if yesPool.IsNegative() || noPool.IsNegative() {
		panic(NewInvariantError("FeePolicy.Quote", "negative pool yes=%s no=%s", yesPool, noPool))
	}

	pool, opposite := yesPool, noPool
	if side == SideNo {
		pool, opposite = noPool, yesPool
	}

	denom := pool.Add(stake)
	share := decimal.NewFromInt(1)
	if !pool.IsZero() {
		share = stake.Div(denom)
	}

	gross := Quantize(stake.Mul(opposite.Add(stake)).Div(denom))
	fee := p.SettlementFee(gross)
	net := gross.Sub(fee)

	return Quote{
		Side:       side,
		Stake:      stake,
		Share:      share.Round(Scale),
		Gross:      gross,
		Fee:        fee,
		Net:        net,
		Multiplier: net.Div(stake).Round(4),
	}, nil
}
