package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fixed-point money
// ──────────────────────────────────────────────────────────────────────────────

// Scale is the number of fractional digits every amount is quantized to.
// 9 digits is one lamport, the smallest SOL unit.
const Scale int32 = 9

// Quantize rounds d to Scale digits using round-half-to-even.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// MaxAmount is the smallest value that no longer fits the NUMERIC(38,9)
// columns amounts are stored in.
var MaxAmount = decimal.New(1, 38-Scale)

const (
	maxAmountLen      = 40
	maxAmountExponent = 38
)

// CheckRange rejects values that cannot be stored or whose exponent is so
// large that rounding them would be expensive. It never rounds d.
func CheckRange(d decimal.Decimal) error {
	if e := d.Exponent(); e > maxAmountExponent || e < -maxAmountExponent {
		return fmt.Errorf("%w: exponent %d out of range", ErrInvalidAmount, e)
	}
	if d.Abs().GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: must be below %s", ErrInvalidAmount, MaxAmount)
	}
	return nil
}

// ParseAmount parses a decimal string and rejects values with more precision
// than Scale, values outside CheckRange and values that are not strictly
// positive.
func ParseAmount(s string) (decimal.Decimal, error) {
	if len(s) > maxAmountLen {
		return decimal.Zero, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxAmountLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := CheckRange(d); err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !Quantize(d).Equal(d) {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Scale)
	}
	return d, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// FeePolicy
// ──────────────────────────────────────────────────────────────────────────────

var (
	// DefaultSettlementFeeRate is taken from gross winnings (1 %).
	DefaultSettlementFeeRate = decimal.RequireFromString("0.01")
	// DefaultEarlyExitFeeRate is taken from principal on early close (5 %).
	DefaultEarlyExitFeeRate = decimal.RequireFromString("0.05")
)

// FeePolicy holds the two fee rates applied by the ledger.
type FeePolicy struct {
	SettlementRate decimal.Decimal `json:"settlement_rate"`
	EarlyExitRate  decimal.Decimal `json:"early_exit_rate"`
}

// DefaultFeePolicy returns the 1 % / 5 % policy.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		SettlementRate: DefaultSettlementFeeRate,
		EarlyExitRate:  DefaultEarlyExitFeeRate,
	}
}

// NewFeePolicy builds and validates a policy from float rates (config input).
func NewFeePolicy(settlementRate, earlyExitRate float64) (FeePolicy, error) {
	p := FeePolicy{
		SettlementRate: decimal.NewFromFloat(settlementRate),
		EarlyExitRate:  decimal.NewFromFloat(earlyExitRate),
	}
	if err := p.Validate(); err != nil {
		return FeePolicy{}, err
	}
	return p, nil
}

// Validate requires both rates in [0, 1).
func (p FeePolicy) Validate() error {
	one := decimal.NewFromInt(1)
	if p.SettlementRate.IsNegative() || p.SettlementRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("settlement fee rate must be in [0, 1), got %s", p.SettlementRate)
	}
	if p.EarlyExitRate.IsNegative() || p.EarlyExitRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("early exit fee rate must be in [0, 1), got %s", p.EarlyExitRate)
	}
	return nil
}

// SettlementFee is the fee on gross winnings.
func (p FeePolicy) SettlementFee(amount decimal.Decimal) decimal.Decimal {
	return p.fee("SettlementFee", amount, p.SettlementRate)
}

// EarlyExitFee is the fee on principal when a position is closed early.
func (p FeePolicy) EarlyExitFee(amount decimal.Decimal) decimal.Decimal {
	return p.fee("EarlyExitFee", amount, p.EarlyExitRate)
}

func (p FeePolicy) fee(op string, amount, rate decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		panic(NewInvariantError("FeePolicy."+op, "negative amount %s", amount))
	}
	return Quantize(amount.Mul(rate))
}
