package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionActive PositionStatus = "active" // in play
	PositionWon    PositionStatus = "won"    // market resolved on this side
	PositionLost   PositionStatus = "lost"   // market resolved on the other side
	PositionClosed PositionStatus = "closed" // exited before resolution
)

// IsTerminal returns true for won, lost and closed.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionWon || s == PositionLost || s == PositionClosed
}

// CanTransition reports whether from → to is a legal edge:
// active → won | lost | closed. Terminal states have no outgoing edges.
func CanTransition(from, to PositionStatus) bool {
	if from != PositionActive {
		return false
	}
	return to == PositionWon || to == PositionLost || to == PositionClosed
}

// ──────────────────────────────────────────────────────────────────────────────
// Position
// ──────────────────────────────────────────────────────────────────────────────

// Position is a participant's stake on one side of one market.
// Amount and QuotedPayout are frozen at creation.
type Position struct {
	ID            uuid.UUID        `json:"id"             db:"id"`
	MarketID      uuid.UUID        `json:"market_id"      db:"market_id"`
	ParticipantID uuid.UUID        `json:"participant_id" db:"participant_id"`
	Side          Side             `json:"side"           db:"side"`
	Amount        decimal.Decimal  `json:"amount"         db:"amount"`
	QuotedPayout  decimal.Decimal  `json:"quoted_payout"  db:"quoted_payout"`
	Status        PositionStatus   `json:"status"         db:"status"`
	Refund        *decimal.Decimal `json:"refund"         db:"refund"`
	ExitFee       *decimal.Decimal `json:"exit_fee"       db:"exit_fee"`
	Seq           uint64           `json:"seq"            db:"seq"`
	CreatedAt     time.Time        `json:"created_at"     db:"created_at"`
	SettledAt     *time.Time       `json:"settled_at"     db:"settled_at"`
}

// IsActive returns true while the position can still be closed or resolved.
func (p *Position) IsActive() bool {
	return p.Status == PositionActive
}

// Transition moves p to status to at time at. A position that is already
// terminal yields ErrPositionNotActive; any other illegal edge yields
// ErrInvalidTransition. p is unchanged on error.
func (p *Position) Transition(to PositionStatus, at time.Time) error {
	if p.Status.IsTerminal() {
		return fmt.Errorf("position %s is %s: %w", p.ID, p.Status, ErrPositionNotActive)
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("position %s: %s → %s: %w", p.ID, p.Status, to, ErrInvalidTransition)
	}
	p.Status = to
	t := at
	p.SettledAt = &t
	return nil
}

// Clone returns a deep copy safe to hand outside the ledger lock.
func (p *Position) Clone() *Position {
	c := *p
	if p.Refund != nil {
		r := *p.Refund
		c.Refund = &r
	}
	if p.ExitFee != nil {
		f := *p.ExitFee
		c.ExitFee = &f
	}
	if p.SettledAt != nil {
		t := *p.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// ──────────────────────────────────────────────────────────────────────────────
// Requests: value objects passed from services to the ledger
// ──────────────────────────────────────────────────────────────────────────────

// TakeSideRequest carries the validated inputs for opening a position.
type TakeSideRequest struct {
	ParticipantID uuid.UUID
	MarketID      uuid.UUID
	Side          Side
	Amount        decimal.Decimal
	// MinPayout, when positive, rejects the stake with ErrQuoteMoved if the
	// quote at commit time is below it.
	MinPayout decimal.Decimal
}

// ResolveRequest carries the inputs for resolving a market.
type ResolveRequest struct {
	MarketID uuid.UUID
	Outcome  Side
	// ResolvedBy identifies the caller for the audit trail.
	ResolvedBy string
	// Override allows resolution before settlement time. Privileged.
	Override bool
}
