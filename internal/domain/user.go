package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Role
// ──────────────────────────────────────────────────────────────────────────────

// Role controls access to the back-office.
type Role string

const (
	RoleParticipant Role = "participant" // wallet-connected staker
	RoleAdmin       Role = "admin"       // may resolve markets
)

// IsAdmin returns true only for the admin role.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// participantNamespace seeds the stable uuid derived from a wallet address.
var participantNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("yesno:participant"))

// ParticipantIDFor maps a wallet address to its participant id.
func ParticipantIDFor(address string) uuid.UUID {
	return uuid.NewSHA1(participantNamespace, []byte(address))
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateAddress accepts a base58 wallet address of 32 to 44 characters.
func ValidateAddress(address string) error {
	if n := len(address); n < 32 || n > 44 {
		return fmt.Errorf("%w: length %d", ErrInvalidAddress, n)
	}
	for _, r := range address {
		if !strings.ContainsRune(base58Alphabet, r) {
			return fmt.Errorf("%w: character %q", ErrInvalidAddress, r)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Participant
// ──────────────────────────────────────────────────────────────────────────────

// Participant is an identity known to the ledger.
type Participant struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	Address   string    `json:"address"    db:"address"`
	Role      Role      `json:"role"       db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────────────────────────────────

// Account is a snapshot of a participant's spendable balance.
type Account struct {
	ParticipantID uuid.UUID       `json:"participant_id" db:"participant_id"`
	Balance       decimal.Decimal `json:"balance"        db:"balance"`
	Seq           uint64          `json:"seq"            db:"seq"`
	UpdatedAt     time.Time       `json:"updated_at"     db:"updated_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// BalanceEntry
// ──────────────────────────────────────────────────────────────────────────────

// EntryType enumerates balance changes for auditing.
type EntryType string

const (
	EntryDeposit EntryType = "deposit" // opening balance from the identity provider
	EntryStake   EntryType = "stake"   // debit on takeSide
	EntryRefund  EntryType = "refund"  // credit on early close
	EntryPayout  EntryType = "payout"  // credit on a won position
)

// BalanceEntry is an immutable audit record for every balance change.
type BalanceEntry struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	ParticipantID uuid.UUID       `json:"participant_id" db:"participant_id"`
	Type          EntryType       `json:"type"           db:"type"`
	Amount        decimal.Decimal `json:"amount"         db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"  db:"balance_after"`
	RefID         *uuid.UUID      `json:"ref_id"         db:"ref_id"` // position ID
	Description   string          `json:"description"    db:"description"`
	Seq           uint64          `json:"seq"            db:"seq"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
}
