package domain

import (
	"errors"
	"fmt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors, compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Amount errors
var (
	// ErrInvalidAmount is returned for a non-positive amount, or an amount
	// above the participant's balance.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is the ErrInvalidAmount case where the amount
	// exceeds the participant's balance.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrInvalidAmount)
)

// Market errors
var (
	// ErrMarketNotFound is returned when no market matches the given id.
	ErrMarketNotFound = errors.New("market not found")

	// ErrMarketNotOpen is returned when takeSide, close or resolve targets a
	// market that has already been resolved.
	ErrMarketNotOpen = errors.New("market is not open")

	// ErrMarketNotSettleable is returned when resolution is attempted before
	// the market's settlement time without an override.
	ErrMarketNotSettleable = errors.New("market is not settleable yet")

	// ErrDuplicateMarket is returned when a market id is registered twice.
	ErrDuplicateMarket = errors.New("market already exists")

	// ErrUnknownAsset is returned for an asset outside the supported set.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInvalidSide is returned when the side is not YES or NO.
	ErrInvalidSide = errors.New("invalid side: must be YES or NO")

	// ErrOverrideDisabled is returned when an early resolution override is
	// requested while strict settlement is enforced.
	ErrOverrideDisabled = errors.New("early resolution override is disabled")
)

// Position errors
var (
	// ErrPositionNotFound is returned when no position matches the given id.
	ErrPositionNotFound = errors.New("position not found")

	// ErrInvalidTransition is returned for an illegal position status edge.
	ErrInvalidTransition = errors.New("invalid position transition")

	// ErrPositionNotActive is the ErrInvalidTransition case where the
	// position is already terminal.
	ErrPositionNotActive = fmt.Errorf("%w: position is not active", ErrInvalidTransition)

	// ErrQuoteMoved is returned when the quote at commit time is below the
	// caller's minimum payout.
	ErrQuoteMoved = errors.New("quote moved below minimum payout")

	// ErrSolvencyLimit is returned when accepting the operation would leave
	// the quoted payouts of one side uncovered by the market's pools.
	ErrSolvencyLimit = errors.New("market cannot cover quoted payouts")
)

// Account errors
var (
	// ErrAccountNotFound is returned when the participant has no balance
	// account in the ledger.
	ErrAccountNotFound = errors.New("account not found")

	// ErrSinkCommit is returned in two-phase commit mode when the sink
	// rejects a delta; nothing is applied.
	ErrSinkCommit = errors.New("ledger sink commit failed")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the authenticated caller lacks the required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrTokenExpired is returned when a JWT has passed its TTL.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its signature
	// does not match.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrInvalidCredentials is returned when admin credentials are wrong.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidAddress is returned when a wallet address is malformed.
	ErrInvalidAddress = errors.New("invalid wallet address")
)

// ──────────────────────────────────────────────────────────────────────────────
// InvariantError
// ──────────────────────────────────────────────────────────────────────────────

// InvariantError signals an internal defect: ledger state that should be
// impossible. It is raised with panic, never returned.
type InvariantError struct {
	Op     string
	Detail string
}

// NewInvariantError formats an InvariantError for op.
func NewInvariantError(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (e *InvariantError) Error() string {
	return "invariant violated in " + e.Op + ": " + e.Detail
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. Use this to translate to HTTP 404.
func IsNotFound(err error) bool {
	return isAny(err, ErrMarketNotFound, ErrPositionNotFound, ErrAccountNotFound)
}

// IsConflict returns true for errors that represent a state conflict
// (resolved market, terminal position, solvency or quote guard).
func IsConflict(err error) bool {
	return isAny(err,
		ErrMarketNotOpen,
		ErrMarketNotSettleable,
		ErrInvalidTransition,
		ErrDuplicateMarket,
		ErrQuoteMoved,
		ErrSolvencyLimit,
	)
}

// IsValidation returns true for malformed input.
func IsValidation(err error) bool {
	return isAny(err, ErrInvalidAmount, ErrInvalidSide, ErrUnknownAsset, ErrInvalidAddress)
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	return isAny(err,
		ErrUnauthorized,
		ErrForbidden,
		ErrTokenExpired,
		ErrTokenInvalid,
		ErrInvalidCredentials,
	)
}
