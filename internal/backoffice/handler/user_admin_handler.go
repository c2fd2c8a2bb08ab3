package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ParticipantDirectory lists the identities that have connected.
type ParticipantDirectory interface {
	List(ctx context.Context, limit, offset int) ([]*domain.Participant, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error)
}

// BalanceGranter credits the external balance a wallet opens its account with.
type BalanceGranter interface {
	GrantBalance(ctx context.Context, address string, amount decimal.Decimal) error
}

// UserAdminHandler serves /admin/participants endpoints.
type UserAdminHandler struct {
	participants ParticipantDirectory // nil without persistence
	grants       BalanceGranter       // nil without persistence
	walletSvc    *service.WalletService
	positionSvc  *service.PositionService
}

// NewUserAdminHandler creates a UserAdminHandler.
func NewUserAdminHandler(
	participants ParticipantDirectory,
	grants BalanceGranter,
	walletSvc *service.WalletService,
	positionSvc *service.PositionService,
) *UserAdminHandler {
	return &UserAdminHandler{participants: participants, grants: grants, walletSvc: walletSvc, positionSvc: positionSvc}
}

// List godoc
// GET /admin/participants?page=1&limit=50
func (h *UserAdminHandler) List(c *gin.Context) {
	if h.participants == nil {
		respondNoStore(c)
		return
	}
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	participants, total, err := h.participants.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, participants, total, page, limit)
}

// Detail godoc
// GET /admin/participants/:id
// Served from the ledger; the identity record is added when persistence is on.
func (h *UserAdminHandler) Detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid participant id")
		return
	}

	ctx := c.Request.Context()
	acct, err := h.walletSvc.Account(id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	entries, _, err := h.walletSvc.Entries(ctx, id, 50, 0)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	positions, _ := h.positionSvc.ListMine(id, "", 0, 0)

	var participant *domain.Participant
	if h.participants != nil {
		participant, err = h.participants.GetByID(ctx, id)
		if err != nil && !domain.IsNotFound(err) {
			respondDomainError(c, err)
			return
		}
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"participant": participant,
		"account":     acct,
		"entries":     entries,
		"positions":   positions,
	})
}

// Grant godoc
// POST /admin/wallets/grant
// Body: {"address": "...", "amount": "25"}
// Sets the balance a wallet will open with. Connected accounts are untouched.
func (h *UserAdminHandler) Grant(c *gin.Context) {
	if h.grants == nil {
		respondNoStore(c)
		return
	}
	var body struct {
		Address string `json:"address" binding:"required"`
		Amount  string `json:"amount"  binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	if err := domain.ValidateAddress(body.Address); err != nil {
		respondDomainError(c, err)
		return
	}
	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	if err := h.grants.GrantBalance(c.Request.Context(), body.Address, amount); err != nil {
		respondDomainError(c, err)
		return
	}

	participantID := domain.ParticipantIDFor(body.Address)
	_, err = h.walletSvc.Account(participantID)
	respondSuccess(c, http.StatusOK, gin.H{
		"address":        body.Address,
		"participant_id": participantID,
		"granted":        amount,
		"connected":      !errors.Is(err, domain.ErrAccountNotFound),
	})
}
