package handler

import (
	"net/http"

	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
)

// WalletHandler serves the participant's balance and its entry history.
type WalletHandler struct {
	walletSvc *service.WalletService
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(walletSvc *service.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

// GetBalance godoc
// GET /api/wallet/balance [JWT]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	acct, err := h.walletSvc.Account(middleware.GetParticipantID(c))
	if err != nil {
		respondDomainError(c, err, "could not fetch balance")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// GetEntries godoc
// GET /api/wallet/entries?page=1&limit=20 [JWT]
func (h *WalletHandler) GetEntries(c *gin.Context) {
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	entries, total, err := h.walletSvc.Entries(c.Request.Context(), middleware.GetParticipantID(c), limit, offset)
	if err != nil {
		respondDomainError(c, err, "could not fetch entries")
		return
	}
	respondList(c, entries, total, page, limit)
}
