package handler

import (
	"net/http"

	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
)

// UserHandler handles wallet connection, token refresh and profile endpoints.
type UserHandler struct {
	authSvc     *service.AuthService
	walletSvc   *service.WalletService
	positionSvc *service.PositionService
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(authSvc *service.AuthService, walletSvc *service.WalletService, positionSvc *service.PositionService) *UserHandler {
	return &UserHandler{authSvc: authSvc, walletSvc: walletSvc, positionSvc: positionSvc}
}

// Connect godoc
// POST /api/auth/connect
func (h *UserHandler) Connect(c *gin.Context) {
	var req service.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	resp, err := h.authSvc.Connect(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, err, "connect failed")
		return
	}
	respondSuccess(c, http.StatusOK, resp)
}

// Refresh godoc
// POST /api/auth/refresh
func (h *UserHandler) Refresh(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	access, refresh, err := h.authSvc.RefreshToken(c.Request.Context(), body.RefreshToken)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "ERR_INVALID_TOKEN", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// Me godoc
// GET /api/me [JWT required]
func (h *UserHandler) Me(c *gin.Context) {
	participantID := middleware.GetParticipantID(c)
	acct, err := h.walletSvc.Account(participantID)
	if err != nil {
		respondDomainError(c, err, "could not fetch account")
		return
	}
	_, active := h.positionSvc.ListMine(participantID, "active", 0, 0)
	respondSuccess(c, http.StatusOK, gin.H{
		"participant_id":   participantID,
		"account":          acct,
		"active_positions": active,
	})
}
