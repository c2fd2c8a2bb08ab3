package handler

import (
	"encoding/json"
	"net/http"

	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PositionHandler serves taking a side, early exit, and position history.
type PositionHandler struct {
	positionSvc *service.PositionService
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positionSvc *service.PositionService) *PositionHandler {
	return &PositionHandler{positionSvc: positionSvc}
}

// takeSideBody accepts amounts as JSON numbers or numeric strings.
type takeSideBody struct {
	MarketID  string      `json:"market_id"  binding:"required,uuid"`
	Side      string      `json:"side"       binding:"required"`
	Amount    json.Number `json:"amount"     binding:"required"`
	MinPayout json.Number `json:"min_payout"`
}

// TakeSide godoc
// POST /api/positions [JWT]
func (h *PositionHandler) TakeSide(c *gin.Context) {
	var body takeSideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	marketID, err := uuid.Parse(body.MarketID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid market id")
		return
	}

	position, err := h.positionSvc.TakeSide(c.Request.Context(), middleware.GetParticipantID(c), service.TakeSideInput{
		MarketID:  marketID,
		Side:      body.Side,
		Amount:    body.Amount.String(),
		MinPayout: body.MinPayout.String(),
	})
	if err != nil {
		respondDomainError(c, err, "could not take side")
		return
	}
	respondSuccess(c, http.StatusCreated, position)
}

// Close godoc
// POST /api/positions/:id/close [JWT]
func (h *PositionHandler) Close(c *gin.Context) {
	positionID, ok := positionIDParam(c)
	if !ok {
		return
	}
	position, err := h.positionSvc.Close(c.Request.Context(), middleware.GetParticipantID(c), positionID)
	if err != nil {
		respondDomainError(c, err, "could not close position")
		return
	}
	respondSuccess(c, http.StatusOK, position)
}

// Get godoc
// GET /api/positions/:id [JWT]
func (h *PositionHandler) Get(c *gin.Context) {
	positionID, ok := positionIDParam(c)
	if !ok {
		return
	}
	position, err := h.positionSvc.Get(middleware.GetParticipantID(c), positionID)
	if err != nil {
		respondDomainError(c, err, "could not fetch position")
		return
	}
	respondSuccess(c, http.StatusOK, position)
}

// ListMine godoc
// GET /api/positions/my?status=active&page=1&limit=20 [JWT]
func (h *PositionHandler) ListMine(c *gin.Context) {
	page, limit := parsePagination(c)
	positions, total := h.positionSvc.ListMine(middleware.GetParticipantID(c), c.Query("status"), limit, (page-1)*limit)
	respondList(c, positions, total, page, limit)
}

func positionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid position id")
		return uuid.Nil, false
	}
	return id, true
}
