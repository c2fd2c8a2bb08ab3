package handler

import (
	"net/http"

	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
)

// MarketHandler serves market query endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

// Assets godoc
// GET /api/assets
func (h *MarketHandler) Assets(c *gin.Context) {
	respondSuccess(c, http.StatusOK, h.marketSvc.Assets())
}

// ListMarkets godoc
// GET /api/markets?state=open&asset=BTC&page=1&limit=20
func (h *MarketHandler) ListMarkets(c *gin.Context) {
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	markets, total, err := h.marketSvc.ListMarkets(c.Query("state"), c.Query("asset"), limit, offset)
	if err != nil {
		respondDomainError(c, err, "could not list markets")
		return
	}
	respondList(c, markets, total, page, limit)
}

// GetByRef godoc
// GET /api/markets/:ref   (ref = market uuid or slug)
func (h *MarketHandler) GetByRef(c *gin.Context) {
	summary, err := h.marketSvc.GetSummary(c.Param("ref"))
	if err != nil {
		respondDomainError(c, err, "could not fetch market")
		return
	}
	respondSuccess(c, http.StatusOK, summary)
}

// Quote godoc
// GET /api/markets/:ref/quote?side=YES&amount=10
func (h *MarketHandler) Quote(c *gin.Context) {
	side, amount := c.Query("side"), c.Query("amount")
	if side == "" || amount == "" {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "side and amount are required")
		return
	}
	q, err := h.marketSvc.Quote(c.Param("ref"), side, amount)
	if err != nil {
		respondDomainError(c, err, "could not quote")
		return
	}
	respondSuccess(c, http.StatusOK, q)
}
