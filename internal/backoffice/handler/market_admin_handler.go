package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// DefinitionDisabler withdraws a catalog definition.
type DefinitionDisabler interface {
	Disable(ctx context.Context, slug string) error
}

// MarketAdminHandler serves /admin/markets endpoints.
type MarketAdminHandler struct {
	marketSvc     *service.MarketService
	settlementSvc *service.SettlementService
	definitions   DefinitionDisabler // nil without persistence
}

// NewMarketAdminHandler creates a MarketAdminHandler.
func NewMarketAdminHandler(
	marketSvc *service.MarketService,
	settlementSvc *service.SettlementService,
	definitions DefinitionDisabler,
) *MarketAdminHandler {
	return &MarketAdminHandler{marketSvc: marketSvc, settlementSvc: settlementSvc, definitions: definitions}
}

// List godoc
// GET /admin/markets?state=open&asset=BTC&page=1&limit=50
func (h *MarketAdminHandler) List(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit

	markets, total, err := h.marketSvc.ListMarkets(c.Query("state"), c.Query("asset"), limit, offset)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, markets, total, page, limit)
}

// Detail godoc
// GET /admin/markets/:ref
func (h *MarketAdminHandler) Detail(c *gin.Context) {
	detail, err := h.marketSvc.Detail(c.Param("ref"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, detail)
}

// Create godoc
// POST /admin/markets
func (h *MarketAdminHandler) Create(c *gin.Context) {
	var body struct {
		Slug           string          `json:"slug"            binding:"required"`
		Asset          string          `json:"asset"           binding:"required"`
		Question       string          `json:"question"        binding:"required"`
		TargetPrice    decimal.Decimal `json:"target_price"`
		SettlementTime time.Time       `json:"settlement_time" binding:"required"`
		SeedYes        decimal.Decimal `json:"seed_yes"`
		SeedNo         decimal.Decimal `json:"seed_no"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	asset, err := domain.ParseAsset(body.Asset)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if !body.TargetPrice.IsPositive() {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_PRICE", "target_price must be a positive decimal")
		return
	}

	market, err := h.marketSvc.CreateMarket(c.Request.Context(), domain.MarketDefinition{
		Slug:           body.Slug,
		Asset:          asset,
		Question:       body.Question,
		TargetPrice:    body.TargetPrice,
		SettlementTime: body.SettlementTime.UTC(),
		SeedYes:        body.SeedYes,
		SeedNo:         body.SeedNo,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, market)
}

// Resolve godoc
// POST /admin/markets/:ref/resolve
// Body: {"outcome": "YES", "override": false}
func (h *MarketAdminHandler) Resolve(c *gin.Context) {
	var body struct {
		Outcome  string `json:"outcome" binding:"required"`
		Override bool   `json:"override"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	market, err := h.marketSvc.GetMarket(c.Param("ref"))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	resolved, err := h.settlementSvc.Resolve(c.Request.Context(), market.ID, body.Outcome, middleware.GetSubject(c), body.Override)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, resolved)
}

// Disable godoc
// POST /admin/catalog/:slug/disable
// The definition is no longer synced; an already opened market is untouched.
func (h *MarketAdminHandler) Disable(c *gin.Context) {
	if h.definitions == nil {
		respondNoStore(c)
		return
	}
	slug := c.Param("slug")
	if err := h.definitions.Disable(c.Request.Context(), slug); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"slug": slug, "enabled": false})
}
