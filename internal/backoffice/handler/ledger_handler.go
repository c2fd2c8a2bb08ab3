package handler

import (
	"net/http"

	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
)

// LedgerHandler serves admin login and the /admin/ledger endpoints.
type LedgerHandler struct {
	authSvc   *service.AuthService
	marketSvc *service.MarketService
	ledger    *ledger.Ledger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(authSvc *service.AuthService, marketSvc *service.MarketService, l *ledger.Ledger) *LedgerHandler {
	return &LedgerHandler{authSvc: authSvc, marketSvc: marketSvc, ledger: l}
}

// Login godoc
// POST /admin/login
func (h *LedgerHandler) Login(c *gin.Context) {
	var req service.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	token, err := h.authSvc.AdminLogin(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"access_token": token})
}

// Audit godoc
// GET /admin/ledger/audit
// Responds 500 with the report when an invariant does not hold.
func (h *LedgerHandler) Audit(c *gin.Context) {
	report := h.marketSvc.Audit()
	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusInternalServerError
	}
	respondSuccess(c, status, report)
}

// Snapshot godoc
// GET /admin/ledger/snapshot
func (h *LedgerHandler) Snapshot(c *gin.Context) {
	respondSuccess(c, http.StatusOK, h.ledger.Snapshot())
}

// Exposure godoc
// GET /admin/ledger/exposure
func (h *LedgerHandler) Exposure(c *gin.Context) {
	markets := h.ledger.Markets()
	out := make([]ledger.Exposure, 0, len(markets))
	for _, m := range markets {
		if !m.IsOpen() {
			continue
		}
		if e, err := h.ledger.Exposure(m.ID); err == nil {
			out = append(out, e)
		}
	}
	respondSuccess(c, http.StatusOK, out)
}
