package handler

import (
	"net/http"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ExchangeStatus reports which price feeds answered their last fetch.
type ExchangeStatus interface {
	ExchangeStatus() map[string]bool
}

// ConnectionCounter reports live WebSocket connections.
type ConnectionCounter interface {
	ConnectedCount() int
}

// DashboardHandler serves the /admin/dashboard endpoint.
type DashboardHandler struct {
	marketSvc *service.MarketService
	prices    ExchangeStatus        // optional
	hub       ConnectionCounter     // optional
	sinkQueue func() map[string]int // optional; pending deltas per sink
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(
	marketSvc *service.MarketService,
	prices ExchangeStatus,
	hub ConnectionCounter,
	sinkQueue func() map[string]int,
) *DashboardHandler {
	return &DashboardHandler{
		marketSvc: marketSvc,
		prices:    prices,
		hub:       hub,
		sinkQueue: sinkQueue,
	}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	// ── Markets ──────────────────────────────────────────────────────────────
	summaries := h.marketSvc.Summaries()
	var open, resolved int
	var openPools decimal.Decimal
	live := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		if s.State != domain.MarketOpen {
			resolved++
			continue
		}
		open++
		openPools = openPools.Add(s.TotalPool)
		live = append(live, gin.H{
			"id":             s.ID,
			"slug":           s.Slug,
			"asset":          s.Asset.Symbol,
			"total_pool":     s.TotalPool,
			"yes_percent":    s.YesPercent,
			"no_percent":     s.NoPercent,
			"time_left_sec":  s.TimeLeftSec,
			"risk_indicator": riskIndicator(s.YesPercent, s.NoPercent),
		})
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	audit := h.marketSvc.Audit()

	// ── Feeds, WS connections, sinks ──────────────────────────────────────────
	var exchanges map[string]bool
	if h.prices != nil {
		exchanges = h.prices.ExchangeStatus()
	}
	var wsConnections int
	if h.hub != nil {
		wsConnections = h.hub.ConnectedCount()
	}
	var sinks map[string]int
	if h.sinkQueue != nil {
		sinks = h.sinkQueue()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"timestamp": time.Now().UTC(),
		"markets": gin.H{
			"open":       open,
			"resolved":   resolved,
			"open_pools": openPools,
			"live":       live,
		},
		"ledger": gin.H{
			"seq":            audit.Seq,
			"accounts":       audit.Accounts,
			"total_balances": audit.TotalHeld,
			"consistent":     audit.Consistent,
		},
		"exchanges":      exchanges,
		"ws_connections": wsConnections,
		"sink_pending":   sinks,
	})
}

// riskIndicator returns GREEN/YELLOW/RED based on pool imbalance.
func riskIndicator(yesPct, noPct int) string {
	switch dominant := max(yesPct, noPct); {
	case dominant > 85:
		return "RED"
	case dominant > 70:
		return "YELLOW"
	default:
		return "GREEN"
	}
}
