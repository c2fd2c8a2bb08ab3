// Package backoffice is the admin HTTP surface: market creation and
// resolution, ledger audit and participant lookups. It listens on its own
// port behind an IP allow-list.
package backoffice

import (
	"net/http"
	"slices"

	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/backoffice/handler"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
)

// BackofficeDeps bundles every dependency needed for the admin router.
// Interface-typed fields are nil when their backing store is disabled.
type BackofficeDeps struct {
	AuthSvc       *service.AuthService
	MarketSvc     *service.MarketService
	SettlementSvc *service.SettlementService
	PositionSvc   *service.PositionService
	WalletSvc     *service.WalletService
	Ledger        *ledger.Ledger

	Participants handler.ParticipantDirectory
	Grants       handler.BalanceGranter
	Definitions  handler.DefinitionDisabler
	Prices       handler.ExchangeStatus
	Hub          handler.ConnectionCounter
	SinkQueue    func() map[string]int
	Metrics      *metrics.Metrics

	Cfg *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Gin("backoffice"))
	}
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.AllowedIPs()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	dashH := handler.NewDashboardHandler(deps.MarketSvc, deps.Prices, deps.Hub, deps.SinkQueue)
	marketH := handler.NewMarketAdminHandler(deps.MarketSvc, deps.SettlementSvc, deps.Definitions)
	userH := handler.NewUserAdminHandler(deps.Participants, deps.Grants, deps.WalletSvc, deps.PositionSvc)
	ledgerH := handler.NewLedgerHandler(deps.AuthSvc, deps.MarketSvc, deps.Ledger)

	r.POST("/admin/login", middleware.RateLimitMiddleware(5), ledgerH.Login)

	admin := r.Group("/admin")
	admin.Use(middleware.JWTMiddleware(deps.AuthSvc), middleware.AdminMiddleware())
	{
		admin.GET("/dashboard", dashH.Dashboard)

		// Markets
		m := admin.Group("/markets")
		{
			m.GET("", marketH.List)
			m.POST("", marketH.Create)
			m.GET("/:ref", marketH.Detail)
			m.POST("/:ref/resolve", marketH.Resolve)
		}
		admin.POST("/catalog/:slug/disable", marketH.Disable)

		// Participants
		u := admin.Group("/participants")
		{
			u.GET("", userH.List)
			u.GET("/:id", userH.Detail)
		}
		admin.POST("/wallets/grant", userH.Grant)

		// Ledger
		l := admin.Group("/ledger")
		{
			l.GET("/audit", ledgerH.Audit)
			l.GET("/snapshot", ledgerH.Snapshot)
			l.GET("/exposure", ledgerH.Exposure)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// An empty allowlist means allow all.
func ipWhitelistMiddleware(allowedIPs []string) gin.HandlerFunc {
	if len(allowedIPs) == 0 {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	return func(c *gin.Context) {
		if !slices.Contains(allowedIPs, c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: your IP is not whitelisted",
			})
			return
		}
		c.Next()
	}
}
