package api

import (
	"net/http"
	"slices"

	"github.com/evetabi/yesno/internal/api/handler"
	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/evetabi/yesno/internal/service"
	"github.com/evetabi/yesno/internal/ws"
	"github.com/gin-gonic/gin"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc     *service.AuthService
	MarketSvc   *service.MarketService
	PositionSvc *service.PositionService
	WalletSvc   *service.WalletService
	Hub         *ws.Hub          // optional
	Metrics     *metrics.Metrics // optional
	Limiter     middleware.Limiter
	Cfg         *config.Config
}

// SetupRouter creates and configures the participant-facing Gin engine with
// all routes, middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Gin("api"))
	}

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// ── Handlers ─────────────────────────────────────────────────────────────
	userH := handler.NewUserHandler(deps.AuthSvc, deps.WalletSvc, deps.PositionSvc)
	marketH := handler.NewMarketHandler(deps.MarketSvc)
	positionH := handler.NewPositionHandler(deps.PositionSvc)
	walletH := handler.NewWalletHandler(deps.WalletSvc)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	var authRL, stakeRL gin.HandlerFunc
	if deps.Limiter != nil {
		authRL = middleware.RateLimitWith(deps.Limiter, "auth:")
		stakeRL = middleware.RateLimitWith(deps.Limiter, "stake:")
	} else {
		authRL = middleware.RateLimitMiddleware(10)  // 10 req/s per IP for auth endpoints
		stakeRL = middleware.RateLimitMiddleware(30) // 30 req/s per IP for stake endpoints
	}

	api := r.Group("/api")
	{
		// ── Auth (public, strict rate limit) ─────────────────────────────────
		auth := api.Group("/auth")
		auth.Use(authRL)
		{
			auth.POST("/connect", userH.Connect)
			auth.POST("/refresh", userH.Refresh)
		}

		// ── Markets (public) ─────────────────────────────────────────────────
		api.GET("/assets", marketH.Assets)
		markets := api.Group("/markets")
		{
			markets.GET("", marketH.ListMarkets)
			markets.GET("/:ref", marketH.GetByRef)
			markets.GET("/:ref/quote", marketH.Quote)
		}

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW, middleware.ParticipantMiddleware())
		{
			// Profile
			authed.GET("/me", userH.Me)

			// Positions
			positions := authed.Group("/positions")
			positions.Use(stakeRL)
			{
				positions.POST("", positionH.TakeSide)
				positions.GET("/my", positionH.ListMine)
				positions.GET("/:id", positionH.Get)
				positions.POST("/:id/close", positionH.Close)
			}

			// Wallet
			wallet := authed.Group("/wallet")
			{
				wallet.GET("/balance", walletH.GetBalance)
				wallet.GET("/entries", walletH.GetEntries)
			}
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// Outside production all origins are allowed; in production only the
// configured origins, or any when the list is empty or contains "*".
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	origins := cfg.Server.Origins()
	anyOrigin := !cfg.IsProd() || len(origins) == 0 || slices.Contains(origins, "*")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if anyOrigin {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && slices.Contains(origins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
