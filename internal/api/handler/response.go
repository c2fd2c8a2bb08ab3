package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard response helpers
// ──────────────────────────────────────────────────────────────────────────────

// respondSuccess writes {"success": true, "data": data} with the given status.
func respondSuccess(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError writes {"success": false, "error": msg, "code": code}.
func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondList writes {"success": true, "data": items, "meta": {...}}.
func respondList(c *gin.Context, items any, total, page, limit int) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    items,
		"meta": gin.H{
			"total": total,
			"page":  page,
			"limit": limit,
		},
	})
}

// respondDomainError maps err onto the error envelope. Unrecognised errors
// become a 500 carrying fallback instead of the internal message.
func respondDomainError(c *gin.Context, err error, fallback string) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = fallback
	}
	respondError(c, status, code, msg)
}

// errorStatus pairs a domain sentinel with its HTTP status and error code.
// Order matters: wrapped sentinels precede their parents.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_BALANCE"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "ERR_INVALID_AMOUNT"},
	{domain.ErrInvalidSide, http.StatusBadRequest, "ERR_INVALID_SIDE"},
	{domain.ErrUnknownAsset, http.StatusBadRequest, "ERR_UNKNOWN_ASSET"},
	{domain.ErrInvalidAddress, http.StatusBadRequest, "ERR_INVALID_ADDRESS"},

	{domain.ErrMarketNotFound, http.StatusNotFound, "ERR_MARKET_NOT_FOUND"},
	{domain.ErrPositionNotFound, http.StatusNotFound, "ERR_POSITION_NOT_FOUND"},
	{domain.ErrAccountNotFound, http.StatusNotFound, "ERR_ACCOUNT_NOT_FOUND"},

	{domain.ErrMarketNotOpen, http.StatusConflict, "ERR_MARKET_NOT_OPEN"},
	{domain.ErrMarketNotSettleable, http.StatusConflict, "ERR_MARKET_NOT_SETTLEABLE"},
	{domain.ErrPositionNotActive, http.StatusConflict, "ERR_POSITION_NOT_ACTIVE"},
	{domain.ErrInvalidTransition, http.StatusConflict, "ERR_INVALID_TRANSITION"},
	{domain.ErrDuplicateMarket, http.StatusConflict, "ERR_DUPLICATE_MARKET"},
	{domain.ErrQuoteMoved, http.StatusConflict, "ERR_QUOTE_MOVED"},
	{domain.ErrSolvencyLimit, http.StatusConflict, "ERR_SOLVENCY_LIMIT"},

	{domain.ErrOverrideDisabled, http.StatusForbidden, "ERR_OVERRIDE_DISABLED"},
	{domain.ErrForbidden, http.StatusForbidden, "ERR_FORBIDDEN"},
	{domain.ErrInvalidCredentials, http.StatusUnauthorized, "ERR_INVALID_CREDENTIALS"},
	{domain.ErrTokenExpired, http.StatusUnauthorized, "ERR_TOKEN_EXPIRED"},
	{domain.ErrTokenInvalid, http.StatusUnauthorized, "ERR_INVALID_TOKEN"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "ERR_UNAUTHORIZED"},

	{domain.ErrSinkCommit, http.StatusServiceUnavailable, "ERR_UNAVAILABLE"},
}

// StatusFor returns the HTTP status and error code for a domain error.
func StatusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "ERR_INTERNAL"
}

// parsePagination reads page and limit query params with defaults 1 and 20.
// limit is capped at 100.
func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
