package middleware

import (
	"net/http"
	"strings"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxParticipantID = "participantID"
	CtxSubject       = "subject"
	CtxRole          = "role"
)

// TokenParser validates an access token. *service.AuthService satisfies it.
type TokenParser interface {
	ParseAccessToken(token string) (*service.AppClaims, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware validates the Bearer token in the Authorization header.
// On success it stores the subject and role in the gin context. Participant
// tokens carry a uuid subject, which is also stored as participantID; admin
// tokens carry the username.
func JWTMiddleware(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrUnauthorized.Error(),
			})
			return
		}

		claims, err := tokens.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		if domain.Role(claims.Role) == domain.RoleParticipant {
			participantID, err := uuid.Parse(claims.Subject)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": domain.ErrTokenInvalid.Error(),
				})
				return
			}
			c.Set(CtxParticipantID, participantID)
		}

		c.Set(CtxSubject, claims.Subject)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// RoleMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// RoleMiddleware ensures the authenticated caller has one of the allowed roles.
// Must be placed after JWTMiddleware in the chain.
func RoleMiddleware(roles ...domain.Role) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[string(r)] = true
	}
	return func(c *gin.Context) {
		if !allowed[GetRole(c)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": domain.ErrForbidden.Error(),
			})
			return
		}
		c.Next()
	}
}

// ParticipantMiddleware admits only wallet-connected participants.
func ParticipantMiddleware() gin.HandlerFunc {
	return RoleMiddleware(domain.RoleParticipant)
}

// AdminMiddleware admits only admins.
func AdminMiddleware() gin.HandlerFunc {
	return RoleMiddleware(domain.RoleAdmin)
}

// ──────────────────────────────────────────────────────────────────────────────
// Context helpers
// ──────────────────────────────────────────────────────────────────────────────

// GetParticipantID retrieves the authenticated participant's UUID from the gin
// context. Returns uuid.Nil for admins or when the middleware was not applied.
func GetParticipantID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(CtxParticipantID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// GetSubject retrieves the token subject: a participant id or admin username.
func GetSubject(c *gin.Context) string {
	return c.GetString(CtxSubject)
}

// GetRole retrieves the authenticated caller's role string from the gin context.
func GetRole(c *gin.Context) string {
	return c.GetString(CtxRole)
}
