package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atendo-io/atendo/internal/auth"
)

// Context keys for claims stored in gin.Context. Constants instead of
// inline strings: a typo'd c.Get("usr_id") compiles fine and silently
// returns nil, a typo'd constant doesn't compile.
const (
	ContextKeyUserID      = "user_id"
	ContextKeyWorkspaceID = "workspace_id"
	ContextKeyEmail       = "email"
)

// AuthMiddleware validates agent JWTs on the /v1 group. Invalid or missing
// tokens abort the chain with a 401; valid claims land in the request
// context for handlers to read through the helpers below.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyWorkspaceID, claims.WorkspaceID)
		c.Set(ContextKeyEmail, claims.Email)

		c.Next()
	}
}

// Typed claim accessors. They do the type assertion once, in one place;
// a missing key comes back as uuid.Nil, which fails any workspace-scoped
// query gracefully.

func GetUserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetWorkspaceID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyWorkspaceID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetEmail(c *gin.Context) string {
	val, exists := c.Get(ContextKeyEmail)
	if !exists {
		return ""
	}
	email, ok := val.(string)
	if !ok {
		return ""
	}
	return email
}
