package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the key for storing the authenticated escrow.Actor
	ContextKeyActor = "authActor"
)

var ErrRoleNotAllowed = apperr.New(apperr.Forbidden, "forbidden", "your role is not allowed to use this endpoint")

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authActor in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				actor := escrow.Actor{
					ID:        key.UserID,
					Role:      key.Role,
					IP:        c.ClientIP(),
					UserAgent: c.Request.UserAgent(),
				}
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyActor, actor)
				c.Request = c.Request.WithContext(
					logging.WithUser(c.Request.Context(), actor.ID, string(actor.Role)))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActor); !exists {
			apperr.Abort(c, ErrNoAPIKey)
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not listed.
func RequireRole(roles ...escrow.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			apperr.Abort(c, ErrNoAPIKey)
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		apperr.Abort(c, ErrRoleNotAllowed)
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetActor returns the authenticated actor (if authenticated)
func GetActor(c *gin.Context) (escrow.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return escrow.Actor{}, false
	}
	a, ok := v.(escrow.Actor)
	return a, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyActor)
	return exists
}
