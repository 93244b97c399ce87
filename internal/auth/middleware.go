package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/logging"
)

const (
	// ContextKeyIdentity is the gin context key holding the caller Identity.
	ContextKeyIdentity = "authIdentity"
)

// Role names understood by RequireRole.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// RoleChecker reports whether a user holds a role. An empty tenantID
// asks for a global grant.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role, tenantID string) (bool, error)
}

// Middleware verifies the bearer token when present and stores the
// identity in the gin context. Invalid tokens are not rejected here;
// RequireAuth decides.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c.GetHeader("Authorization"))
		if raw != "" {
			id, err := v.Verify(raw)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id.UserID))
			} else {
				logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires a verified identity holding a global grant of role.
func RequireRole(checker RoleChecker, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}

		has, err := checker.HasRole(c.Request.Context(), id.UserID, role, "")
		if err != nil {
			logging.L(c.Request.Context()).Error("role check failed", "role", role, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "could not verify permissions",
			})
			return
		}
		if !has {
			logging.L(c.Request.Context()).Warn("role required", slog.String("role", role))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the caller identity, if authenticated.
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(c *gin.Context) string {
	id, _ := GetIdentity(c)
	return id.UserID
}

// IsAuthenticated checks if the request carries a verified identity.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetIdentity(c)
	return ok
}
