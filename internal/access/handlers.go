package access

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/logging"
)

// Handler exposes the caller's effective access.
type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterProtectedRoutes sets up routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/access", h.GetAccess)
}

// GetAccess handles GET /v1/me/access
func (h *Handler) GetAccess(c *gin.Context) {
	a, err := h.resolver.Resolve(c.Request.Context(), auth.GetUserID(c))
	if errors.Is(err, ErrUnauthenticated) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("access resolution failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(http.StatusOK, a)
}
