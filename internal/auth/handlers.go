package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the caller's identity.
type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	id, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id})
}
