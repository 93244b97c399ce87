package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/pagination"
)

// Handler shows reviewers the delivery backlog.
type Handler struct {
	queue Queue
}

func NewHandler(q Queue) *Handler {
	return &Handler{queue: q}
}

// RegisterAdminRoutes sets up reviewer-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.Status)
}

// Status handles GET /v1/admin/notifications?limit=
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := h.queue.Len(ctx)
	if err == nil {
		var dead []DeadLetter
		if dead, err = h.queue.Dead(ctx, pagination.ParseLimit(c.Query("limit"))); err == nil {
			c.JSON(http.StatusOK, gin.H{"pending": pending, "deadLetters": dead, "deadCount": len(dead)})
			return
		}
	}
	logging.L(ctx).Error("notification queue status failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to read notification queue",
	})
}
