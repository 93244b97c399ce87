package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/pagination"
)

// Handler exposes subscriptions to reviewers.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up reviewer-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions", h.List)
	r.GET("/subscriptions/:id", h.Get)
}

// List handles GET /v1/admin/subscriptions?status=&holderType=&holderId=&limit=
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Status:     Status(c.Query("status")),
		HolderType: HolderType(c.Query("holderType")),
		HolderID:   c.Query("holderId"),
		Limit:      pagination.ParseLimit(c.Query("limit")),
	}
	switch f.Status {
	case "", StatusActive, StatusExpired, StatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be active, expired or cancelled"})
		return
	}

	subs, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("list subscriptions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// Get handles GET /v1/admin/subscriptions/:id
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}
