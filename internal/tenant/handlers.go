package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/logging"
)

// Handler provides HTTP endpoints for tenant lookup. Tenants are only
// created by payment approval, so there is no create route.
type Handler struct {
	store Store
	roles auth.RoleChecker
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store, roles auth.RoleChecker) *Handler {
	return &Handler{store: store, roles: roles}
}

// RegisterPublicRoutes sets up routes that need no identity.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/churches/:slug", h.GetPublic)
}

// RegisterProtectedRoutes sets up routes for tenant admins and reviewers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
}

// GetPublic handles GET /v1/churches/:slug and returns only the public card.
func (h *Handler) GetPublic(c *gin.Context) {
	t, err := h.store.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"church": gin.H{
		"slug":   t.Slug,
		"name":   t.Name,
		"active": t.Active,
	}})
}

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}

	userID := auth.GetUserID(c)
	allowed, err := h.roles.HasRole(ctx, userID, auth.RoleAdmin, t.ID)
	if err == nil && !allowed {
		allowed, err = h.roles.HasRole(ctx, userID, auth.RoleSuperAdmin, "")
	}
	if err != nil {
		logging.L(ctx).Error("tenant role check failed", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not verify permissions"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your church"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func (h *Handler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "church not found"})
		return
	}
	logging.L(c.Request.Context()).Error("tenant lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load church"})
}
