package plans

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the catalog over HTTP.
type Handler struct {
	catalog *Catalog
}

func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// RegisterRoutes sets up public plan routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:type", h.GetPlan)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.catalog.List()})
}

// GetPlan handles GET /v1/plans/:type
func (h *Handler) GetPlan(c *gin.Context) {
	p, err := h.catalog.Lookup(Type(c.Param("type")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan_not_found", "message": "unknown plan type"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}
