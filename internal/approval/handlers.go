package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/validation"
)

// Handler provides the reviewer decision endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up reviewer routes. The group must already
// require the reviewer role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/approve", validation.IDParamMiddleware(), h.Approve)
	r.POST("/payments/:id/reject", validation.IDParamMiddleware(), h.Reject)
}

// Approve handles POST /v1/admin/payments/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	res, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// Reject handles POST /v1/admin/payments/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var body rejectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	p, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.GetUserID(c), body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payment.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
	case errors.Is(err, payment.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "payment was already approved or rejected"})
	case errors.Is(err, ErrPlanNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "plan_not_found", "message": err.Error()})
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrReasonTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrProvisioningFailed):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "provisioning_failed",
			"message": "processing failed and was rolled back; the payment is still pending, verify and retry",
		})
	default:
		logging.L(c.Request.Context()).Error("payment decision failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
