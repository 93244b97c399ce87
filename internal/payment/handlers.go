package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/money"
	"github.com/mbd888/ekklesia/internal/pagination"
	"github.com/mbd888/ekklesia/internal/pix"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/validation"
)

// Handler provides HTTP endpoints for payment requests.
type Handler struct {
	service *Service
	roles   auth.RoleChecker
}

// NewHandler creates a new payment handler. roles decides who counts as
// a reviewer when reading someone else's payment.
func NewHandler(service *Service, roles auth.RoleChecker) *Handler {
	return &Handler{service: service, roles: roles}
}

// RegisterProtectedRoutes sets up requester routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.RequestPayment)
	r.GET("/payments", h.ListMine)
	r.GET("/payments/:id", validation.IDParamMiddleware(), h.GetPayment)
	r.GET("/payments/:id/pix.png", validation.IDParamMiddleware(), h.PIXQRCode)
}

// RegisterAdminRoutes sets up reviewer routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payments", h.ListQueue)
}

type requestPaymentBody struct {
	PlanType plans.Type     `json:"planType"`
	Amount   string         `json:"amount"`
	Church   *ChurchPayload `json:"church"`
}

// RequestPayment handles POST /v1/payments
func (h *Handler) RequestPayment(c *gin.Context) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}

	var body requestPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	errs := validation.Validate(
		validation.Required("planType", string(body.PlanType)),
		validation.ValidAmount("amount", body.Amount),
	)
	errs = append(errs, ValidateRequest(body.PlanType, body.Church)...)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, _ := money.Parse(body.Amount)

	p, created, err := h.service.RequestPayment(c.Request.Context(), RequestInput{
		UserID:   id.UserID,
		Email:    id.Email,
		PlanType: body.PlanType,
		Amount:   amount,
		Church:   body.Church,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	resp := gin.H{"payment": p, "created": created}
	if code, err := h.service.PIXCode(p); err == nil {
		resp["pixCode"] = code
	}
	c.JSON(status, resp)
}

// ListMine handles GET /v1/payments
func (h *Handler) ListMine(c *gin.Context) {
	payments, err := h.service.ListMine(c.Request.Context(), auth.GetUserID(c), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, ok := h.loadVisible(c)
	if !ok {
		return
	}
	resp := gin.H{"payment": p}
	if !p.IsTerminal() {
		if code, err := h.service.PIXCode(p); err == nil {
			resp["pixCode"] = code
		}
	}
	c.JSON(http.StatusOK, resp)
}

// PIXQRCode handles GET /v1/payments/:id/pix.png
func (h *Handler) PIXQRCode(c *gin.Context) {
	p, ok := h.loadVisible(c)
	if !ok {
		return
	}
	if p.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "payment already processed"})
		return
	}
	code, err := h.service.PIXCode(p)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pix_unavailable", "message": "PIX is not configured"})
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "256"))
	size = max(128, min(size, 1024))
	png, err := pix.QRCodePNG(code, size)
	if err != nil {
		logging.L(c.Request.Context()).Error("qr code render failed", "payment", p.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to render QR code"})
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, "image/png", png)
}

// ListQueue handles GET /v1/admin/payments?status=&planType=&limit=&cursor=
func (h *Handler) ListQueue(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return
	}
	f := ListFilter{
		Status:   Status(c.DefaultQuery("status", string(StatusPending))),
		PlanType: plans.Type(c.Query("planType")),
		Cursor:   cursor,
		Limit:    pagination.ParseLimit(c.Query("limit")),
	}
	switch f.Status {
	case StatusPending, StatusApproved, StatusRejected:
	case "all":
		f.Status = ""
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be pending, approved, rejected or all"})
		return
	}

	page, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// loadVisible loads :id if the caller owns it or is a reviewer. Others
// get 404 so payment IDs cannot be probed.
func (h *Handler) loadVisible(c *gin.Context) (*PendingPayment, bool) {
	ctx := c.Request.Context()
	p, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	userID := auth.GetUserID(c)
	if p.UserID == userID {
		return p, true
	}
	reviewer, err := h.roles.HasRole(ctx, userID, auth.RoleSuperAdmin, "")
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if !reviewer {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
		return nil, false
	}
	return p, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
	case errors.Is(err, ErrInvalidPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
	case errors.Is(err, ErrCodeExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "could not allocate a confirmation code, try again"})
	default:
		logging.L(c.Request.Context()).Error("payment request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
