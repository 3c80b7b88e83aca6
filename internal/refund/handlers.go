package refund

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/validation"
	"github.com/coursepay/coursepay/internal/wallet"
)

// Handler provides HTTP endpoints for the refund workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.Request)
	r.GET("/refunds/:id", h.Get)
	r.POST("/refunds/:id/instructor-review", h.InstructorReview)
	r.GET("/buyers/:buyer/refundable-items", h.RefundableItems)
	r.GET("/buyers/:buyer/refunds", h.ListForRequester)
	r.GET("/instructors/:instructor/refunds", h.ListForInstructor)
}

// RegisterAdminRoutes sets up admin-only refund routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/refunds", h.ListByStatus)
	r.POST("/refunds/:id/review", h.AdminReview)
}

// RequestBody is the body for POST /v1/refunds.
type RequestBody struct {
	BuyerID        string `json:"buyerId" binding:"required"`
	PurchaseItemID string `json:"purchaseItemId" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
}

// Request handles POST /v1/refunds
func (h *Handler) Request(c *gin.Context) {
	var body RequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("reason", body.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r, err := h.service.Request(c.Request.Context(),
		body.BuyerID, body.PurchaseItemID, validation.SanitizeString(body.Reason, validation.MaxReasonLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// Get handles GET /v1/refunds/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ReviewBody is the body for refund review endpoints.
type ReviewBody struct {
	ReviewerID string `json:"reviewerId"`
	Approve    *bool  `json:"approve" binding:"required"`
	Note       string `json:"note"`
}

// InstructorReview handles POST /v1/refunds/:id/instructor-review
func (h *Handler) InstructorReview(c *gin.Context) {
	var body ReviewBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ReviewerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.InstructorReview(c.Request.Context(),
		body.ReviewerID, c.Param("id"), *body.Approve, body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// AdminReview handles POST /v1/admin/refunds/:id/review
func (h *Handler) AdminReview(c *gin.Context) {
	var body ReviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.AdminReview(c.Request.Context(), c.Param("id"), *body.Approve, body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// RefundableItems handles GET /v1/buyers/:buyer/refundable-items
func (h *Handler) RefundableItems(c *gin.Context) {
	items, err := h.service.RefundableItems(c.Request.Context(), c.Param("buyer"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListForRequester handles GET /v1/buyers/:buyer/refunds
func (h *Handler) ListForRequester(c *gin.Context) {
	list, err := h.service.ListForRequester(c.Request.Context(), c.Param("buyer"), limitQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": list})
}

// ListForInstructor handles GET /v1/instructors/:instructor/refunds
func (h *Handler) ListForInstructor(c *gin.Context) {
	list, err := h.service.ListForInstructor(c.Request.Context(), c.Param("instructor"), limitQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": list})
}

// ListByStatus handles GET /v1/admin/refunds?status=requested
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusRequested)))
	list, err := h.service.ListByStatus(c.Request.Context(), status, limitQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": list})
}

func limitQuery(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	return limit
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, checkout.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Refund request or purchase item not found",
		})
	case errors.Is(err, ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_request",
			"message": "A refund request already exists for this item",
		})
	case errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "not_eligible",
			"message": "This purchase is not eligible for a refund",
		})
	case errors.Is(err, ErrNotRequester), errors.Is(err, ErrNotInstructor):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You cannot act on this refund request",
		})
	case errors.Is(err, wallet.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "The request is not in a reviewable state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Refund operation failed",
		})
	}
}
