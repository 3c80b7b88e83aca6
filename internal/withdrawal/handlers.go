package withdrawal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/validation"
	"github.com/coursepay/coursepay/internal/wallet"
)

// Handler provides HTTP endpoints for the withdrawal workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Request)
	r.GET("/withdrawals/:id", h.Get)
	r.GET("/instructors/:instructor/withdrawals", h.ListForInstructor)
}

// RegisterAdminRoutes sets up admin-only withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals", h.ListByStatus)
	r.POST("/withdrawals/:id/review", h.Review)
}

// RequestBody is the body for POST /v1/withdrawals.
type RequestBody struct {
	InstructorID string `json:"instructorId" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
	Receiver     string `json:"receiver" binding:"required"`
	Note         string `json:"note"`
}

// Request handles POST /v1/withdrawals
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
		validation.MaxLength("note", body.Note, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r, err := h.service.Request(c.Request.Context(),
		body.InstructorID, body.Amount, body.Receiver,
		validation.SanitizeString(body.Note, validation.MaxReasonLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": r})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": r})
}

// ReviewBody is the body for POST /v1/admin/withdrawals/:id/review.
type ReviewBody struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

// Review handles POST /v1/admin/withdrawals/:id/review
func (h *Handler) Review(c *gin.Context) {
	var body ReviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Review(c.Request.Context(), c.Param("id"), *body.Approve, body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": r})
}

// ListForInstructor handles GET /v1/instructors/:instructor/withdrawals
func (h *Handler) ListForInstructor(c *gin.Context) {
	list, err := h.service.ListByInstructor(c.Request.Context(), c.Param("instructor"), limitQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
}

// ListByStatus handles GET /v1/admin/withdrawals?status=pending
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))
	list, err := h.service.ListByStatus(c.Request.Context(), status, limitQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
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
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Withdrawal request not found",
		})
	case errors.Is(err, ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_request",
			"message": "An open withdrawal already exists",
		})
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrMissingReceiver):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_withdrawal",
			"message": err.Error(),
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Wallet balance cannot cover this withdrawal",
		})
	case errors.Is(err, wallet.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "The request is not in a reviewable state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Withdrawal operation failed",
		})
	}
}
