package checkout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/catalog"
	"github.com/coursepay/coursepay/internal/wallet"
)

// Handler provides HTTP endpoints for checkout.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up checkout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Checkout)
	r.GET("/buyers/:buyer/purchases", h.History)
}

// CheckoutRequest is the body for POST /v1/checkout.
type CheckoutRequest struct {
	BuyerID      string   `json:"buyerId" binding:"required"`
	CourseIDs    []string `json:"courseIds" binding:"required"`
	DiscountCode string   `json:"discountCode"`
}

// Checkout handles POST /v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Checkout(c.Request.Context(), req.BuyerID, req.CourseIDs, req.DiscountCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyCart):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "empty_cart",
				"message": "No courses to purchase",
			})
		case errors.Is(err, catalog.ErrCourseNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "course_not_found",
				"message": "One or more courses do not exist",
			})
		case errors.Is(err, catalog.ErrInvalidDiscount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_discount",
				"message": "Discount code is not valid",
			})
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_funds",
				"message": "Wallet balance cannot cover the purchase",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Checkout failed",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"purchase": result})
}

// History handles GET /v1/buyers/:buyer/purchases
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	items, err := h.service.History(c.Request.Context(), c.Param("buyer"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load purchases",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
