package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/pagination"
	"github.com/coursepay/coursepay/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:owner", h.GetWallet)
	r.GET("/wallets/:owner/transactions", h.ListTransactions)
	r.POST("/wallets/:owner/deposits", h.CreateDeposit)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/platform-wallet", h.GetPlatformWallet)
	r.GET("/platform-wallet/history", h.GetPlatformHistory)
}

// GetWallet handles GET /v1/wallets/:owner
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallets/:owner/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid cursor parameter",
		})
		return
	}

	txns, next, err := h.service.History(c.Request.Context(), c.Param("owner"), limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}
	resp := gin.H{"transactions": txns}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CreateDepositRequest is the body for POST /v1/wallets/:owner/deposits.
type CreateDepositRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// CreateDeposit handles POST /v1/wallets/:owner/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	var req CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.CreateDeposit(c.Request.Context(), c.Param("owner"), req.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Failed to create deposit order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deposit": result})
}

// GetPlatformWallet handles GET /v1/admin/platform-wallet
func (h *Handler) GetPlatformWallet(c *gin.Context) {
	pw, err := h.service.Platform(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load platform wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"platformWallet": pw})
}

// GetPlatformHistory handles GET /v1/admin/platform-wallet/history
func (h *Handler) GetPlatformHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	history, err := h.service.PlatformHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load platform wallet history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}
