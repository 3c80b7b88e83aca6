package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/wallet"
)

// DepositFlow bridges the provider contract and the wallet deposit
// lifecycle: it creates checkout orders for top-ups and handles the
// capture/cancel callbacks the provider redirects the buyer through.
type DepositFlow struct {
	gw       Gateway
	wallets  *wallet.Service
	currency string
	notifier notify.Sink
	logger   *slog.Logger
}

func NewDepositFlow(gw Gateway, wallets *wallet.Service, currency string, logger *slog.Logger) *DepositFlow {
	return &DepositFlow{gw: gw, wallets: wallets, currency: currency, logger: logger}
}

// WithNotifier sets the event sink for completed deposits.
func (f *DepositFlow) WithNotifier(n notify.Sink) *DepositFlow {
	f.notifier = n
	return f
}

// CreateDepositOrder implements wallet.OrderCreator. A fresh reference per
// call keeps provider idempotency keys from colliding across an owner's
// deposits.
func (f *DepositFlow) CreateDepositOrder(ctx context.Context, ownerID string, amount int64) (string, string, error) {
	order, err := f.gw.CreateOrder(ctx, OrderRequest{
		ReferenceID: idgen.WithPrefix("dep_"),
		Amount:      amount,
		Currency:    f.currency,
		Description: "Wallet top-up",
	})
	if err != nil {
		return "", "", err
	}
	return order.ID, order.ApproveURL, nil
}

// RegisterRoutes sets up the provider callback routes.
func (f *DepositFlow) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/callbacks/capture", f.HandleCapture)
	r.POST("/gateway/callbacks/cancel", f.HandleCancel)
}

// CallbackBody is the body for the capture and cancel callbacks.
type CallbackBody struct {
	OrderID string `json:"orderId" binding:"required"`
}

// HandleCapture handles POST /v1/gateway/callbacks/capture. Idempotent: a
// replayed callback for a captured order confirms against the completed
// transaction and returns the prior result.
func (f *DepositFlow) HandleCapture(c *gin.Context) {
	var body CallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	ctx := c.Request.Context()

	captureRef := ""
	cap, err := f.gw.CaptureOrder(ctx, body.OrderID)
	switch {
	case err == nil:
		captureRef = cap.Reference
	case errors.Is(err, ErrOrderNotPayable):
		// Already captured; fall through and let the transaction's status
		// guard decide whether this is a replay.
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Gateway order not found",
		})
		return
	default:
		f.logger.ErrorContext(ctx, "order capture failed", "order_id", body.OrderID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Failed to capture order",
		})
		return
	}

	txn, err := f.wallets.ConfirmDeposit(ctx, body.OrderID, captureRef)
	if err != nil {
		if errors.Is(err, wallet.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No deposit for this order",
			})
			return
		}
		if errors.Is(err, wallet.ErrInvalidStateTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Deposit is not pending",
			})
			return
		}
		f.logger.ErrorContext(ctx, "deposit confirmation failed", "order_id", body.OrderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to confirm deposit",
		})
		return
	}

	notify.Send(ctx, f.notifier, f.logger, notify.Event{
		UserID: txn.OwnerID,
		Type:   notify.TypeDepositCompleted,
		Title:  "Deposit completed",
		Body:   "Your wallet top-up has been credited.",
		Meta:   map[string]string{"transaction_id": txn.ID},
	})
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// HandleCancel handles POST /v1/gateway/callbacks/cancel.
func (f *DepositFlow) HandleCancel(c *gin.Context) {
	var body CallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := f.wallets.CancelDeposit(c.Request.Context(), body.OrderID); err != nil {
		if errors.Is(err, wallet.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No deposit for this order",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Deposit is not pending",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}
