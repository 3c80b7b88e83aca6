package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/security"
)

// knownEvents is the set of event types a subscription may register for.
var knownEvents = map[string]bool{
	notify.TypeDepositCompleted: true,
	notify.TypePurchaseComplete: true,
	notify.TypeEarningReleased:  true,
	notify.TypeRefundRequested:  true,
	notify.TypeRefundDecided:    true,
	notify.TypeRefundSettled:    true,
	notify.TypeWithdrawalPaid:   true,
	notify.TypeWithdrawalFailed: true,
}

// Handler exposes admin endpoints for managing webhook subscriptions.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes mounts subscription management under the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:webhookId", h.DeleteSubscription)
}

type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// CreateSubscription handles POST /v1/admin/webhooks.
// The signing secret is generated server-side and returned exactly once.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}
	for _, ev := range req.Events {
		if !knownEvents[ev] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_event",
				"message": "Unknown event type: " + ev,
			})
			return
		}
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"header":    "X-CoursePay-Signature",
			"signature": "HMAC-SHA256 of the raw request body, hex encoded",
		},
	})
}

// ListSubscriptions handles GET /v1/admin/webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteSubscription handles DELETE /v1/admin/webhooks/:webhookId.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("webhookId")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
