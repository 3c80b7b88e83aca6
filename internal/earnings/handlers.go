package earnings

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for instructor earnings.
type Handler struct {
	service *Service
}

// NewHandler creates a new earnings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up earnings routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/instructors/:instructor/earnings", h.List)
	r.GET("/instructors/:instructor/earnings/summary", h.Summary)
}

// List handles GET /v1/instructors/:instructor/earnings
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	list, err := h.service.ListByInstructor(c.Request.Context(), c.Param("instructor"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load earnings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": list})
}

// Summary handles GET /v1/instructors/:instructor/earnings/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.Param("instructor"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load earnings summary",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}
