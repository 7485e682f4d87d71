package methods

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

// Handler provides HTTP endpoints for payment methods
type Handler struct {
	registry *Registry
}

// NewHandler creates a new payment methods handler
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up payment method routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payment-methods", h.ListEligible)
}

type methodResponse struct {
	Method
	Display
	Fee string `json:"fee"`
}

// ListEligible handles GET /payment-methods?total=125.00
func (h *Handler) ListEligible(c *gin.Context) {
	total, err := money.Parse(c.Query("total"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
		return
	}

	eligible, err := h.registry.Eligible(total)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
		return
	}

	out := make([]methodResponse, len(eligible))
	for i, m := range eligible {
		out[i] = methodResponse{Method: m, Display: h.registry.Display(m.Kind), Fee: money.Format(m.Fee(total))}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   money.Format(total),
		"methods": out,
	})
}
