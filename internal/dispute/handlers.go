package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/mbd888/settlehub/internal/validation"
)

// Handler provides the admin dispute queue.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterAdminRoutes sets up dispute routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListPending)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/audit", h.GetHistory)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// ResolveRequest is the body of a resolution.
type ResolveRequest struct {
	Direction Direction `json:"direction" binding:"required"`
	Notes     string    `json:"notes" binding:"required"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "direction (buyer or seller) and notes are required",
		})
		return
	}

	acct, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), req.Direction,
		validation.SanitizeString(req.Notes, validation.MaxTextLength), identity.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// GetDispute handles GET /v1/admin/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListPending handles GET /v1/admin/disputes
func (h *Handler) ListPending(c *gin.Context) {
	disputes, err := h.resolver.ListPending(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetHistory handles GET /v1/admin/disputes/:id/audit
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.resolver.History(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func queryLimit(c *gin.Context) int {
	return pagination.Limit(c.Query("limit"), 50, 200)
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
}
