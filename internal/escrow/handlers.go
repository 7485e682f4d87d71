package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/mbd888/settlehub/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	roles   identity.RoleChecker
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, roles identity.RoleChecker) *Handler {
	return &Handler{service: service, roles: roles}
}

// RegisterRoutes sets up escrow routes. All routes require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/audit", h.GetAuditTrail)
	r.POST("/escrows/:id/deliver", h.MarkDelivered)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.canView(c, acct) {
		writeError(c, ErrNotParticipant)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// GetAuditTrail handles GET /v1/escrows/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.canView(c, acct) {
		writeError(c, ErrNotParticipant)
		return
	}

	limit := pagination.Limit(c.Query("limit"), 100, 500)
	entries, err := h.service.History(c.Request.Context(), acct.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// MarkDelivered handles POST /v1/escrows/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	acct, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), identity.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release (buyer confirms receipt)
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	acct, err := h.service.Release(c.Request.Context(), c.Param("id"), TriggerBuyer, identity.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	acct, d, err := h.service.Dispute(c.Request.Context(), c.Param("id"), identity.UserID(c),
		validation.SanitizeString(req.Reason, validation.MaxTextLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "dispute": d})
}

func (h *Handler) canView(c *gin.Context, acct *Account) bool {
	return acct.IsParticipant(identity.UserID(c)) || h.isAdmin(c)
}

func (h *Handler) isAdmin(c *gin.Context) bool {
	if h.roles == nil {
		return false
	}
	ok, err := h.roles.HasRole(c.Request.Context(), identity.UserID(c), identity.RoleAdmin)
	return err == nil && ok
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
}
